package query

import (
	"strings"
	"unicode"

	"github.com/teresa-solution/federated-search-service/internal/apperr"
)

// MaxBooleanTerms bounds the size of a boolean expression
const MaxBooleanTerms = 32

// BooleanTerm is one operand of a boolean-mode expression
type BooleanTerm struct {
	Words    []string // lowercase; more than one only for phrases
	Required bool     // +term
	Excluded bool     // -term
	Phrase   bool     // "quoted words"
	Prefix   bool     // term*
}

// BooleanExpr is a validated boolean-mode expression
type BooleanExpr struct {
	Terms []BooleanTerm
}

// reserved operators of native boolean engines that are not accepted
const unsupportedOperators = "<>()~@"

// ParseBoolean validates and parses an operator expression: +required, -excluded,
// "literal phrase" and trailing * wildcards. Anything else that a native engine would
// read as an operator is rejected.
func ParseBoolean(q string) (*BooleanExpr, error) {
	runes := []rune(q)
	expr := &BooleanExpr{}
	i := 0

	for i < len(runes) {
		r := runes[i]
		if unicode.IsSpace(r) {
			i++
			continue
		}

		var term BooleanTerm
		if r == '+' || r == '-' {
			term.Required = r == '+'
			term.Excluded = r == '-'
			i++
			if i >= len(runes) || !(isWordRune(runes[i]) || runes[i] == '"') {
				return nil, apperr.InvalidQuerySyntax("operator %q at position %d has no operand", r, i-1)
			}
		}

		switch {
		case runes[i] == '"':
			end := i + 1
			for end < len(runes) && runes[end] != '"' {
				end++
			}
			if end >= len(runes) {
				return nil, apperr.InvalidQuerySyntax("unbalanced quote at position %d", i)
			}
			words := Words(string(runes[i+1 : end]))
			if len(words) == 0 {
				return nil, apperr.InvalidQuerySyntax("empty phrase at position %d", i)
			}
			term.Words = words
			term.Phrase = true
			i = end + 1
			if i < len(runes) && runes[i] == '*' {
				return nil, apperr.InvalidQuerySyntax("wildcard cannot follow a phrase at position %d", i)
			}

		case isWordRune(runes[i]):
			start := i
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}
			term.Words = []string{strings.ToLower(string(runes[start:i]))}
			if i < len(runes) && runes[i] == '*' {
				term.Prefix = true
				i++
				if i < len(runes) && (isWordRune(runes[i]) || runes[i] == '*') {
					return nil, apperr.InvalidQuerySyntax("wildcard must be trailing at position %d", i-1)
				}
			}

		case runes[i] == '*':
			return nil, apperr.InvalidQuerySyntax("wildcard at position %d has no term", i)

		case strings.ContainsRune(unsupportedOperators, runes[i]):
			return nil, apperr.InvalidQuerySyntax("unsupported operator %q at position %d", runes[i], i)

		default:
			// punctuation with no operator meaning separates terms
			i++
			continue
		}

		expr.Terms = append(expr.Terms, term)
		if len(expr.Terms) > MaxBooleanTerms {
			return nil, apperr.InvalidQuerySyntax("expression exceeds %d terms", MaxBooleanTerms)
		}
	}

	if len(expr.Terms) == 0 {
		return nil, apperr.InvalidQuerySyntax("expression has no terms")
	}
	positive := false
	for _, t := range expr.Terms {
		if !t.Excluded {
			positive = true
			break
		}
	}
	if !positive {
		return nil, apperr.InvalidQuerySyntax("expression has only excluded terms")
	}
	return expr, nil
}

// PositiveWords returns the words of every non-excluded term, for match highlighting
func (e *BooleanExpr) PositiveWords() []string {
	var out []string
	for _, t := range e.Terms {
		if !t.Excluded {
			out = append(out, t.Words...)
		}
	}
	return out
}

// MySQL renders the expression in InnoDB BOOLEAN MODE syntax
func (e *BooleanExpr) MySQL() string {
	parts := make([]string, 0, len(e.Terms))
	for _, t := range e.Terms {
		var b strings.Builder
		switch {
		case t.Required:
			b.WriteByte('+')
		case t.Excluded:
			b.WriteByte('-')
		}
		if t.Phrase {
			b.WriteByte('"')
			b.WriteString(strings.Join(t.Words, " "))
			b.WriteByte('"')
		} else {
			b.WriteString(t.Words[0])
		}
		if t.Prefix {
			b.WriteByte('*')
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " ")
}

// TSQuery renders the expression as a PostgreSQL to_tsquery argument. Required terms
// are ANDed; without any, optional terms are ORed. Excluded terms are negated.
func (e *BooleanExpr) TSQuery() string {
	var required, optional, excluded []string
	for _, t := range e.Terms {
		operand := tsOperand(t)
		switch {
		case t.Required:
			required = append(required, operand)
		case t.Excluded:
			excluded = append(excluded, "!"+operand)
		default:
			optional = append(optional, operand)
		}
	}

	var out string
	if len(required) > 0 {
		out = strings.Join(required, " & ")
	} else {
		out = "(" + strings.Join(optional, " | ") + ")"
	}
	for _, x := range excluded {
		out += " & " + x
	}
	return out
}

func tsOperand(t BooleanTerm) string {
	if t.Phrase {
		if len(t.Words) == 1 {
			return t.Words[0]
		}
		return "(" + strings.Join(t.Words, " <-> ") + ")"
	}
	if t.Prefix {
		return t.Words[0] + ":*"
	}
	return t.Words[0]
}
