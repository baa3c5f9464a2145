package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/federated-search-service/internal/model"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NATSPublisher fans analytics records out on the event bus for downstream consumers
type NATSPublisher struct {
	conn    natsConn
	subject string
}

func NewNATSPublisher(natsURL, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("federated-search-analytics"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", natsURL).Str("subject", subject).Msg("Analytics publisher connected to NATS")
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Write(_ context.Context, rec *model.SearchAnalytics) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		log.Info().Msg("Analytics publisher disconnected from NATS")
	}
}
