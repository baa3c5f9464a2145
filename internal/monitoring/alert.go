package monitoring

import (
	"strconv"

	"github.com/rs/zerolog/log"
)

// Alert raises an operator alert. Alerts are structured error logs picked up by the
// log pipeline.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Str("alert", message).
		Fields(fields).
		Msg("ALERT: Federated search issue detected")
}

// ConnectionDegraded alerts that a target database stopped answering health checks
func ConnectionDegraded(connectionID, tenantID string, failures int, cause error) {
	ConnectionsDegraded.Inc()
	labels := map[string]string{
		"connection_id": connectionID,
		"tenant_id":     tenantID,
		"failures":      strconv.Itoa(failures),
	}
	if cause != nil {
		labels["error"] = cause.Error()
	}
	Alert("connection degraded", labels)
}
