package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nexusgate/mcpbroker/internal/domain/audit"
	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// auditIngestTimeout bounds how long a single platform audit ingest call
// may take before it is abandoned; the broker never blocks a tool call
// on audit delivery.
const auditIngestTimeout = 5 * time.Second

// AuditDispatcher forwards audit records to the platform's audit sink
// fire-and-forget, per §4.9: callers never see a delivery failure, and
// every record has its sensitive arguments redacted before it leaves
// the process.
type AuditDispatcher struct {
	platform outbound.PlatformClient
	logger   *slog.Logger
}

// NewAuditDispatcher creates an AuditDispatcher.
func NewAuditDispatcher(platform outbound.PlatformClient, logger *slog.Logger) *AuditDispatcher {
	return &AuditDispatcher{platform: platform, logger: logger}
}

// Dispatch redacts record.ToolArguments and ships it to the platform in
// its own goroutine, bounded by auditIngestTimeout. Errors are logged,
// never returned or propagated to the caller.
func (d *AuditDispatcher) Dispatch(record audit.AuditRecord) {
	record.ToolArguments = audit.RedactSensitiveArgs(record.ToolArguments)

	payload, err := json.Marshal(record)
	if err != nil {
		d.logger.Error("failed to marshal audit record", "error", err, "tool", record.ToolName)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditIngestTimeout)
		defer cancel()

		if err := d.platform.IngestAudit(ctx, payload); err != nil {
			d.logger.Warn("audit ingest failed", "error", err, "tool", record.ToolName, "request_id", record.RequestID)
		}
	}()
}
