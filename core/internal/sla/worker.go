package sla

import (
	"context"
	"log/slog"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/metricsx"
	"omnichannel-routing-system/shared/tenantx"
)

// Escalator applies an escalation. The interaction manager implements it.
type Escalator interface {
	ApplyEscalation(ctx context.Context, req models.EscalationRequest) error
}

// RunEscalations consumes the escalation queue until ctx is done. Each
// outcome is settled on the clock: transient failures are offered again by
// a later sweep with backoff, until ApplyEscalation succeeds or the clock
// stops.
func (m *Monitor) RunEscalations(ctx context.Context, esc Escalator) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.escalated:
			reqCtx := tenantx.WithTenantID(ctx, req.TenantID)
			err := esc.ApplyEscalation(reqCtx, req)
			m.settle(req, err)
			if err != nil {
				result := "retry"
				if permanent(err) {
					result = "skipped"
				}
				metricsx.IncEscalation(result)
				m.logger.Error(reqCtx, "escalation_failed", "escalation could not be applied",
					slog.String("error_code", "ESCALATION_FAILED"),
					slog.String("tenant_id", req.TenantID),
					slog.String("interaction_id", req.InteractionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			metricsx.IncEscalation("applied")
		}
	}
}
