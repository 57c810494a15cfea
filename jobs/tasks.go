package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/trellisauth/trellis/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDriftAudit sweeps the evaluation cache for rows that differ
	// from expectation.
	TaskDriftAudit = "rbac:drift_audit"
	// TaskFullRecompute rebuilds the evaluation cache for every object role.
	TaskFullRecompute = "rbac:full_recompute"
)

// Engine is the slice of the access engine the task handlers drive.
type Engine interface {
	AuditDrift(ctx context.Context) (rbac.DriftReport, error)
	Recompute(ctx context.Context, roles ...rbac.ObjectRole) error
}

// DriftAuditPayload configures one drift sweep. Repair schedules a full
// recomputation when drift is found; the default only reports.
type DriftAuditPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	Repair      bool      `json:"repair"`
}

// NewDriftAuditTask constructs an Asynq task for a drift sweep.
func NewDriftAuditTask(at time.Time, repair bool) (*asynq.Task, error) {
	body, err := json.Marshal(DriftAuditPayload{RequestedAt: at, Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDriftAudit, body, asynq.Queue(QueueDefault)), nil
}

// HandleDriftAuditTask returns the handler for TaskDriftAudit. Drift is
// reported through logs and metrics; rows are only touched when the
// payload asks for repair.
func HandleDriftAuditTask(engine Engine, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload DriftAuditPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		report, err := engine.AuditDrift(ctx)
		if err != nil {
			return err
		}
		if report.Clean() {
			logger.Info("drift audit clean", slog.Int("roles_checked", report.RolesChecked))
			return nil
		}
		for _, d := range report.Drift {
			logger.Warn("cache drift",
				slog.Int64("object_role_id", d.ObjectRoleID),
				slog.Int("missing", len(d.Missing)),
				slog.Int("extra", len(d.Extra)))
		}
		if payload.Repair {
			logger.Info("repairing drifted cache", slog.Int("roles", len(report.Drift)))
			return engine.Recompute(ctx)
		}
		return nil
	}
}

// FullRecomputePayload carries scheduling metadata for a cache rebuild.
type FullRecomputePayload struct {
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// NewFullRecomputeTask constructs an Asynq task for a full cache rebuild.
func NewFullRecomputeTask(at time.Time, reason string) (*asynq.Task, error) {
	body, err := json.Marshal(FullRecomputePayload{RequestedAt: at, Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFullRecompute, body, asynq.Queue(QueueDefault)), nil
}

// HandleFullRecomputeTask returns the handler for TaskFullRecompute.
func HandleFullRecomputeTask(engine Engine, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload FullRecomputePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		logger.Info("full cache recompute", slog.String("reason", payload.Reason))
		return engine.Recompute(ctx)
	}
}
