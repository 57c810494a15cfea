package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/trellisauth/trellis/internal/rbac"
)

type fakeEngine struct {
	report     rbac.DriftReport
	auditErr   error
	recomputed int
}

func (e *fakeEngine) AuditDrift(context.Context) (rbac.DriftReport, error) {
	return e.report, e.auditErr
}

func (e *fakeEngine) Recompute(context.Context, ...rbac.ObjectRole) error {
	e.recomputed++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDriftAuditTaskReportsWithoutTouching(t *testing.T) {
	engine := &fakeEngine{report: rbac.DriftReport{
		RolesChecked: 3,
		Drift:        []rbac.RoleDrift{{ObjectRoleID: 1}},
	}}
	handler := HandleDriftAuditTask(engine, discardLogger())

	task, err := NewDriftAuditTask(time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Zero(t, engine.recomputed)
}

func TestDriftAuditTaskRepairs(t *testing.T) {
	engine := &fakeEngine{report: rbac.DriftReport{
		RolesChecked: 3,
		Drift:        []rbac.RoleDrift{{ObjectRoleID: 1}},
	}}
	handler := HandleDriftAuditTask(engine, discardLogger())

	task, err := NewDriftAuditTask(time.Now(), true)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 1, engine.recomputed)

	// A clean sweep never recomputes, even with repair requested.
	engine = &fakeEngine{report: rbac.DriftReport{RolesChecked: 3}}
	handler = HandleDriftAuditTask(engine, discardLogger())
	task, err = NewDriftAuditTask(time.Now(), true)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Zero(t, engine.recomputed)
}

func TestDriftAuditTaskPropagatesErrors(t *testing.T) {
	engine := &fakeEngine{auditErr: errors.New("boom")}
	handler := HandleDriftAuditTask(engine, discardLogger())

	task, err := NewDriftAuditTask(time.Now(), false)
	require.NoError(t, err)
	require.Error(t, handler(context.Background(), task))

	// Garbage payloads are dropped, not retried.
	err = handler(context.Background(), asynq.NewTask(TaskDriftAudit, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestFullRecomputeTask(t *testing.T) {
	engine := &fakeEngine{}
	handler := HandleFullRecomputeTask(engine, discardLogger())

	task, err := NewFullRecomputeTask(time.Now(), "permission edit")
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 1, engine.recomputed)

	err = handler(context.Background(), asynq.NewTask(TaskFullRecompute, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
