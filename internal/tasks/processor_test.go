package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospsurvey/internal/alerts"
	"hospsurvey/internal/audit"
)

type fakeEngine struct {
	runHours    []int
	exportHours []int
	err         error
}

func (f *fakeEngine) Run(_ context.Context, hours int) ([]alerts.Threat, error) {
	f.runHours = append(f.runHours, hours)
	return []alerts.Threat{{Type: alerts.TypeMultipleFailedLogins}}, f.err
}

func (f *fakeEngine) ArchiveSIEMExport(_ context.Context, hours int) (string, int, error) {
	f.exportHours = append(f.exportHours, hours)
	return "siem/2025/04/02/x.json", 3, f.err
}

type fakeSweeper struct {
	days    []int
	origins []string
}

func (f *fakeSweeper) DeactivateInactive(ctx context.Context, days int) (int, error) {
	f.days = append(f.days, days)
	f.origins = append(f.origins, audit.OriginFromContext(ctx))
	return 2, nil
}

func newProcessor() (*Processor, *fakeEngine, *fakeSweeper) {
	engine := &fakeEngine{}
	sweeper := &fakeSweeper{}
	p := NewProcessor(engine, sweeper, Defaults{WindowHours: 24, InactiveUserDays: 90}, zerolog.Nop())
	return p, engine, sweeper
}

func message(values map[string]interface{}) redis.XMessage {
	return redis.XMessage{ID: "1-0", Values: values}
}

func TestProcessorDispatchesByType(t *testing.T) {
	p, engine, sweeper := newProcessor()
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, message(map[string]interface{}{"type": TypeSecurityScan, "hours": "6"})))
	require.NoError(t, p.Handle(ctx, message(map[string]interface{}{"type": TypeSIEMExport})))
	require.NoError(t, p.Handle(ctx, message(map[string]interface{}{"type": TypeInactivitySweep, "days": "30"})))

	assert.Equal(t, []int{6}, engine.runHours)
	assert.Equal(t, []int{24}, engine.exportHours)
	assert.Equal(t, []int{30}, sweeper.days)
}

func TestProcessorMarksWorkAsScheduled(t *testing.T) {
	p, _, sweeper := newProcessor()

	require.NoError(t, p.Handle(context.Background(), message(map[string]interface{}{"type": TypeInactivitySweep})))
	assert.Equal(t, []string{audit.OriginScheduled}, sweeper.origins)
}

func TestProcessorFallsBackOnBadWindow(t *testing.T) {
	p, engine, sweeper := newProcessor()
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, message(map[string]interface{}{"type": TypeSecurityScan, "hours": "soon"})))
	require.NoError(t, p.Handle(ctx, message(map[string]interface{}{"type": TypeInactivitySweep, "days": "-4"})))

	assert.Equal(t, []int{24}, engine.runHours)
	assert.Equal(t, []int{90}, sweeper.days)
}

func TestProcessorUnknownTypeIsAcked(t *testing.T) {
	p, engine, _ := newProcessor()
	assert.NoError(t, p.Handle(context.Background(), message(map[string]interface{}{"type": "thumbnail"})))
	assert.Empty(t, engine.runHours)
}

func TestProcessorSurfacesEngineErrors(t *testing.T) {
	p, engine, _ := newProcessor()
	engine.err = errors.New("postgres down")

	err := p.Handle(context.Background(), message(map[string]interface{}{"type": TypeSecurityScan}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeSecurityScan)
}
