package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hospsurvey/internal/alerts"
	"hospsurvey/internal/audit"
)

// Task types carried in the "type" field of a job stream message.
const (
	TypeSecurityScan    = "security_scan"
	TypeSIEMExport      = "siem_export"
	TypeInactivitySweep = "inactivity_sweep"
)

type SecurityEngine interface {
	Run(ctx context.Context, hours int) ([]alerts.Threat, error)
	ArchiveSIEMExport(ctx context.Context, hours int) (string, int, error)
}

type InactivitySweeper interface {
	DeactivateInactive(ctx context.Context, days int) (int, error)
}

// Defaults fill in a payload that omits its window.
type Defaults struct {
	WindowHours      int
	InactiveUserDays int
}

type Processor struct {
	engine   SecurityEngine
	sweeper  InactivitySweeper
	defaults Defaults
	logger   zerolog.Logger
}

// TaskPayload mirrors the stream fields. Redis hands every value back as a
// string, so numeric fields are parsed on use.
type TaskPayload struct {
	Type  string `json:"type"`
	Hours string `json:"hours"`
	Days  string `json:"days"`
}

func NewProcessor(engine SecurityEngine, sweeper InactivitySweeper, defaults Defaults, logger zerolog.Logger) *Processor {
	return &Processor{
		engine:   engine,
		sweeper:  sweeper,
		defaults: defaults,
		logger:   logger,
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	ctx = audit.WithOrigin(ctx, audit.OriginScheduled)
	started := time.Now()
	var err error
	switch payload.Type {
	case TypeSecurityScan:
		err = p.handleScan(ctx, payload)
	case TypeSIEMExport:
		err = p.handleExport(ctx, payload)
	case TypeInactivitySweep:
		err = p.handleSweep(ctx, payload)
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", payload.Type, err)
	}
	p.logger.Debug().Str("type", payload.Type).Dur("took", time.Since(started)).Msg("task done")
	return nil
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

func (p *Processor) handleScan(ctx context.Context, payload TaskPayload) error {
	hours := intOr(payload.Hours, p.defaults.WindowHours)
	threats, err := p.engine.Run(ctx, hours)
	if err != nil {
		return err
	}
	p.logger.Info().Int("hours", hours).Int("raised", len(threats)).Msg("security scan finished")
	return nil
}

func (p *Processor) handleExport(ctx context.Context, payload TaskPayload) error {
	hours := intOr(payload.Hours, p.defaults.WindowHours)
	key, count, err := p.engine.ArchiveSIEMExport(ctx, hours)
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("key", key).
		Str("alerts", humanize.Comma(int64(count))).
		Msg("siem export archived")
	return nil
}

func (p *Processor) handleSweep(ctx context.Context, payload TaskPayload) error {
	days := intOr(payload.Days, p.defaults.InactiveUserDays)
	if p.sweeper == nil || days <= 0 {
		return nil
	}
	n, err := p.sweeper.DeactivateInactive(ctx, days)
	if err != nil {
		return err
	}
	p.logger.Info().Int("days", days).Int("deactivated", n).Msg("inactivity sweep finished")
	return nil
}

func intOr(raw string, fallback int) int {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}
