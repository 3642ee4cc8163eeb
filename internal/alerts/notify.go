package alerts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier delivers critical threats to humans or downstream systems.
type Notifier interface {
	Notify(ctx context.Context, threat Threat) error
}

type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, threat Threat) error {
	n.log.Error().
		Str("alert_type", threat.Type).
		Str("severity", threat.Severity).
		Interface("data", threat.Data).
		Msg(threat.Message)
	return nil
}

// StreamNotifier publishes threats on a redis stream for the mail/chat relays.
type StreamNotifier struct {
	client *redis.Client
	stream string
}

func NewStreamNotifier(client *redis.Client, stream string) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream}
}

func (n *StreamNotifier) Notify(ctx context.Context, threat Threat) error {
	data, err := json.Marshal(threat.Data)
	if err != nil {
		return err
	}
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"type":     threat.Type,
			"severity": threat.Severity,
			"message":  threat.Message,
			"data":     string(data),
		},
	}).Err()
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, threat Threat) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, threat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
