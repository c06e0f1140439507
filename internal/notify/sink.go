// Package notify relays the events outbox to external sinks: HTTP
// webhooks, a Redis stream and an MQTT broker for ward displays.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

// Sink receives outbox events in id order. A sink's name keys its persisted
// cursor, so it must be stable across restarts.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

// Envelope is the JSON body every sink emits.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewEnvelope(evt domain.Event) Envelope {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	return env
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches everything when no event types are listed.
func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// BuildSinks creates the sinks configured in rota.yml. The returned close
// function releases broker connections.
func BuildSinks(cfg config.Notifications, logger *zap.Logger) ([]Sink, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sinks []Sink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if cfg.Redis != nil {
		sink := NewRedisSink(*cfg.Redis)
		sinks = append(sinks, sink)
		closers = append(closers, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("closing redis sink", zap.Error(err))
			}
		})
	}
	if cfg.MQTT != nil {
		sink, err := DialMQTTSink(*cfg.MQTT)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mqtt sink: %w", err)
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
	}
	return sinks, closeAll, nil
}
