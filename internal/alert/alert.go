// Package alert delivers operator-facing notifications over NATS
// JetStream. Producers hand it an Alert; the bus serializes it, applies a
// per-key cooldown so repeating conditions do not flood the channel, and
// publishes to alerts.<severity>.<kind>.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"PaimonControl/internal/observability"
)

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Alert is one notification. DedupKey is optional: alerts sharing a
// (kind, dedup key) pair within the cooldown window are suppressed.
type Alert struct {
	Severity Severity          `json:"severity"`
	Kind     string            `json:"kind"`
	Title    string            `json:"title"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`

	DedupKey string `json:"-"`
}

// Publisher is what alert producers depend on.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Nop drops every alert. Used by tests and offline tooling.
type Nop struct{}

func (Nop) Publish(context.Context, Alert) error { return nil }

// Bus is the JetStream-backed Publisher.
type Bus struct {
	js       jetstream.JetStream
	cooldown *ttlcache.Cache[string, struct{}]
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewBus(js jetstream.JetStream, cooldown time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Bus {
	c := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cooldown),
	)
	go c.Start()
	return &Bus{
		js:       js,
		cooldown: c,
		metrics:  metrics,
		log:      log.With().Str("component", "alert-bus").Logger(),
	}
}

// Close stops the cooldown janitor.
func (b *Bus) Close() {
	b.cooldown.Stop()
}

func (b *Bus) Publish(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	if a.DedupKey != "" {
		key := a.Kind + "|" + a.DedupKey
		if b.cooldown.Get(key) != nil {
			b.metrics.AlertsSuppressed.WithLabelValues(a.Kind).Inc()
			return nil
		}
		b.cooldown.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}
	if _, err := b.js.Publish(ctx, Subject(a), data); err != nil {
		return errors.Wrapf(err, "publish %s alert %s", a.Severity, a.Kind)
	}

	b.metrics.AlertsPublished.WithLabelValues(string(a.Severity), a.Kind).Inc()
	evt := b.log.Info()
	if a.Severity == SeverityCritical || a.Severity == SeverityEmergency {
		evt = b.log.Warn()
	}
	evt.Str("kind", a.Kind).Str("severity", string(a.Severity)).Str("title", a.Title).Msg("alert published")
	return nil
}

// Subject returns the NATS subject for an alert.
func Subject(a Alert) string {
	return fmt.Sprintf("alerts.%s.%s", a.Severity, a.Kind)
}

// EnsureAlertStream creates or updates the durable alert stream.
func EnsureAlertStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PAIMON_ALERTS",
		Subjects:  []string{"alerts.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	return errors.Wrap(err, "create alert stream")
}
