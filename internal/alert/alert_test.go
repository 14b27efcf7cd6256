package alert_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/testutil"
)

// Shared across the package's tests: prometheus collectors register once
// per process.
var testMetrics = observability.NewMetrics()

func TestSubject(t *testing.T) {
	a := alert.Alert{Severity: alert.SeverityCritical, Kind: "risk.emergency"}
	if got, want := alert.Subject(a), "alerts.critical.risk.emergency"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}
}

func TestBusCooldownSuppressesRepeats(t *testing.T) {
	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx := context.Background()
	if err := alert.EnsureAlertStream(ctx, js); err != nil {
		t.Fatalf("EnsureAlertStream: %v", err)
	}

	sub, err := nc.SubscribeSync("alerts.warning.test.cooldown")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus := alert.NewBus(js, time.Minute, testMetrics, observability.NewLogger("alert-test"))
	defer bus.Close()

	a := alert.Alert{
		Severity: alert.SeverityWarning,
		Kind:     "test.cooldown",
		Title:    "ticket APR-deadbeef past warning",
		DedupKey: "APR-deadbeef",
	}
	if err := bus.Publish(ctx, a); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, a); err != nil {
		t.Fatalf("second Publish: %v", err)
	}

	if _, err := sub.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("first alert never arrived: %v", err)
	}
	if msg, err := sub.NextMsg(300 * time.Millisecond); err == nil {
		t.Fatalf("suppressed alert was delivered: %s", msg.Data)
	}
}

func TestBusDistinctDedupKeysBothDeliver(t *testing.T) {
	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx := context.Background()
	if err := alert.EnsureAlertStream(ctx, js); err != nil {
		t.Fatalf("EnsureAlertStream: %v", err)
	}

	sub, err := nc.SubscribeSync("alerts.info.test.distinct")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus := alert.NewBus(js, time.Minute, testMetrics, observability.NewLogger("alert-test"))
	defer bus.Close()

	for _, key := range []string{"APR-00000001", "APR-00000002"} {
		err := bus.Publish(ctx, alert.Alert{
			Severity: alert.SeverityInfo,
			Kind:     "test.distinct",
			Title:    "ticket resolved",
			DedupKey: key,
		})
		if err != nil {
			t.Fatalf("Publish(%s): %v", key, err)
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := sub.NextMsg(2 * time.Second); err != nil {
			t.Fatalf("alert %d never arrived: %v", i, err)
		}
	}
}
