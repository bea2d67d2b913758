package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestObserver_SuccessEmitsMetricsAndDebugLog(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("relay", logger, metrics)

	observer.Observe(context.Background(), time.Now(), "Rate Limit-Evaluate", nil, map[string]any{
		"strategy": "fixed",
		"rule":     "POST /login",
	})

	if len(metrics.counters) != 1 {
		t.Fatalf("expected one counter, got %d", len(metrics.counters))
	}
	counter := metrics.counters[0]
	if counter.name != "relay.rate_limit_evaluate.total" {
		t.Fatalf("unexpected counter name %q", counter.name)
	}
	if counter.tags["status"] != "success" || counter.tags["strategy"] != "fixed" {
		t.Fatalf("unexpected counter tags %#v", counter.tags)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0].name != "relay.rate_limit_evaluate.duration_ms" {
		t.Fatalf("expected duration histogram, got %#v", metrics.histograms)
	}

	records := logger.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected one log record, got %d", len(records))
	}
	if records[0].level != "debug" || records[0].msg != "rate_limit_evaluate succeeded" {
		t.Fatalf("unexpected log record %#v", records[0])
	}
	if records[0].fields["rule"] != "POST /login" {
		t.Fatalf("expected fields logger to receive fields, got %#v", records[0].fields)
	}
}

func TestObserver_FailureLogsError(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver("", logger, metrics)

	observer.Observe(context.Background(), time.Now(), "deliver", errors.New("boom"), map[string]any{
		"endpoint_id": "ep_1",
	})

	if metrics.counters[0].name != "deliver.total" {
		t.Fatalf("expected unprefixed metric, got %q", metrics.counters[0].name)
	}
	if metrics.counters[0].tags["status"] != "failure" || metrics.counters[0].tags["endpoint_id"] != "ep_1" {
		t.Fatalf("unexpected tags %#v", metrics.counters[0].tags)
	}
	records := logger.snapshot()
	if records[0].level != "error" || records[0].fields["error"] != "boom" {
		t.Fatalf("expected error log with cause, got %#v", records[0])
	}
}

func TestObserver_ZeroValueIsSilent(t *testing.T) {
	var observer Observer
	observer.Observe(context.Background(), time.Now(), "noop", errors.New("ignored"), nil)
}
