package adapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-relay/adapters/gocommand"
	"github.com/goliatone/go-relay/adapters/gojob"
	"github.com/goliatone/go-relay/adapters/gologger"
	relaycommand "github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/queue"
	"github.com/goliatone/go-relay/ratelimit"
	"github.com/goliatone/go-relay/webhooks"
)

func TestRuntimeCompatibility_DeliveryThroughGoJobBridge(t *testing.T) {
	ctx := context.Background()
	jobs := queue.NewMemoryQueue(time.Minute)
	store := webhooks.NewMemoryStore()
	svc, err := webhooks.NewService(store.EndpointStore(), store.EventStore(), store.DeliveryStore(), jobs, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	endpoint, err := svc.RegisterEndpoint(ctx, webhooks.RegisterEndpointRequest{URL: "https://example.com/hook"})
	if err != nil {
		t.Fatalf("register endpoint: %v", err)
	}
	delivery, err := svc.Enqueue(ctx, webhooks.EnqueueRequest{EndpointID: endpoint.ID, EventType: "order.created"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	logger := &compatLogger{}
	jobLogger := gologger.Resolve("relay", &compatProvider{logger: logger}, nil).Job("worker")
	if jobLogger == nil {
		t.Fatalf("expected go-job logger bridge")
	}
	hook := gojob.NewLogHook(jobLogger)

	bridge := gojob.NewQueueBridge(jobs, 0, gojob.RetryPolicy{MaxAttempts: 3})
	claimed, err := bridge.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue via bridge: %v", err)
	}
	msg := claimed.Message()
	if msg.IdempotencyKey != delivery.ID || msg.JobID != webhooks.JobDeliver {
		t.Fatalf("expected bridged message for %s, got %#v", delivery.ID, msg)
	}

	hook.OnSuccess(ctx, worker.Event{Message: msg, Delivery: claimed, Attempt: 1})
	if err := claimed.Ack(ctx); err != nil {
		t.Fatalf("ack via bridge: %v", err)
	}
	if jobs.Len() != 0 {
		t.Fatalf("expected acked job to leave the queue, got %d", jobs.Len())
	}
	if got := logger.messages(); len(got) != 1 || got[0] != "webhook delivered" {
		t.Fatalf("expected success log through go-job bridge, got %#v", got)
	}
}

func TestRuntimeCompatibility_CommandsMirrorIntoJobRegistry(t *testing.T) {
	queueRegistry := jobqueuecommand.NewRegistry()
	commandAdapter := gocommand.NewRegistryAdapter(gocmd.NewRegistry())
	if err := commandAdapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	rules := ratelimit.NewRules(ratelimit.NewMemoryRuleStore())
	if err := commandAdapter.RegisterCommand(relaycommand.NewDeleteRuleCommand(rules)); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := commandAdapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get(relaycommand.TypeDeleteRule); !ok {
		t.Fatalf("expected relay command to be mirrored into go-job queue registry")
	}
}

type compatProvider struct {
	logger *compatLogger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	return p.logger
}

type compatLogger struct {
	mu   sync.Mutex
	seen []string
}

func (l *compatLogger) Trace(string, ...any) {}
func (l *compatLogger) Debug(string, ...any) {}
func (l *compatLogger) Warn(string, ...any)  {}
func (l *compatLogger) Fatal(string, ...any) {}

func (l *compatLogger) Info(msg string, _ ...any) {
	l.record(msg)
}

func (l *compatLogger) Error(msg string, _ ...any) {
	l.record(msg)
}

func (l *compatLogger) WithContext(context.Context) glog.Logger { return l }

func (l *compatLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, msg)
}

func (l *compatLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}
