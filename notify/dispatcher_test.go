package notify

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type captureSink struct {
	mu      sync.Mutex
	changes []domain.Change
	err     error
	block   chan struct{}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(ctx context.Context, ch domain.Change) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ch)
	return s.err
}

func (s *captureSink) seen() []domain.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Change(nil), s.changes...)
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	d := NewDispatcher(Config{Workers: 2, Buffer: 16}, quietLogger(), a, b)
	for i := uint64(1); i <= 5; i++ {
		d.Publish(domain.Change{Op: domain.OpCreate, ID: i})
	}
	d.Close()

	if len(a.seen()) != 5 || len(b.seen()) != 5 {
		t.Fatalf("expected 5 deliveries per sink, got %d and %d", len(a.seen()), len(b.seen()))
	}
	if d.Delivered() != 10 || d.Dropped() != 0 || d.Failed() != 0 {
		t.Fatalf("unexpected counters delivered=%d dropped=%d failed=%d", d.Delivered(), d.Dropped(), d.Failed())
	}
}

func TestDispatcherCountsSinkFailures(t *testing.T) {
	sink := &captureSink{err: errors.New("unavailable")}
	d := NewDispatcher(Config{Workers: 1, Buffer: 4}, quietLogger(), sink)
	d.Publish(domain.Change{Op: domain.OpDelete, ID: 1})
	d.Close()
	if d.Failed() != 1 || d.Delivered() != 0 {
		t.Fatalf("expected one failure, got failed=%d delivered=%d", d.Failed(), d.Delivered())
	}
}

func TestDispatcherDropsWhenBufferStaysFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, Buffer: 1, HandoffTimeout: 5 * time.Millisecond}, quietLogger(), sink)

	// One change is held by the worker, one fills the buffer.
	d.Publish(domain.Change{Op: domain.OpCreate, ID: 1})
	deadline := time.Now().Add(time.Second)
	for len(d.jobs) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Publish(domain.Change{Op: domain.OpCreate, ID: 2})

	start := time.Now()
	d.Publish(domain.Change{Op: domain.OpCreate, ID: 3})
	if time.Since(start) > time.Second {
		t.Fatalf("publish blocked past the handoff timeout")
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected one dropped change, got %d", d.Dropped())
	}

	close(sink.block)
	d.Close()
	if got := len(sink.seen()); got != 2 {
		t.Fatalf("expected 2 delivered changes, got %d", got)
	}
}

func TestDispatcherPublishAfterClose(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(Config{}, quietLogger(), sink)
	d.Close()
	d.Close()
	d.Publish(domain.Change{Op: domain.OpCreate, ID: 1})
	if d.Dropped() != 1 {
		t.Fatalf("expected publish after close to be dropped")
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(domain.Change{Op: domain.OpComplete, ID: 4, Caller: "alice", Registry: "team", Timestamp: 12})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Envelope{Type: "todo-completed", Registry: "team", ID: 4, Caller: "alice", Timestamp: 12}
	if env != want {
		t.Fatalf("got %+v, want %+v", env, want)
	}
}

type fakeQueue struct {
	messages []string
}

func (q *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	q.messages = append(q.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestQueueSinkEnqueuesEnvelope(t *testing.T) {
	q := &fakeQueue{}
	sink := &QueueSink{queue: q, name: "todo-events"}
	if err := sink.Send(context.Background(), domain.Change{Op: domain.OpCreate, ID: 1, Text: "milk"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(q.messages))
	}
	var env Envelope
	if err := sonic.UnmarshalString(q.messages[0], &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "todo-created" || env.Text != "milk" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if sink.Name() != "queue:todo-events" {
		t.Fatalf("unexpected name %q", sink.Name())
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	ctx := context.Background()
	sub := rc.Subscribe(ctx, "todo-events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(rc, "todo-events")
	if err := sink.Send(ctx, domain.Change{Op: domain.OpDelete, ID: 9}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var env Envelope
		if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != "todo-deleted" || env.ID != 9 {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}
