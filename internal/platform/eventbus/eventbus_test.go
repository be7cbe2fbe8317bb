package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/fitfull/consultation/internal/platform/websocket"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFanout_PublishesToAllSinks(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	f := NewFanout(Sink{"hub", a}, Sink{"nil", nil}, Sink{"amqp", b})

	if got := f.Names(); len(got) != 2 || got[0] != "hub" || got[1] != "amqp" {
		t.Fatalf("Names() = %v", got)
	}
	if err := f.Publish(context.Background(), websocket.Event{Type: websocket.EventSessionEnded}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", a.count(), b.count())
	}
}

func TestFanout_FailingSinkDoesNotStopOthers(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}
	f := NewFanout(Sink{"amqp", failing}, Sink{"hub", ok})

	err := f.Publish(context.Background(), websocket.Event{Type: websocket.EventSessionAccepted})
	if err == nil || !strings.Contains(err.Error(), "amqp: broker down") {
		t.Fatalf("expected wrapped sink error, got %v", err)
	}
	if ok.count() != 1 {
		t.Fatal("expected the healthy sink to still receive the event")
	}
}

func TestFanout_MultiTopicEventReachesEachSinkOnce(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop(), nil)
	rdb := &fakeRedis{}
	ch := &fakeChannel{}
	feed, err := newAMQPPublisher(ch, "fitfull.sessions")
	if err != nil {
		t.Fatalf("newAMQPPublisher: %v", err)
	}
	f := NewFanout(
		Sink{"hub", hub},
		Sink{"redis", NewRedisRelay(rdb, "c", nil, zerolog.Nop())},
		Sink{"amqp", feed},
	)

	event := websocket.Event{
		Type:      websocket.EventSessionEnded,
		Topics:    []string{"session:s1", "patient:p1", "doctor:d1"},
		SessionID: "s1",
	}
	if err := f.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(rdb.published) != 1 {
		t.Errorf("expected 1 redis message, got %d", len(rdb.published))
	}
	if len(ch.published) != 1 {
		t.Errorf("expected 1 amqp message, got %d", len(ch.published))
	}
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+"|"+string(message.([]byte)))
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	panic("not used in unit tests")
}

func TestRedisRelay_PublishWrapsOrigin(t *testing.T) {
	rdb := &fakeRedis{}
	relay := NewRedisRelay(rdb, "fitfull:session-events", &recordingPublisher{}, zerolog.Nop())

	event := websocket.Event{Type: websocket.EventSessionAccepted, Topics: []string{"patient:x", "session:s1"}, SessionID: "s1"}
	if err := relay.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(rdb.published) != 1 {
		t.Fatalf("expected 1 redis publish, got %d", len(rdb.published))
	}
	channel, payload, _ := strings.Cut(rdb.published[0], "|")
	if channel != "fitfull:session-events" {
		t.Errorf("unexpected channel %q", channel)
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Origin != relay.Origin() {
		t.Errorf("expected origin %s, got %s", relay.Origin(), env.Origin)
	}
	if env.Event.SessionID != "s1" || len(env.Event.Topics) != 2 {
		t.Errorf("unexpected event %+v", env.Event)
	}
}

func TestRedisRelay_PublishError(t *testing.T) {
	relay := NewRedisRelay(&fakeRedis{err: errors.New("connection refused")}, "c", &recordingPublisher{}, zerolog.Nop())
	if err := relay.Publish(context.Background(), websocket.Event{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisRelay_DeliverSkipsOwnEvents(t *testing.T) {
	local := &recordingPublisher{}
	relay := NewRedisRelay(&fakeRedis{}, "c", local, zerolog.Nop())

	own, _ := json.Marshal(envelope{Origin: relay.Origin(), Event: websocket.Event{Type: websocket.EventSessionEnded}})
	foreign, _ := json.Marshal(envelope{Origin: "other-instance", Event: websocket.Event{Type: websocket.EventSessionEnded, Topics: []string{"session:abc", "patient:p"}}})

	relay.deliver(context.Background(), string(own))
	relay.deliver(context.Background(), "{garbage")
	relay.deliver(context.Background(), string(foreign))

	if local.count() != 1 {
		t.Fatalf("expected only the foreign event to be delivered, got %d", local.count())
	}
	if got := local.events[0].Topics; len(got) != 2 || got[0] != "session:abc" {
		t.Errorf("unexpected delivered event %+v", local.events[0])
	}
}

func TestRedisRelay_DistinctOrigins(t *testing.T) {
	a := NewRedisRelay(&fakeRedis{}, "c", &recordingPublisher{}, zerolog.Nop())
	b := NewRedisRelay(&fakeRedis{}, "c", &recordingPublisher{}, zerolog.Nop())
	if a.Origin() == b.Origin() {
		t.Fatal("expected each relay to have its own origin id")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient("not a url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	declareErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return f.declareErr
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_DeclaresFanoutExchange(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "fitfull.sessions")
	if err != nil {
		t.Fatalf("newAMQPPublisher: %v", err)
	}
	defer p.Close()

	if len(ch.declared) != 1 || ch.declared[0] != "fitfull.sessions/fanout" {
		t.Fatalf("unexpected declarations %v", ch.declared)
	}
}

func TestAMQPPublisher_DeclareFailureClosesChannel(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	if _, err := newAMQPPublisher(ch, "fitfull.sessions"); err == nil {
		t.Fatal("expected error")
	}
	if !ch.closed {
		t.Error("expected channel to be closed after a failed declare")
	}
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newAMQPPublisher(ch, "fitfull.sessions")

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	event := websocket.Event{Type: websocket.EventSessionEnded, SessionID: "s1", Timestamp: ts}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.Type != websocket.EventSessionEnded {
		t.Errorf("expected message type %s, got %s", websocket.EventSessionEnded, msg.Type)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected message properties %+v", msg)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %s, got %s", ts, msg.Timestamp)
	}
	var decoded websocket.Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.SessionID != "s1" {
		t.Errorf("unexpected body %+v", decoded)
	}
}
