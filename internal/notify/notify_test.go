package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rotaguard/internal/config"
	"rotaguard/internal/db"
	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/migrate"
	"rotaguard/internal/notify"
	"rotaguard/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	dialect := db.DialectFor(db.DriverSQLite)
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func appendEvents(t *testing.T, r repo.Repo, types ...string) {
	t.Helper()
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Dialect: r.Dialect}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i, typ := range types {
		require.NoError(t, w.Append(ctx, tx, typ, "shortage_alert", "alert-1", "tester", events.EventPayload{"seq": i}))
	}
	require.NoError(t, tx.Commit())
}

type recordingSink struct {
	name    string
	accepts func(string) bool
	failOn  map[int64]bool

	mu  sync.Mutex
	got []domain.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Accepts(t string) bool {
	if s.accepts == nil {
		return true
	}
	return s.accepts(t)
}

func (s *recordingSink) Deliver(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[evt.ID] {
		delete(s.failOn, evt.ID)
		return errors.New("sink offline")
	}
	s.got = append(s.got, evt)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, e := range s.got {
		out = append(out, e.Type)
	}
	return out
}

func TestRelayDeliversOnceInOrder(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, events.AlertCreated, events.ResponseInvited, events.AlertFilled)
	sink := &recordingSink{name: "test"}
	relay := notify.Relay{Repo: r, Sinks: []notify.Sink{sink}}

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{events.AlertCreated, events.ResponseInvited, events.AlertFilled}, sink.types())

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	cursor, ok, err := r.RelayCursor(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sink.got[2].ID, cursor)
}

func TestRelayRetriesFailedEvent(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, events.AlertCreated, events.ResponseAccepted, events.AlertFilled)
	latest, err := r.LatestEventID(context.Background())
	require.NoError(t, err)
	sink := &recordingSink{name: "flaky", failOn: map[int64]bool{latest - 1: true}}
	relay := notify.Relay{Repo: r, Sinks: []notify.Sink{sink}}

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events.AlertCreated, events.ResponseAccepted, events.AlertFilled}, sink.types())
}

func TestRelayFiltersButAdvancesCursor(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, events.CheckRunStarted, events.AlertCreated, events.CheckRunCompleted)
	sink := &recordingSink{name: "alerts-only", accepts: func(t string) bool { return t == events.AlertCreated }}
	relay := notify.Relay{Repo: r, Sinks: []notify.Sink{sink}}

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	latest, err := r.LatestEventID(context.Background())
	require.NoError(t, err)
	cursor, _, err := r.RelayCursor(context.Background(), "alerts-only")
	require.NoError(t, err)
	assert.Equal(t, latest, cursor)
}

func TestWebhookSink(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    notify.Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = req.Header.Clone()
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.NewWebhookSink(config.WebhookConfig{Name: "ops", URL: srv.URL, Secret: "s3cret", Events: []string{events.AlertCreated}})
	assert.Equal(t, "webhook:ops", sink.Name())
	assert.True(t, sink.Accepts(events.AlertCreated))
	assert.False(t, sink.Accepts(events.CheckRunStarted))

	evt := domain.Event{ID: 42, Type: events.AlertCreated, EntityKind: "shortage_alert", EntityID: "a1", ActorID: "system", TS: "2024-03-01T09:00:00Z", Payload: `{"shortage":2}`}
	require.NoError(t, sink.Deliver(context.Background(), evt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.AlertCreated, headers.Get("X-Rota-Event"))
	assert.Equal(t, "42", headers.Get("X-Rota-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Rota-Secret"))
	assert.Equal(t, int64(42), body.ID)
	assert.JSONEq(t, `{"shortage":2}`, string(body.Payload))
}

func TestWebhookSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	sink := notify.NewWebhookSink(config.WebhookConfig{Name: "down", URL: srv.URL})
	err := sink.Deliver(context.Background(), domain.Event{ID: 1, Type: events.AlertFilled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRedisSinkAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := notify.NewRedisSinkWithClient(client, "rota:events", 1000, nil)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Deliver(ctx, domain.Event{ID: 7, Type: events.AlertCreated, Payload: `{"unit":"HOME"}`}))
	require.NoError(t, sink.Deliver(ctx, domain.Event{ID: 8, Type: events.AlertFilled}))

	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer reader.Close()
	msgs, err := reader.XRange(ctx, "rota:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "7", msgs[0].Values["event_id"])
	assert.Equal(t, events.AlertFilled, msgs[1].Values["type"])

	var env notify.Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &env))
	assert.JSONEq(t, `{"unit":"HOME"}`, string(env.Payload))
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topics []string
	err    error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	return newFakeToken(p.err)
}

func TestMQTTSinkTopics(t *testing.T) {
	pub := &fakePublisher{}
	sink := notify.NewMQTTSink(pub, "rota/home/", 1, []string{events.AlertCreated, events.AlertFilled})
	require.NoError(t, sink.Deliver(context.Background(), domain.Event{ID: 1, Type: events.AlertCreated}))
	assert.Equal(t, []string{"rota/home/alert.created"}, pub.topics)
	assert.False(t, sink.Accepts(events.ShiftCreated))

	pub.err = errors.New("broker gone")
	err := sink.Deliver(context.Background(), domain.Event{ID: 2, Type: events.AlertFilled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
}

func TestBuildSinksSkipsDisabledWebhooks(t *testing.T) {
	off := false
	sinks, closeAll, err := notify.BuildSinks(config.Notifications{
		Webhooks: []config.WebhookConfig{
			{Name: "on", URL: "http://localhost:1/hook"},
			{Name: "off", URL: "http://localhost:1/off", Enabled: &off},
		},
	}, nil)
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, sinks, 1)
	assert.Equal(t, "webhook:on", sinks[0].Name())
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	r := newRepo(t)
	appendEvents(t, r, events.AlertCreated)
	sink := &recordingSink{name: "loop"}
	ignore := goleak.IgnoreCurrent()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- notify.Relay{Repo: r, Sinks: []notify.Sink{sink}, Interval: 10 * time.Millisecond}.Run(ctx)
	}()
	require.Eventually(t, func() bool { return len(sink.types()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	goleak.VerifyNone(t, ignore)
}

func TestRelayWaitsForLateCommitBeforeGap(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	appendEvents(t, r, events.AlertCreated, events.ResponseAccepted, events.AlertFilled)
	all, err := r.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	inFlight := all[1]
	_, err = r.DB.ExecContext(ctx, `DELETE FROM events WHERE id=?`, inFlight.ID)
	require.NoError(t, err)

	sink := &recordingSink{name: "ordered"}
	relay := notify.Relay{Repo: r, Sinks: []notify.Sink{sink}, GapGrace: time.Minute}

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cursor, _, err := r.RelayCursor(ctx, "ordered")
	require.NoError(t, err)
	assert.Equal(t, all[0].ID, cursor)

	_, err = r.DB.ExecContext(ctx, `INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		inFlight.ID, inFlight.TS, inFlight.Type, inFlight.EntityKind, inFlight.EntityID, inFlight.ActorID, inFlight.Payload)
	require.NoError(t, err)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events.AlertCreated, events.ResponseAccepted, events.AlertFilled}, sink.types())
}

func TestRelaySkipsSettledGap(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	appendEvents(t, r, events.AlertCreated, events.ResponseAccepted, events.AlertFilled)
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	_, err = r.DB.ExecContext(ctx, `DELETE FROM events WHERE id=?`, latest-1)
	require.NoError(t, err)

	now := time.Now()
	sink := &recordingSink{name: "settled"}
	relay := notify.Relay{Repo: r, Sinks: []notify.Sink{sink}, GapGrace: time.Minute, Now: func() time.Time { return now }}
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(2 * time.Minute)
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{events.AlertCreated, events.AlertFilled}, sink.types())
	cursor, _, err := r.RelayCursor(ctx, "settled")
	require.NoError(t, err)
	assert.Equal(t, latest, cursor)
}
