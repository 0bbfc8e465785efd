package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"roadwatch/internal/data"
	"roadwatch/internal/fanout"
	"roadwatch/internal/registry"
	"roadwatch/internal/registry/registrytest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPublisher(t *testing.T, writeTimeout time.Duration) (*fanout.Publisher, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	p := fanout.New(fanout.Options{
		Registry:     reg,
		Logger:       slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		WriteTimeout: writeTimeout,
	})
	return p, reg
}

func record(id, agentID int64, roadState string) data.StoredRecord {
	return data.StoredRecord{
		ID: id,
		CanonicalRecord: data.CanonicalRecord{
			AgentID:   agentID,
			RoadState: roadState,
			X:         1,
			Y:         2,
			Z:         3,
			Latitude:  50.1,
			Longitude: 30.2,
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestPublish_NoListeners(t *testing.T) {
	t.Parallel()
	p, _ := newPublisher(t, time.Second)

	res := p.Publish(context.Background(), record(1, 7, "pothole"))
	assert.Equal(t, fanout.Result{}, res)
}

func TestPublish_DeliversToMatchingAgentOnly(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, time.Second)

	subscribed := registrytest.NewListener()
	other := registrytest.NewListener()
	reg.Subscribe(7, subscribed)
	reg.Subscribe(8, other)

	res := p.Publish(context.Background(), record(1, 7, "pothole"))
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, res.Failed)

	msgs := subscribed.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, other.Messages())

	var got data.Message
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, data.Message{
		RoadState: "pothole",
		AgentData: data.MessageAgentData{
			UserID:        7,
			Accelerometer: data.Accelerometer{X: 1, Y: 2, Z: 3},
			GPS:           data.GPS{Latitude: 50.1, Longitude: 30.2},
			Timestamp:     "2024-01-01T00:00:00Z",
		},
	}, got)
}

func TestPublish_FailureIsolated(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, time.Second)

	healthy := registrytest.NewListener()
	broken := registrytest.Failing(errors.New("broken pipe"))
	reg.Subscribe(7, healthy)
	reg.Subscribe(7, broken)

	res := p.Publish(context.Background(), record(1, 7, "pothole"))
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, broken.ID().String(), res.Failed[0].Listener)
	assert.ErrorContains(t, res.Failed[0], "broken pipe")

	assert.Len(t, healthy.Messages(), 1)
	closed, _ := broken.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, reg.Count(7))

	// The failed listener is gone from later fan-out.
	res = p.Publish(context.Background(), record(2, 7, "smooth"))
	assert.Equal(t, 1, res.Attempted)
	assert.Len(t, healthy.Messages(), 2)
}

func TestPublish_StalledListenerTimesOut(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, 50*time.Millisecond)

	healthy := registrytest.NewListener()
	stalled := registrytest.Stalled()
	reg.Subscribe(7, healthy)
	reg.Subscribe(7, stalled)

	start := time.Now()
	res := p.Publish(context.Background(), record(1, 7, "pothole"))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0], context.DeadlineExceeded)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, reg.Count(7))
}

func TestPublish_IgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, time.Second)

	l := registrytest.NewListener()
	reg.Subscribe(7, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Publish(ctx, record(1, 7, "pothole"))
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, l.Messages(), 1)
}

func TestPublish_PreservesOrderPerListener(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, time.Second)

	l := registrytest.NewListener()
	reg.Subscribe(7, l)

	for i := int64(1); i <= 20; i++ {
		p.Publish(context.Background(), record(i, 7, fmt.Sprintf("state-%d", i)))
	}
	msgs := l.Messages()
	require.Len(t, msgs, 20)
	for i, raw := range msgs {
		var m data.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, fmt.Sprintf("state-%d", i+1), m.RoadState)
	}
}

func TestPublish_ConcurrentWithSubscriptionChanges(t *testing.T) {
	t.Parallel()
	p, reg := newPublisher(t, time.Second)

	const workers = 32
	keep := make([]*registrytest.Listener, workers)
	for i := range keep {
		keep[i] = registrytest.NewListener()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			reg.Subscribe(42, keep[i])
		}()
		go func() {
			defer wg.Done()
			l := registrytest.NewListener()
			reg.Subscribe(42, l)
			reg.Unsubscribe(42, l)
		}()
		go func() {
			defer wg.Done()
			reg.Subscribe(42, registrytest.Failing(errors.New("broken pipe")))
		}()
		go func() {
			defer wg.Done()
			p.Publish(context.Background(), record(int64(i+1), 42, "pothole"))
		}()
	}
	wg.Wait()

	// A final publish drops every failing listener still registered.
	final := record(1000, 42, "final")
	res := p.Publish(context.Background(), final)
	assert.Equal(t, workers, res.Delivered)

	want := make([]uuid.UUID, 0, workers)
	for _, l := range keep {
		want = append(want, l.ID())
	}
	got := make([]uuid.UUID, 0, workers)
	for _, l := range reg.ListenersFor(42) {
		got = append(got, l.ID())
	}
	assert.ElementsMatch(t, want, got)

	finalMsg, err := json.Marshal(data.NewMessage(final.CanonicalRecord))
	require.NoError(t, err)
	for _, l := range keep {
		msgs := l.Messages()
		require.NotEmpty(t, msgs)
		assert.JSONEq(t, string(finalMsg), string(msgs[len(msgs)-1]))
	}
}

func TestDeliveryError(t *testing.T) {
	t.Parallel()

	base := errors.New("closed")
	err := &fanout.DeliveryError{AgentID: 1, RecordID: 2, Listener: "abc", Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "deliver record 2 for agent 1 to listener abc: closed", err.Error())
}
