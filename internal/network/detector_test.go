package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/models"
)

func countSubject(t *testing.T, b bus.MessageBus, subject string) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	_, err := b.Subscribe(context.Background(), subject, func(*bus.Message) { n.Add(1) })
	require.NoError(t, err)
	return &n
}

func TestDetector_StartsOffline(t *testing.T) {
	d := NewDetector(nil)
	assert.False(t, d.Online())
	assert.Equal(t, UnknownConnection, d.ConnectionType())
}

func TestDetector_IdempotentWake(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close()

	wakes := countSubject(t, b, bus.SubjectWake)
	revalidates := countSubject(t, b, bus.SubjectRevalidate)

	d := NewDetector(b)
	var hooks atomic.Int32
	d.OnOnline(func(context.Context) { hooks.Add(1) })

	assert.True(t, d.Apply(ctx, Status{Connected: true, ConnectionType: "wifi"}))
	assert.False(t, d.Apply(ctx, Status{Connected: true, ConnectionType: "wifi"}))
	assert.False(t, d.Apply(ctx, Status{Connected: true, ConnectionType: "cellular"}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), wakes.Load(), "repeated online must wake once")
	assert.Equal(t, int32(1), revalidates.Load())
	assert.Equal(t, int32(1), hooks.Load())
	assert.Equal(t, "cellular", d.ConnectionType())

	assert.True(t, d.Apply(ctx, Status{Connected: false}))
	assert.True(t, d.Apply(ctx, Status{Connected: true}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), wakes.Load(), "online after offline wakes again")
	assert.Equal(t, UnknownConnection, d.ConnectionType())
}

func TestDetector_WakePayload(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close()

	got := make(chan models.Signal, 1)
	_, err := b.Subscribe(ctx, bus.SubjectWake, func(m *bus.Message) {
		var s models.Signal
		if m.Decode(&s) == nil {
			got <- s
		}
	})
	require.NoError(t, err)

	NewDetector(b).Apply(ctx, Status{Connected: true})

	select {
	case s := <-got:
		assert.Equal(t, models.MessageFlushQueue, s.Type)
	case <-time.After(time.Second):
		t.Fatal("no wake published")
	}
}

func TestDetector_Subscribe(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(nil)

	events, cancel := d.Subscribe()
	d.Apply(ctx, Status{Connected: true, ConnectionType: "ethernet"})
	d.Apply(ctx, Status{Connected: false})

	ev := <-events
	assert.True(t, ev.Online)
	assert.Equal(t, "ethernet", ev.ConnectionType)
	ev = <-events
	assert.False(t, ev.Online)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// Transitions after cancel must not panic.
	d.Apply(ctx, Status{Connected: true})
}

func TestHostEvents(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(nil)
	h := NewHostEvents(d)

	assert.True(t, h.SetOnline(ctx, "wifi"))
	assert.True(t, d.Online())
	assert.False(t, h.SetOnline(ctx, "wifi"))
	assert.True(t, h.SetOffline(ctx))
	assert.False(t, d.Online())
	assert.Equal(t, "wifi", d.ConnectionType())
}

type failingSource struct{}

func (failingSource) Status(context.Context) (Status, error) {
	return Status{}, errors.New("plugin missing")
}

func (failingSource) Watch(context.Context, func(Status)) error {
	panic("Watch must not run after a failed Status")
}

func TestRun_FallsBackToHostEvents(t *testing.T) {
	d := NewDetector(nil)
	require.NoError(t, d.Run(context.Background(), failingSource{}))
	require.NoError(t, d.Run(context.Background(), nil))
	assert.False(t, d.Online())
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := NewHTTPProbe(srv.URL, 20*time.Millisecond)
	s, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected, "any HTTP response means connectivity")

	srv.Close()
	time.Sleep(20 * time.Millisecond)
	s, err = p.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Connected)
}

func TestRun_WithProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDetector(nil)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, NewHTTPProbe(srv.URL, 10*time.Millisecond)) }()

	require.Eventually(t, d.Online, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
