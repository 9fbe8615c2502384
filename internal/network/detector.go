// Package network normalizes connectivity signals into a two-state machine
// {Offline, Online}. Every transition to Online wakes the write-queue agent
// and asks foreground surfaces to revalidate; repeated Online signals without
// an intervening Offline do nothing.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/telemetry"
)

// UnknownConnection is reported when a source gives no connection class.
const UnknownConnection = "unknown"

// Status is one connectivity reading.
type Status struct {
	Connected      bool   `json:"connected"`
	ConnectionType string `json:"connectionType,omitempty"`
}

// Event is emitted on every state transition.
type Event struct {
	Online         bool      `json:"online"`
	ConnectionType string    `json:"connectionType"`
	At             time.Time `json:"at"`
}

// Detector holds the connectivity state. The zero state is Offline.
type Detector struct {
	bus bus.MessageBus

	mu       sync.Mutex
	online   bool
	connType string
	subs     map[int]chan Event
	nextSub  int
	hooks    []func(ctx context.Context)
}

// NewDetector returns an Offline detector publishing on b. A nil bus
// disables publishing.
func NewDetector(b bus.MessageBus) *Detector {
	return &Detector{
		bus:      b,
		connType: UnknownConnection,
		subs:     make(map[int]chan Event),
	}
}

// Online reports the current state.
func (d *Detector) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// ConnectionType returns the last reported connection class.
func (d *Detector) ConnectionType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connType
}

// OnOnline registers fn to run on every transition to Online.
func (d *Detector) OnOnline(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Subscribe returns a channel receiving every transition. Slow subscribers
// miss events rather than block the detector.
func (d *Detector) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Apply feeds one reading into the state machine and reports whether it
// caused a transition.
func (d *Detector) Apply(ctx context.Context, s Status) bool {
	connType := s.ConnectionType
	if connType == "" {
		connType = UnknownConnection
	}

	d.mu.Lock()
	d.connType = connType
	if d.online == s.Connected {
		d.mu.Unlock()
		return false
	}
	d.online = s.Connected
	ev := Event{Online: s.Connected, ConnectionType: connType, At: time.Now()}
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("Network event subscriber is not keeping up")
		}
	}
	var hooks []func(context.Context)
	if s.Connected {
		hooks = append(hooks, d.hooks...)
	}
	d.mu.Unlock()

	telemetry.SetOnline(s.Connected)
	logging.Info("Connectivity changed", map[string]interface{}{
		"online":          s.Connected,
		"connection_type": connType,
	})

	if s.Connected {
		d.publish(ctx, bus.SubjectWake, models.MessageFlushQueue)
		d.publish(ctx, bus.SubjectRevalidate, models.MessageRevalidate)
		for _, fn := range hooks {
			fn(ctx)
		}
	}
	return true
}

func (d *Detector) publish(ctx context.Context, subject, msgType string) {
	if d.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, d.bus, subject, models.Signal{Type: msgType}); err != nil {
		logging.Error("Failed to publish connectivity signal", err, map[string]interface{}{"subject": subject})
	}
}

// Run drives the detector from a native source. When src is nil, or its
// first reading fails, Run returns and the detector is fed by HostEvents
// only. Otherwise Run blocks until ctx is done.
func (d *Detector) Run(ctx context.Context, src NativeSource) error {
	if src == nil {
		return nil
	}
	s, err := src.Status(ctx)
	if err != nil {
		logging.Warn("Native connectivity source unavailable, using host events",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	d.Apply(ctx, s)
	return src.Watch(ctx, func(s Status) { d.Apply(ctx, s) })
}
