package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NativeSource is a platform connectivity API.
type NativeSource interface {
	// Status returns the current reading.
	Status(ctx context.Context) (Status, error)

	// Watch calls fn with every new reading until ctx is done.
	Watch(ctx context.Context, fn func(Status)) error
}

// HTTPProbe is a NativeSource that treats any HTTP response from URL as
// connectivity. Probes are paced by a limiter; a Status call made too soon
// after the previous probe returns the previous reading.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Client   *http.Client

	limiter *rate.Limiter

	mu   sync.Mutex
	last Status
	err  error
}

// NewHTTPProbe returns a probe of url every interval.
func NewHTTPProbe(url string, interval time.Duration) *HTTPProbe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HTTPProbe{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: interval},
		limiter:  rate.NewLimiter(rate.Every(interval/2), 1),
		err:      fmt.Errorf("probe %s has not run", url),
	}
}

// Status probes URL unless the limiter says it is too soon.
func (p *HTTPProbe) Status(ctx context.Context) (Status, error) {
	if !p.limiter.Allow() {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.last, p.err
	}
	s, err := p.probe(ctx)

	p.mu.Lock()
	p.last, p.err = s, err
	p.mu.Unlock()
	return s, err
}

func (p *HTTPProbe) probe(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		// Unreachable is a valid reading, not a source failure.
		return Status{Connected: false, ConnectionType: UnknownConnection}, nil
	}
	resp.Body.Close()
	return Status{Connected: true, ConnectionType: UnknownConnection}, nil
}

// Watch probes every Interval until ctx is done.
func (p *HTTPProbe) Watch(ctx context.Context, fn func(Status)) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			s, err := p.probe(ctx)
			p.mu.Lock()
			p.last, p.err = s, err
			p.mu.Unlock()
			if err == nil {
				fn(s)
			}
		}
	}
}

// HostEvents feeds explicit online/offline notifications from the host
// environment into a Detector.
type HostEvents struct {
	d *Detector
}

// NewHostEvents returns host events bound to d.
func NewHostEvents(d *Detector) *HostEvents {
	return &HostEvents{d: d}
}

// SetOnline reports that the host regained connectivity.
func (h *HostEvents) SetOnline(ctx context.Context, connectionType string) bool {
	return h.d.Apply(ctx, Status{Connected: true, ConnectionType: connectionType})
}

// SetOffline reports that the host lost connectivity.
func (h *HostEvents) SetOffline(ctx context.Context) bool {
	return h.d.Apply(ctx, Status{Connected: false, ConnectionType: h.d.ConnectionType()})
}
