package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/cache"
	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/crypto"
	"github.com/mdrrmo/fieldsync/internal/db"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/network"
	"github.com/mdrrmo/fieldsync/internal/reconcile"
	"github.com/mdrrmo/fieldsync/internal/sync/agent"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
	"github.com/mdrrmo/fieldsync/internal/sync/scheduler"
)

// daemon wires the agent, its scheduler and an in-process reconciliation
// client around one durable store and one bus.
type daemon struct {
	cfg       config.Config
	handle    *db.Handle
	store     *db.Store
	cache     *cache.Manager
	bus       bus.MessageBus
	detector  *network.Detector
	host      *network.HostEvents
	queue     *queue.Queue
	agent     *agent.Agent
	scheduler *scheduler.Scheduler
	client    *reconcile.Client
	hub       *Hub

	stops []func()
}

// newDaemon opens the store and builds every component. transport carries
// both foreground writes and replays; nil means http.DefaultTransport.
func newDaemon(ctx context.Context, cfg config.Config, b bus.MessageBus, transport http.RoundTripper) (*daemon, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}

	handle, err := db.Acquire(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store := handle.Store

	d := &daemon{
		cfg:      cfg,
		handle:   handle,
		store:    store,
		bus:      b,
		cache:    cache.New(ctx, store, cache.Options{Version: cfg.CacheVersion}),
		detector: network.NewDetector(b),
		queue:    queue.NewQueue(store, cfg.Agent.MaxQueue),
	}
	d.host = network.NewHostEvents(d.detector)
	if err := sealQueue(d.queue, cfg.Agent.QueueKey); err != nil {
		handle.Release()
		return nil, err
	}

	d.agent, err = agent.New(d.queue, b, agent.ConfigFrom(cfg.Agent), transport)
	if err != nil {
		handle.Release()
		return nil, err
	}

	d.scheduler = scheduler.NewScheduler(d.agent, b, &scheduler.SchedulerConfig{
		RetryInterval: cfg.Agent.RetryInterval,
	})

	d.client, err = reconcile.New(reconcile.Options{
		Origin: cfg.Agent.Origin,
		HTTPClient: &http.Client{
			Transport: d.agent.Transport(transport),
			Timeout:   30 * time.Second,
		},
		Cache:                d.cache,
		Bus:                  b,
		Queue:                d.agent,
		Online:               d.detector.Online,
		KeepSynced:           cfg.KeepSynced,
		LegacyReferencesFile: cfg.LegacyReferences,
	})
	if err != nil {
		handle.Release()
		return nil, err
	}

	d.hub = NewHub(b)
	return d, nil
}

// sealQueue enables credential sealing when a queue key is configured.
func sealQueue(q *queue.Queue, key string) error {
	if key == "" {
		return nil
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("queue key: %w", err)
	}
	q.SetSealer(s)
	return nil
}

// start brings the daemon online. Connectivity comes from the probe when
// one is configured; otherwise the host is assumed online until it reports
// otherwise on POST /network.
func (d *daemon) start(ctx context.Context) error {
	events, cancel := d.detector.Subscribe()
	d.stops = append(d.stops, cancel)
	d.scheduler.SetOnlineStatus(d.detector.Online())
	go func() {
		for ev := range events {
			d.scheduler.SetOnlineStatus(ev.Online)
		}
	}()

	if err := d.hub.Bridge(ctx); err != nil {
		return fmt.Errorf("bridge bus to websocket: %w", err)
	}

	stopListen, err := d.client.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen for broadcasts: %w", err)
	}
	d.stops = append(d.stops, stopListen)

	d.scheduler.Start(ctx)

	if d.cfg.Network.ProbeURL != "" {
		probe := network.NewHTTPProbe(d.cfg.Network.ProbeURL, d.cfg.Network.ProbeInterval)
		go func() {
			if err := d.detector.Run(ctx, probe); err != nil {
				logging.Error("Connectivity probe stopped", err, nil)
			}
		}()
	} else {
		d.host.SetOnline(ctx, network.UnknownConnection)
	}

	logging.Info("Agent started", map[string]interface{}{
		"origin":    d.cfg.Agent.Origin,
		"data_dir":  d.cfg.DataDir,
		"max_queue": d.cfg.Agent.MaxQueue,
		"probe":     d.cfg.Network.ProbeURL,
	})
	return nil
}

// close stops components in reverse dependency order.
func (d *daemon) close() {
	d.scheduler.Stop()
	for i := len(d.stops) - 1; i >= 0; i-- {
		d.stops[i]()
	}
	d.client.Wait()
	d.hub.Close()
	if err := d.bus.Close(); err != nil {
		logging.Warn("Failed to close bus", map[string]interface{}{"error": err.Error()})
	}
	if err := d.handle.Release(); err != nil {
		logging.Warn("Failed to close store", map[string]interface{}{"error": err.Error()})
	}
}
