package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/config"
	"github.com/mdrrmo/fieldsync/internal/db"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/reconcile"
	"github.com/mdrrmo/fieldsync/internal/remote"
	"github.com/mdrrmo/fieldsync/internal/sync/queue"
	"github.com/mdrrmo/fieldsync/internal/uuid"
)

const incidentID = "6f1c2b7e-3d4a-4c5b-9e8f-0a1b2c3d4e5f"

func init() {
	gin.SetMode(gin.TestMode)
}

// =====================================================
// Command tree
// =====================================================

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldsyncd", cmd.Use)

	for _, path := range [][]string{
		{"agent"}, {"remote"}, {"version"},
		{"queue", "list"}, {"queue", "drop"}, {"queue", "dead"}, {"queue", "requeue"},
		{"cache", "clear"}, {"store", "downgrade"},
	} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	env := cmd.PersistentFlags().Lookup("env")
	require.NotNil(t, env)
	assert.Equal(t, ".env", env.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

// execute runs the command tree against dataDir and returns stdout.
func execute(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--env", filepath.Join(dataDir, "missing.env"),
		"--data-dir", dataDir,
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "fieldsyncd v"+Version+"\n", out)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, t.TempDir(), "--format", "yaml", "queue", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestQueueList_Empty(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, "queue is empty\n", out)

	out, err = execute(t, dir, "--format", "json", "queue", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

// seedQueue enqueues two writes and dead-letters the first.
func seedQueue(t *testing.T, dir string) (dead, live *models.QueuedOperation) {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	q := queue.NewQueue(store, 10)
	for _, target := range []string{"http://localhost:8080/api/a", "http://localhost:8080/api/b"} {
		op, err := q.Enqueue(ctx, queue.Request{
			TargetURL: target,
			Method:    http.MethodPost,
			Body:      []byte(`{}`),
		})
		require.NoError(t, err)
		if dead == nil {
			dead = op
		} else {
			live = op
		}
	}
	require.NoError(t, q.DeadLetter(ctx, *dead, http.StatusForbidden, "Forbidden"))
	return dead, live
}

func TestQueueCommands(t *testing.T) {
	dir := t.TempDir()
	dead, live := seedQueue(t, dir)

	out, err := execute(t, dir, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, live.QueueID)
	assert.NotContains(t, out, dead.QueueID)

	out, err = execute(t, dir, "queue", "dead")
	require.NoError(t, err)
	assert.Contains(t, out, dead.QueueID)
	assert.Contains(t, out, "403")

	out, err = execute(t, dir, "queue", "requeue", dead.QueueID)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued "+dead.QueueID)

	out, err = execute(t, dir, "--format", "json", "queue", "list")
	require.NoError(t, err)
	var ops []models.QueuedOperation
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 2)
	// Requeued operations go behind everything already queued.
	assert.Equal(t, live.QueueID, ops[0].QueueID)
	assert.Equal(t, dead.QueueID, ops[1].QueueID)

	_, err = execute(t, dir, "queue", "drop", live.QueueID)
	require.NoError(t, err)
	_, err = execute(t, dir, "queue", "drop", live.QueueID)
	require.Error(t, err)

	_, err = execute(t, dir, "queue", "drop", "--dead", dead.QueueID)
	require.Error(t, err, "operation is no longer a dead letter")
}

func TestCacheClear(t *testing.T) {
	out, err := execute(t, t.TempDir(), "cache", "clear", "--all")
	require.NoError(t, err)
	assert.Equal(t, "cache cleared\n", out)
}

func TestStoreDowngrade(t *testing.T) {
	dir := t.TempDir()
	_, live := seedQueue(t, dir)

	_, err := execute(t, dir, "store", "downgrade")
	require.Error(t, err, "--to is required")

	out, err := execute(t, dir, "store", "downgrade", "--to", "2")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("store downgraded from schema version %d to 2\n", db.SchemaVersion()), out)

	out, err = execute(t, dir, "store", "downgrade", "--to", "2")
	require.NoError(t, err)
	assert.Equal(t, "store already at schema version 2\n", out)

	out, err = execute(t, dir, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, live.QueueID, "queued operations survive the downgrade")
}

// =====================================================
// Agent daemon
// =====================================================

// netSwitch fails every request while offline.
type netSwitch struct {
	online atomic.Bool
}

func (n *netSwitch) RoundTrip(r *http.Request) (*http.Response, error) {
	if !n.online.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type daemonFixture struct {
	d      *daemon
	srv    *httptest.Server
	remote *remote.Store
	net    *netSwitch
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rs, err := remote.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	origin := httptest.NewServer(remote.NewRouter(rs, remote.Options{Registry: prometheus.NewRegistry()}))
	t.Cleanup(origin.Close)

	cfg := config.Config{
		DataDir:      t.TempDir(),
		CacheVersion: "v1",
		Agent: config.AgentConfig{
			Origin:        origin.URL,
			WritePrefixes: []string{"/api/er-team/"},
			MaxQueue:      50,
			RejectPolicy:  config.RejectDeadLetter,
			RetryInterval: time.Minute,
		},
		Network: config.NetworkConfig{ProbeInterval: time.Second},
	}

	n := &netSwitch{}
	n.online.Store(true)

	d, err := newDaemon(ctx, cfg, bus.NewMemoryBus(), n)
	require.NoError(t, err)
	require.NoError(t, d.start(ctx))
	t.Cleanup(d.close)

	srv := httptest.NewServer(d.routes())
	t.Cleanup(srv.Close)

	return &daemonFixture{d: d, srv: srv, remote: rs, net: n}
}

func (f *daemonFixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *daemonFixture) setOnline(t *testing.T, online bool) {
	t.Helper()
	f.net.online.Store(online)
	body := `{"connected":false}`
	if online {
		body = `{"connected":true,"connectionType":"wifi"}`
	}
	status, out := f.do(t, http.MethodPost, "/network", body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, online, out["online"])
}

func (f *daemonFixture) pending(t *testing.T) float64 {
	t.Helper()
	status, out := f.do(t, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, status)
	counts := out["counts"].(map[string]interface{})
	return counts["pending"].(float64)
}

// dialSurface connects a websocket surface and waits until the hub has
// registered it.
func (f *daemonFixture) dialSurface(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["action"] == "pong" {
			return conn
		}
	}
}

// awaitEnvelope reads until an envelope for subject arrives.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, subject string) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == subject {
			return env
		}
	}
}

func TestDaemon_Health(t *testing.T) {
	f := newDaemonFixture(t)

	status, out := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, true, out["online"], "no probe configured: host assumed online")
}

func TestDaemon_NetworkValidation(t *testing.T) {
	f := newDaemonFixture(t)

	status, out := f.do(t, http.MethodPost, "/network", `{"connectionType":"wifi"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, remote.ErrCodeInvalid, out["code"])

	status, out = f.do(t, http.MethodPost, "/network", `{"connected":true}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["changed"], "already online")
}

func TestDaemon_NotFound(t *testing.T) {
	f := newDaemonFixture(t)

	status, out := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, remote.ErrCodeNotFound, out["code"])
}

func TestDaemon_MetricsEndpoint(t *testing.T) {
	f := newDaemonFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_Assets(t *testing.T) {
	f := newDaemonFixture(t)

	status, _ := f.do(t, http.MethodGet, "/api/assets/alert-sound", "")
	assert.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/api/assets/alert-sound", bytes.NewReader([]byte{0x49, 0x44, 0x33}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "audio/mpeg")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/assets/alert-sound")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x49, 0x44, 0x33}, content)

	status, _ = f.do(t, http.MethodPut, "/api/assets/empty", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDaemon_InvalidDraft(t *testing.T) {
	f := newDaemonFixture(t)

	status, out := f.do(t, http.MethodPost, "/api/drafts", `{"clientDraftId":"nope","status":"draft"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, remote.ErrCodeInvalid, out["code"])
}

func TestDaemon_OfflineSubmitDrainsOnReconnect(t *testing.T) {
	f := newDaemonFixture(t)
	surface := f.dialSurface(t)

	f.setOnline(t, false)

	draftID := uuid.New()
	body, err := json.Marshal(models.DraftRecord{
		ClientDraftID:     draftID,
		EmergencyReportID: incidentID,
		Status:            models.DraftStatusPendingReview,
		Payload:           json.RawMessage(`{"patients":1}`),
	})
	require.NoError(t, err)

	status, out := f.do(t, http.MethodPost, "/api/drafts", string(body))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(reconcile.OutcomeSavedOffline), out["outcome"])
	assert.NotEmpty(t, out["queueId"])
	assert.Equal(t, float64(1), f.pending(t))

	f.setOnline(t, true)

	env := awaitEnvelope(t, surface, bus.SubjectFlushed)
	var flushed models.FlushMessage
	require.NoError(t, json.Unmarshal(env.Data, &flushed))
	require.Len(t, flushed.Entries, 1)
	assert.Equal(t, out["queueId"], flushed.Entries[0].QueueID)

	require.Eventually(t, func() bool {
		_, err := f.remote.GetReport(context.Background(), draftID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(0), f.pending(t))

	// The in-process client reconciles the flush and drops the synced draft.
	require.Eventually(t, func() bool {
		_, found, err := f.d.cache.LoadDraft(context.Background(), draftID)
		return err == nil && !found
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_WakeEndpoint(t *testing.T) {
	f := newDaemonFixture(t)
	surface := f.dialSurface(t)

	status, _ := f.do(t, http.MethodPost, "/wake", "")
	require.Equal(t, http.StatusAccepted, status)

	env := awaitEnvelope(t, surface, bus.SubjectWake)
	var sig models.Signal
	require.NoError(t, json.Unmarshal(env.Data, &sig))
	assert.Equal(t, models.MessageFlushQueue, sig.Type)
}

func TestHub_SubscribeFilters(t *testing.T) {
	f := newDaemonFixture(t)
	surface := f.dialSurface(t)

	require.NoError(t, surface.WriteJSON(map[string]interface{}{
		"action":   "subscribe",
		"subjects": []string{bus.SubjectRevalidate},
	}))
	require.NoError(t, surface.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, surface.ReadJSON(&msg))
		if msg["action"] == "subscribe_ack" {
			break
		}
	}

	// Wake is filtered out; the following revalidate is delivered.
	ctx := context.Background()
	require.NoError(t, bus.PublishJSON(ctx, f.d.bus, bus.SubjectWake, models.Signal{Type: models.MessageFlushQueue}))
	require.NoError(t, bus.PublishJSON(ctx, f.d.bus, bus.SubjectRevalidate, models.Signal{Type: models.MessageRevalidate}))

	require.NoError(t, surface.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := surface.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, bus.SubjectRevalidate, env.Type)
}

func TestHub_CloseDisconnectsSurfaces(t *testing.T) {
	h := NewHub(bus.NewMemoryBus())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Clients())
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://example.com", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}
