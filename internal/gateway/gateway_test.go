package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/controlplane"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/store"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type harness struct {
	svc    *controlplane.Service
	store  *store.Store
	signer *envelope.Signer
	gw     *Gateway
	srv    *httptest.Server
}

type harnessOptions struct {
	redis  bool
	limits *ratelimit.Config
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	log := zerolog.Nop()

	st, err := store.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := auth.NewTokens(auth.KeySet{ActiveKID: "k1", Keys: map[string]string{"k1": "device-secret"}}, "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}

	var rdb *redis.Client
	if o.redis {
		mr := miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
	}

	limits := ratelimit.DefaultConfig()
	if o.limits != nil {
		limits = *o.limits
	}

	h := &harness{store: st, signer: envelope.NewSigner([]byte("signing-key"))}
	h.svc = controlplane.NewService(controlplane.Deps{
		Store:    st,
		Audit:    audit.NewWriter(st, log),
		Signer:   h.signer,
		Sessions: auth.NewSessions(rdb),
		Tokens:   tokens,
		Limiter:  ratelimit.New(limits, nil),
		Log:      log,
	}, controlplane.Options{NodeID: "node-a", SelfHeal: true})

	h.gw = New(h.svc, Options{
		HeartbeatInterval: 50 * time.Millisecond,
		RevocationPoll:    50 * time.Millisecond,
		WriteTimeout:      time.Second,
	}, log)

	router := controlplane.NewServer(h.svc, controlplane.ServerOptions{Tokens: tokens, DeviceChannel: h.gw}).Router()
	h.srv = httptest.NewServer(router)
	t.Cleanup(h.srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.gw.Shutdown(ctx)
	})
	return h
}

func (h *harness) enroll(t *testing.T) *controlplane.Enrollment {
	t.Helper()
	e, err := h.svc.EnrollDevice(context.Background(), "user-1", "laptop", "linux")
	if err != nil {
		t.Fatalf("EnrollDevice failed: %v", err)
	}
	return e
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/agent"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) waitConnected(t *testing.T, deviceID string) {
	t.Helper()
	eventually(t, "device registered", func() bool { return h.svc.Registry().Has(deviceID) })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("Expected close %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Errorf("Expected close %d, got %d (%s)", code, ce.Code, ce.Text)
		}
		return
	}
}

func readExec(t *testing.T, h *harness, conn *websocket.Conn) envelope.TaskExec {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var exec envelope.TaskExec
	if err := h.signer.Open(data, &exec); err != nil {
		t.Fatalf("Envelope failed verification: %v", err)
	}
	return exec
}

func (h *harness) status(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	return task.Status
}

func TestRejectsBadToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	expectClose(t, h.dial(t, ""), CloseBadToken)
	expectClose(t, h.dial(t, "not-a-token"), CloseBadToken)

	if h.svc.Registry().Count() != 0 {
		t.Errorf("Expected no registered sockets, got %d", h.svc.Registry().Count())
	}
}

func TestAcceptsBearerHeader(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	e := h.enroll(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/agent"
	header := http.Header{"Authorization": []string{"Bearer " + e.Token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	h.waitConnected(t, e.Device.ID)
}

func TestReplayAndResult(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	e := h.enroll(t)

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		task := store.NewTask("user-1", e.Device.ID, "task", "", "", models.TaskStatusQueued,
			models.TaskPayload{Actions: []models.Action{{"type": "screenshot"}}})
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		task.UpdatedAt = task.CreatedAt
		if err := h.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		ids = append(ids, task.ID)
	}

	conn := h.dial(t, e.Token)
	for i, id := range ids {
		exec := readExec(t, h, conn)
		if exec.TaskID != id {
			t.Errorf("Message %d: expected %s, got %s", i, id, exec.TaskID)
		}
	}
	for _, id := range ids {
		id := id
		eventually(t, "task assigned", func() bool { return h.status(t, id) == models.TaskStatusAssigned })
	}

	raw, err := h.signer.Seal(envelope.TaskResult{
		Type:    envelope.TypeTaskResult,
		TaskID:  ids[0],
		Results: []envelope.ActionResult{{ActionID: "a1", Status: "done"}},
	})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	eventually(t, "task completed", func() bool { return h.status(t, ids[0]) == models.TaskStatusCompleted })

	// Unsigned results are dropped.
	unsigned, _ := json.Marshal(map[string]interface{}{
		"type":    envelope.TypeTaskResult,
		"task_id": ids[1],
		"results": []map[string]string{{"action_id": "a1", "status": "done"}},
	})
	if err := conn.WriteMessage(websocket.TextMessage, unsigned); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	eventually(t, "invalid signature audit", func() bool {
		events, _ := h.store.ListAuditEvents(ctx, ids[1], 10)
		return len(events) == 1 && events[0].Action == audit.ActionTaskResultBadSig
	})
	if got := h.status(t, ids[1]); got != models.TaskStatusAssigned {
		t.Errorf("Expected unsigned result ignored, got %s", got)
	}
}

func TestLiveDeliveryAndPing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	e := h.enroll(t)
	conn := h.dial(t, e.Token)
	h.waitConnected(t, e.Device.ID)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var pong envelope.Header
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if pong.Type != envelope.TypePong {
		t.Errorf("Expected pong, got %q", pong.Type)
	}

	task, err := h.svc.CreateTask(context.Background(), controlplane.CreateTaskInput{
		UserID:         "user-1",
		DeviceID:       e.Device.ID,
		Title:          "Screenshot",
		Actions:        []models.Action{{"type": "screenshot"}},
		IdempotencyKey: "K1",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if exec := readExec(t, h, conn); exec.TaskID != task.ID {
		t.Errorf("Expected %s, got %s", task.ID, exec.TaskID)
	}
	eventually(t, "task assigned", func() bool { return h.status(t, task.ID) == models.TaskStatusAssigned })

	if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	device, _ := h.store.GetDevice(context.Background(), e.Device.ID)
	if device.ConnectionStatus != models.ConnectionOnline {
		t.Errorf("Expected online, got %s", device.ConnectionStatus)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	eventually(t, "device offline", func() bool {
		d, _ := h.store.GetDevice(context.Background(), e.Device.ID)
		return d.ConnectionStatus == models.ConnectionOffline
	})
	if h.svc.Registry().Has(e.Device.ID) {
		t.Error("Expected socket removed after close")
	}
}

func TestSupersede(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	e := h.enroll(t)

	first := h.dial(t, e.Token)
	h.waitConnected(t, e.Device.ID)
	second := h.dial(t, e.Token)

	expectClose(t, first, registry.CloseSuperseded)

	eventually(t, "superseded cleanup", func() bool {
		events, _ := h.store.ListAuditEvents(ctx, e.Device.ID, 50)
		for _, ev := range events {
			if ev.Action == audit.ActionWSDisconnected {
				return true
			}
		}
		return false
	})
	if !h.svc.Registry().Has(e.Device.ID) {
		t.Fatal("Expected the new connection to stay registered")
	}
	device, _ := h.store.GetDevice(ctx, e.Device.ID)
	if device.ConnectionStatus != models.ConnectionOnline {
		t.Errorf("Expected device to stay online, got %s", device.ConnectionStatus)
	}

	if err := second.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Errorf("Expected the new connection to keep working, got %v", err)
	}
}

func TestRevocationClosesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{redis: true})
	e := h.enroll(t)

	conn := h.dial(t, e.Token)
	h.waitConnected(t, e.Device.ID)

	if _, err := h.svc.RevokeDevice(context.Background(), "user-1", e.Device.ID); err != nil {
		t.Fatalf("RevokeDevice failed: %v", err)
	}
	expectClose(t, conn, CloseRevoked)

	// The revoked token is refused right after the handshake.
	expectClose(t, h.dial(t, e.Token), CloseRevoked)

	eventually(t, "revoked close audit", func() bool {
		events, _ := h.store.ListAuditEvents(context.Background(), e.Device.ID, 50)
		n := 0
		for _, ev := range events {
			if ev.Action == audit.ActionWSRevokedClose {
				n++
			}
		}
		return n == 2
	})
}

func TestRateLimitedConnection(t *testing.T) {
	limits := ratelimit.DefaultConfig()
	limits.MaxAttempts = 2
	h := newHarness(t, harnessOptions{limits: &limits})
	e := h.enroll(t)

	first := h.dial(t, e.Token)
	h.waitConnected(t, e.Device.ID)
	h.dial(t, e.Token)
	expectClose(t, first, registry.CloseSuperseded)

	expectClose(t, h.dial(t, e.Token), CloseRateLimited)

	h.svc.ResetRateLimits(context.Background(), "admin")
	conn := h.dial(t, e.Token)
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Errorf("Expected connection allowed after reset, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	e := h.enroll(t)
	conn := h.dial(t, e.Token)
	h.waitConnected(t, e.Device.ID)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.gw.Shutdown(ctx)
	}()

	expectClose(t, conn, websocket.CloseGoingAway)
	if err := <-done; err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if h.svc.Registry().Count() != 0 {
		t.Errorf("Expected no sockets after shutdown, got %d", h.svc.Registry().Count())
	}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/agent?token=" + e.Token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %v", resp)
	}
}
