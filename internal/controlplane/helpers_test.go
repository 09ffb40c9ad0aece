package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/events"
	"github.com/fentz26/coact/internal/models"
	"github.com/fentz26/coact/internal/presence"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/routing"
	"github.com/fentz26/coact/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const testSigningKey = "test-signing-key"

type testEnv struct {
	svc    *Service
	store  *store.Store
	tokens *auth.Tokens
	signer *envelope.Signer
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

type envOptions struct {
	redis    bool
	nodeID   string
	selfHeal bool
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	if o.nodeID == "" {
		o.nodeID = "node-a"
	}

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := auth.NewTokens(auth.KeySet{ActiveKID: "k1", Keys: map[string]string{"k1": "device-secret"}}, "access-secret")
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}

	env := &testEnv{store: st, tokens: tokens, signer: envelope.NewSigner([]byte(testSigningKey))}
	log := zerolog.Nop()

	if o.redis {
		env.mr = miniredis.RunT(t)
		env.rdb = redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
		t.Cleanup(func() { env.rdb.Close() })
	}
	pub := events.NewPublisher(env.rdb, o.nodeID, log)

	env.svc = NewService(Deps{
		Store:    st,
		Audit:    audit.NewWriter(st, log),
		Signer:   env.signer,
		Registry: registry.New(log),
		Routes:   routing.NewTable(env.rdb, o.nodeID, 0, log),
		Presence: presence.NewTracker(env.rdb, o.nodeID, 0, pub, log),
		Sessions: auth.NewSessions(env.rdb),
		Tokens:   tokens,
		Events:   pub,
		Log:      log,
	}, Options{
		NodeID:        o.nodeID,
		SelfHeal:      o.selfHeal,
		RetryBase:     time.Millisecond,
		RetryAttempts: 5,
	})
	return env
}

func (e *testEnv) device(t *testing.T, userID string) *models.Device {
	t.Helper()
	d, err := e.store.CreateDevice(context.Background(), userID, "laptop", "linux")
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	return d
}

func (e *testEnv) task(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	if err != nil || task == nil {
		t.Fatalf("GetTask %s failed: %v", id, err)
	}
	return task
}

func screenshotInput(userID, deviceID, key string) CreateTaskInput {
	return CreateTaskInput{
		UserID:         userID,
		DeviceID:       deviceID,
		Title:          "Screenshot",
		Actions:        []models.Action{{"type": "screenshot"}},
		IdempotencyKey: key,
	}
}

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	id string

	mu        sync.Mutex
	sent      [][]byte
	closed    int
	reason    string
	failAfter int // fail every send after this many; 0 never fails
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed != 0 || (f.failAfter > 0 && len(f.sent) >= f.failAfter) {
		return errSocketClosed
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = code
	f.reason = reason
	return nil
}

func (f *fakeSocket) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}
