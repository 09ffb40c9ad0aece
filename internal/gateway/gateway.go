// Package gateway serves the device websocket channel.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/coact/internal/controlplane"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Close codes sent to devices, alongside registry.CloseSuperseded and
// registry.CloseSendFailed.
const (
	CloseBadToken    = 4001
	CloseRevoked     = 4401
	CloseRateLimited = 4429
)

var errRevoked = errors.New("session revoked")

// Options tune the device channel.
type Options struct {
	// HeartbeatInterval is how often presence and route leases are
	// refreshed while a device is connected.
	HeartbeatInterval time.Duration
	// RevocationPoll is how often a live session is re-checked.
	RevocationPoll  time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.RevocationPoll <= 0 {
		o.RevocationPoll = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
}

// Gateway accepts device connections on GET /ws/agent.
type Gateway struct {
	svc      *controlplane.Service
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

// New creates a gateway for svc.
func New(svc *controlplane.Service, opts Options, log zerolog.Logger) *Gateway {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		svc:      svc,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		log:      log.With().Str("component", "gateway").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // devices are not browsers
			}
			return originSet[origin]
		},
	}
}

func (g *Gateway) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.handlers.Add(1)
	return true
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.begin() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.handlers.Done()

	ip := clientIP(r)
	token := tokenFrom(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(g.opts.MaxMessageBytes)

	sock := newSocket(conn, g.opts.WriteTimeout)
	ctx := g.ctx

	if d := g.svc.AdmitIP(ctx, ip); !d.Allowed {
		g.log.Warn().Str("ip", ip).Str("reason", d.Reason).Msg("rejecting blocked ip")
		sock.Close(CloseRateLimited, d.Reason)
		return
	}

	claims, err := g.svc.AuthenticateDevice(ctx, token, ip)
	if err != nil {
		g.log.Warn().Err(err).Str("ip", ip).Msg("invalid device token")
		sock.Close(CloseBadToken, "invalid token")
		return
	}
	deviceID := claims.DeviceID
	log := g.log.With().Str("device_id", deviceID).Str("conn", sock.ID()).Logger()

	if d := g.svc.AdmitDevice(ctx, deviceID, ip); !d.Allowed {
		log.Warn().Str("reason", d.Reason).Msg("connection rate limited")
		sock.Close(CloseRateLimited, d.Reason)
		return
	}

	if err := g.svc.CheckSession(ctx, deviceID, claims.ID); err != nil {
		if errors.Is(err, controlplane.ErrUnauthorized) {
			log.Warn().Msg("session revoked at handshake")
			g.svc.AuditRevokedClose(ctx, deviceID, sock.ID())
			sock.Close(CloseRevoked, "session revoked")
			return
		}
		log.Error().Err(err).Msg("session check failed")
		sock.Close(websocket.CloseInternalServerErr, "session check failed")
		return
	}

	g.svc.DeviceConnected(ctx, deviceID, sock, ip)
	log.Info().Str("ip", ip).Msg("device connected")

	reason := disconnectReason(g.serve(ctx, deviceID, claims.ID, sock))

	g.svc.DeviceDisconnected(context.WithoutCancel(ctx), deviceID, sock, reason)
	log.Info().Str("reason", reason).Msg("device disconnected")
}

// serve runs the receive loop, the lease refresher and the revocation
// watcher for one connection. All three end together.
func (g *Gateway) serve(ctx context.Context, deviceID, jti string, sock *socket) error {
	grp, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, sock.interrupt)
	defer stop()

	grp.Go(func() error { return g.receive(gctx, deviceID, sock) })
	grp.Go(func() error { return g.refreshLeases(gctx, deviceID) })
	grp.Go(func() error { return g.watchRevocation(gctx, deviceID, jti, sock) })
	return grp.Wait()
}

func (g *Gateway) receive(ctx context.Context, deviceID string, sock *socket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Str("device_id", deviceID).Msg("receive loop panicked")
			err = fmt.Errorf("receive loop panic: %v", r)
		}
	}()

	if _, err := g.svc.ReplayPending(ctx, deviceID, sock); err != nil {
		g.log.Warn().Err(err).Str("device_id", deviceID).Msg("replay stopped")
	}

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			return err
		}
		g.handleMessage(ctx, deviceID, sock, data)
	}
}

var pongMessage = []byte(`{"type":"pong"}`)

func (g *Gateway) handleMessage(ctx context.Context, deviceID string, sock *socket, data []byte) {
	var hdr envelope.Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		g.log.Debug().Err(err).Str("device_id", deviceID).Msg("ignoring malformed message")
		return
	}

	switch hdr.Type {
	case envelope.TypeHeartbeat:
		g.svc.DeviceHeartbeat(ctx, deviceID)
	case envelope.TypePing:
		if err := sock.Send(pongMessage); err != nil {
			g.log.Debug().Err(err).Str("device_id", deviceID).Msg("send pong")
		}
	case envelope.TypeTaskResult:
		if err := g.svc.IngestResult(ctx, deviceID, data); err != nil {
			g.log.Warn().Err(err).Str("device_id", deviceID).Msg("task result rejected")
		}
	default:
		g.log.Debug().Str("device_id", deviceID).Str("type", hdr.Type).Msg("ignoring unknown message type")
	}
}

func (g *Gateway) refreshLeases(ctx context.Context, deviceID string) error {
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.svc.RefreshLease(ctx, deviceID)
		}
	}
}

func (g *Gateway) watchRevocation(ctx context.Context, deviceID, jti string, sock *socket) error {
	ticker := time.NewTicker(g.opts.RevocationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := g.svc.CheckSession(ctx, deviceID, jti)
		if err == nil {
			continue
		}
		if !errors.Is(err, controlplane.ErrUnauthorized) {
			g.log.Warn().Err(err).Str("device_id", deviceID).Msg("revocation check failed")
			continue
		}
		g.svc.AuditRevokedClose(ctx, deviceID, sock.ID())
		sock.Close(CloseRevoked, "session revoked")
		return errRevoked
	}
}

// Shutdown closes every device connection with 1001 and waits for their
// handlers to finish cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	n := g.svc.Registry().CloseAll(websocket.CloseGoingAway, "server shutting down")
	g.cancel()
	g.log.Info().Int("connections", n).Msg("closing device connections")

	done := make(chan struct{})
	go func() {
		g.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func disconnectReason(err error) string {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errRevoked):
		return "revoked"
	case errors.As(err, &ce):
		return fmt.Sprintf("close %d", ce.Code)
	case errors.Is(err, context.Canceled):
		return "shutdown"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return err.Error()
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
