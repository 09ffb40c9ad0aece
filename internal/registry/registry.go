// Package registry tracks the live device sockets held by this process.
// At most one socket is registered per device; registering a new one
// supersedes and closes the old.
package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Close codes used when the registry itself closes a socket.
const (
	CloseSuperseded = 4000
	CloseSendFailed = 1011
)

var (
	// ErrNotConnected is returned when no socket is registered for a device.
	ErrNotConnected = errors.New("device not connected")
	// ErrSuperseded is returned when sending on a socket that is no longer
	// the registered one.
	ErrSuperseded = errors.New("connection superseded")
)

// Socket is the part of a device connection the registry needs.
type Socket interface {
	// ID is unique per connection, so a reconnect with the same token gets
	// a new one.
	ID() string
	Send(data []byte) error
	Close(code int, reason string) error
}

// Registry maps device IDs to their live socket. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Socket
	log   zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]Socket),
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// Register makes s the live socket for deviceID. A previously registered
// socket is closed with CloseSuperseded and returned.
func (r *Registry) Register(deviceID string, s Socket) Socket {
	r.mu.Lock()
	prev := r.conns[deviceID]
	r.conns[deviceID] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		r.log.Info().Str("device_id", deviceID).Str("old_conn", prev.ID()).Str("new_conn", s.ID()).Msg("superseding connection")
		if err := prev.Close(CloseSuperseded, "New connection established"); err != nil {
			r.log.Debug().Err(err).Str("device_id", deviceID).Msg("close superseded socket")
		}
		return prev
	}
	return nil
}

// Get returns the live socket for deviceID.
func (r *Registry) Get(deviceID string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[deviceID]
	return s, ok
}

// Has reports whether deviceID has a live socket here.
func (r *Registry) Has(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// IsCurrent reports whether s is still the registered socket for deviceID.
func (r *Registry) IsCurrent(deviceID string, s Socket) bool {
	cur, ok := r.Get(deviceID)
	return ok && cur == s
}

// Remove unregisters s, but only if it is still the live socket for
// deviceID. A superseded socket's cleanup therefore never evicts its
// replacement.
func (r *Registry) Remove(deviceID string, s Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[deviceID]; ok && cur == s {
		delete(r.conns, deviceID)
		return true
	}
	return false
}

// Send writes data to the live socket of deviceID. A failed write evicts
// and closes the socket.
func (r *Registry) Send(deviceID string, data []byte) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return ErrNotConnected
	}
	return r.send(deviceID, s, data)
}

// SendOn writes data to s as long as s is still the live socket for
// deviceID.
func (r *Registry) SendOn(deviceID string, s Socket, data []byte) error {
	if !r.IsCurrent(deviceID, s) {
		return ErrSuperseded
	}
	return r.send(deviceID, s, data)
}

func (r *Registry) send(deviceID string, s Socket, data []byte) error {
	if err := s.Send(data); err != nil {
		r.log.Warn().Err(err).Str("device_id", deviceID).Str("conn", s.ID()).Msg("send failed, evicting")
		if r.Remove(deviceID, s) {
			s.Close(CloseSendFailed, "send failed")
		}
		return err
	}
	return nil
}

// Count returns the number of live sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DeviceIDs returns the devices with a live socket.
func (r *Registry) DeviceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered socket and empties the registry.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Socket)
	r.mu.Unlock()

	for id, s := range conns {
		if err := s.Close(code, reason); err != nil {
			r.log.Debug().Err(err).Str("device_id", id).Msg("close socket")
		}
	}
	return len(conns)
}
