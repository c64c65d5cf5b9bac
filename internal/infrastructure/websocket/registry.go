package websocket

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"
	"live-auction/pkg/utils"
)

var (
	ErrSinkClosed = errors.New("connection closed")
	ErrSinkFull   = errors.New("connection send buffer full")
)

// Sink is the outbound side of a transport connection. Send must not block.
type Sink interface {
	Send(frame []byte) error
	Close() error
}

type Connection struct {
	id          string
	sink        Sink
	connectedAt time.Time
	lastSeen    atomic.Int64

	mu       sync.RWMutex
	identity *domain.Identity
}

func (c *Connection) ID() string {
	return c.id
}

// Identity returns a copy of the attached identity, or nil for anonymous
// connections.
func (c *Connection) Identity() *domain.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return nil
	}
	identity := *c.identity
	return &identity
}

func (c *Connection) Send(frame []byte) error {
	return c.sink.Send(frame)
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// Registry tracks live connections and their room memberships for this
// process. Every membership references a registered connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]map[string]*Connection // room -> connection id -> connection
	joined map[string]map[string]struct{}    // connection id -> rooms

	roomLocks *utils.KeyedMutex
	metrics   metrics.Recorder
	log       logger.Logger
	now       func() time.Time
}

func NewRegistry(log logger.Logger, rec metrics.Recorder) *Registry {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		joined:    make(map[string]map[string]struct{}),
		roomLocks: utils.NewKeyedMutex(),
		metrics:   rec,
		log:       log,
		now:       time.Now,
	}
}

func (r *Registry) Register(id string, sink Sink) (*Connection, error) {
	now := r.now()
	conn := &Connection{id: id, sink: sink, connectedAt: now}
	conn.touch(now)

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, domain.ErrConnectionExists
	}
	r.conns[id] = conn
	r.joined[id] = make(map[string]struct{})
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.log.Debug("Connection registered", "connection_id", id, "total_connections", total)
	return conn, nil
}

func (r *Registry) Connection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// AttachIdentity sets the connection's identity. Re-attaching replaces it.
func (r *Registry) AttachIdentity(id string, identity domain.Identity) error {
	conn, ok := r.Connection(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.mu.Lock()
	conn.identity = &identity
	conn.mu.Unlock()
	return nil
}

func (r *Registry) Identity(id string) (*domain.Identity, error) {
	conn, ok := r.Connection(id)
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return conn.Identity(), nil
}

// Touch records liveness for the connection.
func (r *Registry) Touch(id string) {
	if conn, ok := r.Connection(id); ok {
		conn.touch(r.now())
	}
}

// Join adds the connection to room. It reports whether membership changed.
func (r *Registry) Join(id, room string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false, domain.ErrConnectionNotFound
	}
	if _, member := r.joined[id][room]; member {
		return false, nil
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[id] = conn
	r.joined[id][room] = struct{}{}
	return true, nil
}

// Leave removes the connection from room. It is a no-op for non-members.
func (r *Registry) Leave(id, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.joined[id]
	if !ok {
		return false
	}
	if _, member := rooms[room]; !member {
		return false
	}
	delete(rooms, room)
	r.removeMemberLocked(room, id)
	return true
}

func (r *Registry) removeMemberLocked(room, id string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Deregister drops the connection and all of its memberships in one step.
// It is safe to call more than once.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return false
	}
	rooms := r.joined[id]
	for room := range rooms {
		r.removeMemberLocked(room, id)
	}
	delete(r.joined, id)
	delete(r.conns, id)
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnectionClosed()
	r.log.Debug("Connection deregistered", "connection_id", id, "rooms", len(rooms), "total_connections", total)
	return true
}

func (r *Registry) IsMember(id, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[id][room]
	return ok
}

func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	rooms := make([]string, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	sort.Strings(rooms)
	return rooms
}

func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) members(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Connection, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		members = append(members, conn)
	}
	return members
}

// Broadcast queues frames, in order, to every local member of room and
// returns how many members received all of them. Broadcasts to the same room
// are serialized so members observe them in issuance order. A member whose
// buffer is full is closed; closed members are skipped.
func (r *Registry) Broadcast(room string, frames ...[]byte) int {
	unlock := r.roomLocks.Lock(room)
	defer unlock()

	delivered := 0
	for _, conn := range r.members(room) {
		if r.deliver(conn, frames) {
			delivered++
		}
	}

	r.metrics.RecordDelivered(delivered * len(frames))
	return delivered
}

// Send queues frames to a single connection.
func (r *Registry) Send(id string, frames ...[]byte) error {
	conn, ok := r.Connection(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if !r.deliver(conn, frames) {
		return ErrSinkClosed
	}
	return nil
}

func (r *Registry) deliver(conn *Connection, frames [][]byte) bool {
	for _, frame := range frames {
		err := conn.Send(frame)
		if err == nil {
			continue
		}

		r.metrics.RecordDropped()
		if errors.Is(err, ErrSinkFull) {
			r.log.Warn("Send buffer full, closing slow connection", "connection_id", conn.id)
			if cerr := conn.sink.Close(); cerr != nil {
				r.log.Debug("Failed to close slow connection", "connection_id", conn.id, "error", cerr)
			}
		} else if !errors.Is(err, ErrSinkClosed) {
			r.log.Error("Failed to send frame", "connection_id", conn.id, "error", err)
		}
		return false
	}
	return true
}

// ReapStale deregisters and closes every connection whose last liveness mark
// is older than cutoff.
func (r *Registry) ReapStale(cutoff time.Time) []string {
	r.mu.RLock()
	var stale []*Connection
	for _, conn := range r.conns {
		if conn.LastSeen().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	reaped := make([]string, 0, len(stale))
	for _, conn := range stale {
		if !r.Deregister(conn.id) {
			continue
		}
		if err := conn.sink.Close(); err != nil {
			r.log.Debug("Failed to close stale connection", "connection_id", conn.id, "error", err)
		}
		reaped = append(reaped, conn.id)
	}
	return reaped
}

// CloseAll deregisters and closes every connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		r.Deregister(conn.id)
		_ = conn.sink.Close()
	}
}
