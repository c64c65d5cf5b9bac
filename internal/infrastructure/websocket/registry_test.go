package websocket

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []string
	closed bool
	full   bool
}

func (s *fakeSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.full {
		return ErrSinkFull
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry() *Registry {
	return NewRegistry(logger.NewNop(), metrics.Nop{})
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register("c1", &fakeSink{})
	assert.NoError(t, err)

	_, err = r.Register("c1", &fakeSink{})
	check.True(t, errors.Is(err, domain.ErrConnectionExists))
	check.Equal(t, 1, r.Len())
}

func TestNewConnectionIsAnonymous(t *testing.T) {
	r := newTestRegistry()
	conn, err := r.Register("c1", &fakeSink{})
	assert.NoError(t, err)

	check.Nil(t, conn.Identity())
	check.Equal(t, 0, len(r.Rooms("c1")))

	assert.NoError(t, r.AttachIdentity("c1", domain.Identity{UserID: "u1", DisplayName: "Layla"}))
	assert.NoError(t, r.AttachIdentity("c1", domain.Identity{UserID: "u1", DisplayName: "Layla"}))
	identity, err := r.Identity("c1")
	assert.NoError(t, err)
	check.Equal(t, "u1", identity.UserID)

	check.True(t, errors.Is(r.AttachIdentity("missing", domain.Identity{}), domain.ErrConnectionNotFound))
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register("c1", &fakeSink{})

	added, err := r.Join("c1", "auction:42")
	assert.NoError(t, err)
	check.True(t, added)

	added, err = r.Join("c1", "auction:42")
	assert.NoError(t, err)
	check.False(t, added)
	check.Equal(t, 1, r.RoomSize("auction:42"))

	check.True(t, r.Leave("c1", "auction:42"))
	check.False(t, r.Leave("c1", "auction:42"))
	check.False(t, r.Leave("c1", "auction:7"))
	check.Equal(t, 0, r.RoomSize("auction:42"))

	_, err = r.Join("missing", "auction:42")
	check.True(t, errors.Is(err, domain.ErrConnectionNotFound))
}

func TestDeregisterRemovesAllMemberships(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register("c1", &fakeSink{})
	_, _ = r.Register("c2", &fakeSink{})
	for _, room := range []string{"auction:1", "auction:2", "artwork:9", "user:u1"} {
		_, err := r.Join("c1", room)
		assert.NoError(t, err)
	}
	_, _ = r.Join("c2", "auction:1")

	check.True(t, r.Deregister("c1"))
	check.False(t, r.Deregister("c1"))

	check.Equal(t, 1, r.RoomSize("auction:1"))
	check.Equal(t, 0, r.RoomSize("auction:2"))
	check.Equal(t, 0, r.RoomSize("artwork:9"))
	check.False(t, r.IsMember("c1", "auction:1"))
	check.Equal(t, 1, r.Len())
}

func TestBroadcastRoomIsolation(t *testing.T) {
	r := newTestRegistry()
	in, out := &fakeSink{}, &fakeSink{}
	_, _ = r.Register("in", in)
	_, _ = r.Register("out", out)
	_, _ = r.Join("in", "auction:1")
	_, _ = r.Join("out", "auction:2")

	delivered := r.Broadcast("auction:1", []byte("a"), []byte("b"))

	check.Equal(t, 1, delivered)
	check.Equal(t, []string{"a", "b"}, in.Frames())
	check.Equal(t, 0, len(out.Frames()))
}

func TestBroadcastSkipsClosedAndSlowMembers(t *testing.T) {
	r := newTestRegistry()
	ok, closed, slow := &fakeSink{}, &fakeSink{closed: true}, &fakeSink{full: true}
	_, _ = r.Register("ok", ok)
	_, _ = r.Register("closed", closed)
	_, _ = r.Register("slow", slow)
	for _, id := range []string{"ok", "closed", "slow"} {
		_, _ = r.Join(id, "auction:1")
	}

	delivered := r.Broadcast("auction:1", []byte("x"))

	check.Equal(t, 1, delivered)
	check.Equal(t, []string{"x"}, ok.Frames())
	check.True(t, slow.Closed())
}

func TestBroadcastPreservesOrderPerRoom(t *testing.T) {
	r := newTestRegistry()
	sinks := make([]*fakeSink, 5)
	for i := range sinks {
		sinks[i] = &fakeSink{}
		id := fmt.Sprintf("c%d", i)
		_, _ = r.Register(id, sinks[i])
		_, _ = r.Join(id, "auction:1")
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Broadcast("auction:1",
					[]byte(fmt.Sprintf("p%d-%d-a", p, i)),
					[]byte(fmt.Sprintf("p%d-%d-b", p, i)))
			}
		}(p)
	}
	wg.Wait()

	reference := sinks[0].Frames()
	assert.Equal(t, 400, len(reference))
	for i := 0; i < len(reference); i += 2 {
		// pairs are never interleaved
		check.Equal(t, reference[i][:len(reference[i])-1], reference[i+1][:len(reference[i+1])-1])
	}
	for _, s := range sinks[1:] {
		check.Equal(t, reference, s.Frames())
	}
}

func TestReapStale(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	stale, fresh := &fakeSink{}, &fakeSink{}
	_, _ = r.Register("stale", stale)
	_, _ = r.Join("stale", "auction:1")

	now = base.Add(time.Minute)
	_, _ = r.Register("fresh", fresh)

	reaped := r.ReapStale(base.Add(30 * time.Second))

	check.Equal(t, []string{"stale"}, reaped)
	check.True(t, stale.Closed())
	check.False(t, fresh.Closed())
	check.Equal(t, 0, r.RoomSize("auction:1"))

	now = base.Add(2 * time.Minute)
	r.Touch("fresh")
	check.Equal(t, 0, len(r.ReapStale(base.Add(90*time.Second))))
}

func TestSendUnicast(t *testing.T) {
	r := newTestRegistry()
	sink := &fakeSink{}
	_, _ = r.Register("c1", sink)

	assert.NoError(t, r.Send("c1", []byte("hello")))
	check.Equal(t, []string{"hello"}, sink.Frames())
	check.True(t, errors.Is(r.Send("missing", []byte("x")), domain.ErrConnectionNotFound))
}
