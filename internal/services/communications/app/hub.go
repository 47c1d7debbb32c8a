package app

import (
	"hash/fnv"
	"io"
	"log"
	"sync"

	"github.com/venturebridge/forum/internal/services/communications/domain"
)

const (
	hubShardCount    = 16
	sessionQueueSize = 64
)

// Session is one live connection's identity plus its outbound queue.
// Identity fields are set once at the end of a successful handshake and
// never mutated afterwards.
type Session struct {
	ConnectionID string
	Identity     Identity
	Rooms        []string

	queue     chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
	transport io.Closer
}

func newSession(connectionID string, identity Identity, rooms []string, transport io.Closer) *Session {
	return &Session{
		ConnectionID: connectionID,
		Identity:     identity,
		Rooms:        rooms,
		queue:        make(chan domain.Envelope, sessionQueueSize),
		done:         make(chan struct{}),
		transport:    transport,
	}
}

// enqueue appends one envelope to the session's outbound queue without
// blocking. A full queue means the member is stalled; the session is
// dropped so the publisher never waits on it.
func (s *Session) enqueue(envelope domain.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- envelope:
		return true
	default:
		log.Printf("communications: outbound queue overflow, dropping connection=%s user=%d",
			s.ConnectionID, s.Identity.UserID)
		s.close()
		return false
	}
}

// close stops further dispatch to the session and closes its transport.
// Safe to call from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.transport != nil {
			_ = s.transport.Close()
		}
	})
}

// Done exposes the session's cancellation signal.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type hubShard struct {
	mu    sync.Mutex
	rooms map[string]map[*Session]struct{}
}

// Hub is the room-based publish/subscribe registry. Rooms are sharded
// by key so concurrent connection tasks and the fan-out publisher do
// not contend on a single lock.
type Hub struct {
	shards [hubShardCount]hubShard
}

// NewHub creates an empty group registry.
func NewHub() *Hub {
	hub := &Hub{}
	for i := range hub.shards {
		hub.shards[i].rooms = make(map[string]map[*Session]struct{})
	}
	return hub
}

func (h *Hub) shard(room string) *hubShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(room))
	return &h.shards[hasher.Sum32()%hubShardCount]
}

// Join registers a session as a member of room.
func (h *Hub) Join(room string, session *Session) {
	shard := h.shard(room)
	shard.mu.Lock()
	members, ok := shard.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		shard.rooms[room] = members
	}
	members[session] = struct{}{}
	shard.mu.Unlock()
}

// Leave removes a session from room, dropping the room entry when it
// empties. Leaving a room the session never joined is a no-op.
func (h *Hub) Leave(room string, session *Session) {
	shard := h.shard(room)
	shard.mu.Lock()
	if members, ok := shard.rooms[room]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(shard.rooms, room)
		}
	}
	shard.mu.Unlock()
}

// Publish enqueues one envelope for every current member of room.
// Delivery is best-effort: with no members the message is dropped, and
// a stalled member is disconnected rather than delaying the rest.
// Enqueueing under the shard lock keeps a single origin's publish order
// intact per room.
func (h *Hub) Publish(room string, envelope domain.Envelope) {
	shard := h.shard(room)
	shard.mu.Lock()
	for session := range shard.rooms[room] {
		session.enqueue(envelope)
	}
	shard.mu.Unlock()
}

// MemberCount reports the current number of sessions joined to room.
func (h *Hub) MemberCount(room string) int {
	shard := h.shard(room)
	shard.mu.Lock()
	count := len(shard.rooms[room])
	shard.mu.Unlock()
	return count
}
