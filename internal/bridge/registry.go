// Package bridge relays real game clients to one upstream server. For
// every real client the Engine opens a backend Session that connects to
// the server on the client's behalf, and moves chunks between the two
// while translating identifiers.
package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/network"
)

// Registry errors.
var (
	ErrIDSpaceExhausted = errors.New("fake id space exhausted")
	ErrSessionExists    = errors.New("session already exists for client")
)

// DefaultMaxFakeID bounds the fake id counter.
const DefaultMaxFakeID int64 = 1<<31 - 1

// Registry owns all live sessions and the mapping between real and fake
// identifiers. Mutations happen on the engine loop; the read lock lets
// admin surfaces take snapshots from other goroutines.
type Registry struct {
	mu         sync.RWMutex
	byReal     map[int]*Session
	fakeToReal map[int64]int
	ordered    []*Session

	lastID atomic.Int64
	maxID  int64
	dialer Dialer
}

// NewRegistry creates an empty registry. maxID <= 0 selects DefaultMaxFakeID.
func NewRegistry(dialer Dialer, maxID int64) *Registry {
	if maxID <= 0 {
		maxID = DefaultMaxFakeID
	}
	return &Registry{
		byReal:     make(map[int]*Session),
		fakeToReal: make(map[int64]int),
		maxID:      maxID,
		dialer:     dialer,
	}
}

// Create opens a backend session for realID and returns its fake id.
// Fake ids start at 1 and are never reused.
func (r *Registry) Create(realID int, target network.Addr, clientAddr string) (int64, error) {
	r.mu.RLock()
	_, exists := r.byReal[realID]
	r.mu.RUnlock()
	if exists {
		return 0, fmt.Errorf("client %d: %w", realID, ErrSessionExists)
	}

	fakeID := r.lastID.Add(1)
	if fakeID > r.maxID {
		return 0, ErrIDSpaceExhausted
	}

	sess, err := openSession(fakeID, realID, target, clientAddr, r.dialer)
	if err != nil {
		return 0, fmt.Errorf("failed to open backend session: %w", err)
	}

	r.mu.Lock()
	r.byReal[realID] = sess
	r.fakeToReal[fakeID] = realID
	r.ordered = append(r.ordered[:len(r.ordered):len(r.ordered)], sess)
	r.mu.Unlock()

	log.Debug().
		Int64("fake_id", fakeID).
		Int("real_id", realID).
		Str("target", target.String()).
		Msg("session created")

	return fakeID, nil
}

// LookupByReal returns the session of a real client.
func (r *Registry) LookupByReal(realID int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byReal[realID]
	return s, ok
}

// LookupByFake returns the session owning a fake id.
func (r *Registry) LookupByFake(fakeID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realID, ok := r.fakeToReal[fakeID]
	if !ok {
		return nil, false
	}
	s, ok := r.byReal[realID]
	return s, ok
}

// Destroy removes the session of realID from both maps and closes its
// backend connection. Unknown ids are a no-op.
func (r *Registry) Destroy(realID int, reason string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.byReal[realID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.byReal, realID)
	delete(r.fakeToReal, sess.FakeID)

	ordered := make([]*Session, 0, len(r.ordered))
	for _, s := range r.ordered {
		if s != sess {
			ordered = append(ordered, s)
		}
	}
	r.ordered = ordered
	r.mu.Unlock()

	if err := sess.Close(reason); err != nil {
		log.Debug().Err(err).Int64("fake_id", sess.FakeID).Msg("error closing backend connection")
	}

	log.Debug().
		Int64("fake_id", sess.FakeID).
		Int("real_id", realID).
		Str("reason", reason).
		Msg("session destroyed")

	return sess, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byReal)
}

// Sessions returns live sessions in creation order. The slice is shared
// and replaced on every mutation; callers must not modify it.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// Snapshot returns copies of all sessions ordered by fake id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.byReal))
	for _, s := range r.byReal {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FakeID < out[j].FakeID })
	return out
}

// LastFakeID returns the most recently allocated fake id.
func (r *Registry) LastFakeID() int64 {
	return r.lastID.Load()
}
