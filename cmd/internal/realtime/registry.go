package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/directory"
	"courier/cmd/internal/ids"
	"courier/cmd/internal/keylock"
	"courier/cmd/internal/metrics"
)

// Registry maps users to their live sessions and owns presence.
//
// Concurrency guarantees:
//   - Register/Unregister for one user are serialized by a per-user lock,
//     including the presence write, so the stored flag follows the in-memory
//     session set in order.
//   - Different users never contend beyond the short map critical section.
//   - IsOnline is derived from the same map as SessionsFor.
type Registry struct {
	dir     directory.UserStore
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	userLocks *keylock.Map

	mu        sync.RWMutex
	byUser    map[string]map[string]*Client
	bySession map[string]*Client
}

// NewRegistry constructs a Registry writing presence to dir.
func NewRegistry(dir directory.UserStore, log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Registry{
		dir:       dir,
		log:       log,
		metrics:   m,
		now:       time.Now,
		userLocks: keylock.New(),
		byUser:    make(map[string]map[string]*Client),
		bySession: make(map[string]*Client),
	}
}

// Register adds an authenticated client and returns its session id.
// The first session of a user marks them online.
func (r *Registry) Register(ctx context.Context, c *Client) (string, error) {
	if c == nil || strings.TrimSpace(c.UserID) == "" {
		return "", errors.New("realtime: register requires an authenticated client")
	}
	if c.SessionID == "" {
		sid, err := ids.NewULID(r.now().UTC())
		if err != nil {
			return "", err
		}
		c.SessionID = sid
	}

	unlock, err := r.userLocks.Lock(ctx, c.UserID)
	if err != nil {
		return "", err
	}
	defer unlock()

	r.mu.Lock()
	set := r.byUser[c.UserID]
	first := len(set) == 0
	if set == nil {
		set = make(map[string]*Client)
		r.byUser[c.UserID] = set
	}
	set[c.SessionID] = c
	r.bySession[c.SessionID] = c
	r.mu.Unlock()

	r.metrics.SessionsActive.Inc()

	if c.Username != "" {
		if err := r.dir.UpsertUser(ctx, directory.User{ID: c.UserID, Username: c.Username}); err != nil {
			r.log.Warn("registry.user.upsert.fail", "user_id", c.UserID, "err", err)
		}
	}
	if first {
		r.metrics.UsersOnline.Inc()
		// In-memory presence stays authoritative if the write fails.
		if err := r.dir.SetOnline(ctx, c.UserID); err != nil {
			r.log.Warn("registry.presence.online.fail", "user_id", c.UserID, "err", err)
		}
		r.log.Info("registry.presence.online", "user_id", c.UserID, "session_id", c.SessionID)
	}
	return c.SessionID, nil
}

// Unregister removes a session. When it was the user's last one, the user
// goes offline with last-seen set to now.
func (r *Registry) Unregister(ctx context.Context, sessionID string) {
	r.mu.RLock()
	c := r.bySession[sessionID]
	r.mu.RUnlock()
	if c == nil {
		return
	}

	unlock, err := r.userLocks.Lock(ctx, c.UserID)
	if err != nil {
		// Still drop the session; presence converges on the next transition.
		r.log.Warn("registry.unregister.lock.fail", "user_id", c.UserID, "err", err)
		if removed, last := r.remove(c); removed && last {
			r.metrics.UsersOnline.Dec()
		}
		return
	}
	defer unlock()

	removed, last := r.remove(c)
	if !removed {
		return
	}
	if last {
		r.metrics.UsersOnline.Dec()
		if err := r.dir.SetOffline(ctx, c.UserID, r.now().UTC()); err != nil {
			r.log.Warn("registry.presence.offline.fail", "user_id", c.UserID, "err", err)
		}
		r.log.Info("registry.presence.offline", "user_id", c.UserID, "session_id", sessionID)
	}
}

func (r *Registry) remove(c *Client) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[c.SessionID]; !ok {
		return false, false
	}
	delete(r.bySession, c.SessionID)
	set := r.byUser[c.UserID]
	delete(set, c.SessionID)
	if len(set) == 0 {
		delete(r.byUser, c.UserID)
		last = true
	}
	r.metrics.SessionsActive.Dec()
	return true, last
}

// SessionsFor returns a snapshot of userID's sessions (possibly empty).
func (r *Registry) SessionsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID holds at least one session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionCount is the number of registered sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// Kick closes every session of userID. The gateways unregister them as their
// connections wind down. It returns how many sessions were signalled.
func (r *Registry) Kick(userID, reason string) int {
	sessions := r.SessionsFor(userID)
	for _, c := range sessions {
		c.CloseWithReason(reason)
	}
	if len(sessions) > 0 {
		r.log.Info("registry.kick", "user_id", userID, "sessions", len(sessions), "reason", reason)
	}
	return len(sessions)
}

// Close signals every session to stop. Used at shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	all := make([]*Client, 0, len(r.bySession))
	for _, c := range r.bySession {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.CloseWithReason("server shutdown")
	}
}
