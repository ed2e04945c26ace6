package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"courier/cmd/internal/cache"
	"courier/cmd/internal/directory"
	"courier/cmd/internal/keylock"
	"courier/cmd/internal/metrics"
)

// UnreadTracker owns read state and the derived per-recipient unread counts.
//
// The directory is the source of truth. Counts are cached under
// courier:unread:{conversation}:{user}, and every cache write is a recount
// taken while holding the conversation lock, so a stale count can never
// overwrite a fresher one.
type UnreadTracker struct {
	dir     directory.MessageStore
	cache   cache.Cache
	ttl     time.Duration
	locks   *keylock.Map
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewUnreadTracker builds a tracker. locks must be the conversation lock map
// shared with the Pipeline.
func NewUnreadTracker(dir directory.MessageStore, c cache.Cache, ttl time.Duration, locks *keylock.Map, log *slog.Logger, m *metrics.Metrics) *UnreadTracker {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &UnreadTracker{
		dir:     dir,
		cache:   c,
		ttl:     ttl,
		locks:   locks,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// MarkRead flips every unread message addressed to readerID and returns the
// reader's resulting unread count (0 unless a concurrent send landed).
// Calling it again changes nothing and returns the same count.
func (t *UnreadTracker) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	n, _, err := t.markRead(ctx, conversationID, readerID, "", nil)
	return n, err
}

// markRead is MarkRead that also counts senderID's unread (when set) and runs
// then before releasing the conversation lock.
func (t *UnreadTracker) markRead(ctx context.Context, conversationID, readerID, senderID string, then func(readerUnread, senderUnread int)) (int, int, error) {
	const op = "chat.MarkRead"

	unlock, err := t.locks.Lock(ctx, conversationID)
	if err != nil {
		return 0, 0, storageErr(op, err)
	}
	defer unlock()

	changed, err := t.dir.MarkRead(ctx, conversationID, readerID, t.now().UTC())
	if err != nil {
		return 0, 0, storageErr(op, err)
	}
	if changed > 0 {
		t.metrics.ReadsMarked.Add(float64(changed))
	}

	readerUnread, err := t.refreshLocked(ctx, conversationID, readerID)
	if err != nil {
		return 0, 0, storageErr(op, err)
	}

	var senderUnread int
	if senderID != "" {
		n, ok := t.cached(ctx, conversationID, senderID)
		if !ok {
			if n, err = t.refreshLocked(ctx, conversationID, senderID); err != nil {
				return 0, 0, storageErr(op, err)
			}
		}
		senderUnread = n
	}

	if then != nil {
		then(readerUnread, senderUnread)
	}
	return readerUnread, senderUnread, nil
}

// UnreadCountFor answers from the cache, or recounts and writes through.
func (t *UnreadTracker) UnreadCountFor(ctx context.Context, conversationID, userID string) (int, error) {
	const op = "chat.UnreadCountFor"

	if n, ok := t.cached(ctx, conversationID, userID); ok {
		return n, nil
	}

	unlock, err := t.locks.Lock(ctx, conversationID)
	if err != nil {
		return 0, storageErr(op, err)
	}
	defer unlock()

	n, err := t.refreshLocked(ctx, conversationID, userID)
	if err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}

// refreshLocked recounts from the directory and writes the cache.
// The caller holds the conversation lock.
func (t *UnreadTracker) refreshLocked(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := t.dir.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, unreadKey(conversationID, userID), strconv.Itoa(n), t.ttl); err != nil {
			// Drop the entry so readers fall back to the directory.
			_, _ = t.cache.Del(ctx, unreadKey(conversationID, userID))
			t.log.Warn("chat.unread.cache_set.fail", "conversation_id", conversationID, "user_id", userID, "err", err)
		}
	}
	return n, nil
}

// estimateLocked is the receiver's count after one append when the recount
// failed: the prior cached count plus one, or one when nothing was cached.
// The stale cache entry is dropped so the next read goes to the directory.
func (t *UnreadTracker) estimateLocked(ctx context.Context, conversationID, userID string, prev int) int {
	t.metrics.UnreadCache.WithLabelValues("estimate").Inc()
	if t.cache != nil {
		if _, err := t.cache.Del(ctx, unreadKey(conversationID, userID)); err != nil {
			t.log.Warn("chat.unread.cache_del.fail", "conversation_id", conversationID, "user_id", userID, "err", err)
		}
	}
	if prev < 0 {
		return 1
	}
	return prev + 1
}

func (t *UnreadTracker) cached(ctx context.Context, conversationID, userID string) (int, bool) {
	if t.cache == nil {
		return 0, false
	}
	raw, err := t.cache.Get(ctx, unreadKey(conversationID, userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			t.metrics.UnreadCache.WithLabelValues("miss").Inc()
		} else {
			t.metrics.UnreadCache.WithLabelValues("error").Inc()
			t.log.Warn("chat.unread.cache_get.fail", "conversation_id", conversationID, "err", err)
		}
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		t.metrics.UnreadCache.WithLabelValues("error").Inc()
		return 0, false
	}
	t.metrics.UnreadCache.WithLabelValues("hit").Inc()
	return n, true
}

func unreadKey(conversationID, userID string) string {
	return "courier:unread:" + conversationID + ":" + userID
}
