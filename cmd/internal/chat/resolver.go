package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"courier/cmd/internal/directory"
	"courier/cmd/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Resolver finds or creates the single conversation of a user pair.
//
// In-process callers for the same pair share one lookup through singleflight.
// Across processes, the directory's pair uniqueness decides the winner and
// losers re-read it.
type Resolver struct {
	dir     directory.ConversationStore
	group   singleflight.Group
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	attempts int
	step     time.Duration
	timeout  time.Duration
}

// ResolverConfig tunes retry behavior.
type ResolverConfig struct {
	// Attempts bounds find/create rounds on transient storage errors.
	Attempts int
	// Backoff is the linear step between rounds (step, 2*step, ...).
	Backoff time.Duration
	// Timeout bounds one shared resolution, independent of any single caller.
	Timeout time.Duration
}

// NewResolver builds a Resolver.
func NewResolver(dir directory.ConversationStore, cfg ResolverConfig, log *slog.Logger, m *metrics.Metrics) *Resolver {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Resolver{
		dir:      dir,
		log:      log,
		metrics:  m,
		now:      time.Now,
		attempts: cfg.Attempts,
		step:     cfg.Backoff,
		timeout:  cfg.Timeout,
	}
}

type resolveResult struct {
	conv    directory.Conversation
	created bool
}

// Resolve returns the conversation for {a, b}, creating it on first contact.
func (r *Resolver) Resolve(ctx context.Context, a, b string) (directory.Conversation, error) {
	const op = "chat.Resolve"

	pair, err := directory.NewPair(a, b)
	if err != nil {
		return directory.Conversation{}, opErr(op, ErrValidation, "invalid participants")
	}

	// The shared work must not die with whichever caller started it.
	ch := r.group.DoChan(pair.Key(), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolve(sctx, pair)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrValidation) {
				return directory.Conversation{}, res.Err
			}
			return directory.Conversation{}, storageErr(op, res.Err)
		}
		rr := res.Val.(resolveResult)
		return rr.conv, nil
	case <-ctx.Done():
		return directory.Conversation{}, storageErr(op, ctx.Err())
	}
}

func (r *Resolver) resolve(ctx context.Context, pair directory.Pair) (resolveResult, error) {
	var out resolveResult

	operation := func() error {
		c, err := r.dir.FindConversation(ctx, pair)
		if err == nil {
			out = resolveResult{conv: c}
			return nil
		}
		if !directory.IsNotFound(err) {
			return err
		}

		c, err = r.dir.CreateConversation(ctx, pair, r.now().UTC())
		switch {
		case err == nil:
			r.metrics.ResolveCreated.Inc()
			r.log.Debug("chat.resolve.created", "conversation_id", c.ID)
			out = resolveResult{conv: c, created: true}
			return nil
		case directory.IsConflict(err):
			// Lost the race to another writer: the winner's row exists now.
			r.metrics.ResolveConflicts.Inc()
			c, err = r.dir.FindConversation(ctx, pair)
			if err != nil {
				return err
			}
			out = resolveResult{conv: c}
			return nil
		case directory.IsInvalidInput(err):
			return backoff.Permanent(opErr("chat.Resolve", ErrValidation, "invalid participants"))
		default:
			return err
		}
	}

	notify := func(err error, wait time.Duration) {
		r.log.Warn("chat.resolve.retry", "err", err, "wait", wait)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.step}, uint64(r.attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return resolveResult{}, err
	}
	return out, nil
}

// Lookup returns the existing conversation for {a, b} without creating one.
func (r *Resolver) Lookup(ctx context.Context, a, b string) (directory.Conversation, error) {
	const op = "chat.Lookup"

	pair, err := directory.NewPair(a, b)
	if err != nil {
		return directory.Conversation{}, opErr(op, ErrValidation, "invalid participants")
	}
	c, err := r.dir.FindConversation(ctx, pair)
	if directory.IsNotFound(err) {
		return directory.Conversation{}, opErr(op, ErrNotFound, "conversation not found")
	}
	if err != nil {
		return directory.Conversation{}, storageErr(op, err)
	}
	return c, nil
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
