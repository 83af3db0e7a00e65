package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
)

var (
	// ErrWorkerTimeout marks a worker that did not answer within the
	// per-worker timeout.
	ErrWorkerTimeout = errors.New("worker did not answer in time")

	// ErrNoWorkers is returned by QueryOne when no worker is attached.
	ErrNoWorkers = errors.New("no live workers")
)

// DefaultTimeout bounds one worker's handling of one action.
const DefaultTimeout = 5 * time.Minute

// Sender delivers actions and queries to a single worker.
type Sender interface {
	Apply(ctx context.Context, node cluster.NodeInfo, action cluster.EnvAction) error
	List(ctx context.Context, node cluster.NodeInfo) ([]envmgr.Package, error)
}

// Result is one worker's outcome for one action.
type Result struct {
	NodeID   string
	Err      error
	Duration time.Duration
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Channel runs actions on every attached worker and keeps the standing
// actions that every later worker must apply before it is attached.
//
// Thread-safe: members and standing actions are guarded by mu, which is
// never held while talking to a worker.
type Channel struct {
	mu       sync.RWMutex
	members  []cluster.NodeInfo
	standing []standingAction

	sender  Sender
	timeout time.Duration
	limit   int
	logger  *zap.Logger
}

// standingAction is a standing action and the one it superseded, kept so
// that withdrawing the newer action brings the older one back.
type standingAction struct {
	action   cluster.EnvAction
	replaced *cluster.EnvAction
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the per-worker timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency caps how many workers RunOnAllWorkers contacts at once.
// Zero or less means no cap.
func WithConcurrency(n int) Option {
	return func(c *Channel) { c.limit = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New returns an empty Channel delivering through sender.
func New(sender Sender, opts ...Option) *Channel {
	c := &Channel{
		sender:  sender,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RunOnAllWorkers applies action on every currently attached worker in
// parallel and waits for all of them. Results are in member order.
//
// A failing worker does not cancel the others: every worker's outcome is
// reported in its own Result, so the group goroutines never return an
// error and the group only bounds the fan-out (see WithConcurrency).
func (c *Channel) RunOnAllWorkers(ctx context.Context, action cluster.EnvAction) []Result {
	targets := c.Members()
	results := make([]Result, len(targets))

	var g errgroup.Group
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for i, n := range targets {
		g.Go(func() error {
			results[i] = c.apply(ctx, n, action)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("broadcast finished",
		zap.Stringer("action", action),
		zap.Int("workers", len(targets)),
		zap.Int("failed", len(Failed(results))))
	return results
}

// RunOnEveryFutureWorker records action as standing: it is replayed on
// every worker attached from now on. A later action for a package
// supersedes the standing action for the same package. Package names
// match the way pip matches them.
func (c *Channel) RunOnEveryFutureWorker(action cluster.EnvAction) {
	key := descriptor.CanonicalName(action.Package())

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := standingAction{action: action}
	idx := slices.IndexFunc(c.standing, func(e standingAction) bool {
		return descriptor.CanonicalName(e.action.Package()) == key
	})
	if idx >= 0 {
		prev := c.standing[idx].action
		entry.replaced = &prev
		c.standing = slices.Delete(c.standing, idx, idx+1)
	}
	c.standing = append(c.standing, entry)
}

// Withdraw removes the standing action with the given ID and restores the
// action it superseded, if any. It reports whether one was removed.
func (c *Channel) Withdraw(actionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.IndexFunc(c.standing, func(e standingAction) bool { return e.action.ID == actionID })
	if idx < 0 {
		return false
	}
	replaced := c.standing[idx].replaced
	c.standing = slices.Delete(c.standing, idx, idx+1)
	if replaced != nil {
		c.standing = append(c.standing, standingAction{action: *replaced})
	}
	return true
}

// Attach catches node up on every standing action, in order, then adds it
// to the members. Actions registered while the replay runs are replayed as
// well. If any replay fails the node is left detached and the error is
// returned. Attaching a known node ID replaces its address.
func (c *Channel) Attach(ctx context.Context, node cluster.NodeInfo) error {
	applied := make(map[string]bool)
	for {
		c.mu.Lock()
		var pending []cluster.EnvAction
		for _, e := range c.standing {
			if !applied[e.action.ID] {
				pending = append(pending, e.action)
			}
		}
		if len(pending) == 0 {
			idx := slices.IndexFunc(c.members, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
			if idx >= 0 {
				c.members[idx] = node
			} else {
				c.members = append(c.members, node)
			}
			c.mu.Unlock()
			c.logger.Info("worker attached",
				zap.String("node_id", node.ID),
				zap.String("addr", node.Addr),
				zap.Int("replayed", len(applied)))
			return nil
		}
		c.mu.Unlock()

		for _, a := range pending {
			res := c.apply(ctx, node, a)
			if res.Err != nil {
				c.logger.Warn("catch-up failed",
					zap.String("node_id", node.ID),
					zap.Stringer("action", a),
					zap.Error(res.Err))
				return fmt.Errorf("replay %s on %s: %w", a, node.ID, res.Err)
			}
			applied[a.ID] = true
		}
	}
}

// Rejoin attaches node unless a worker with its ID is already a member,
// which happens when the worker registered again on its own.
func (c *Channel) Rejoin(ctx context.Context, node cluster.NodeInfo) error {
	if c.isMember(node.ID) {
		return nil
	}
	return c.Attach(ctx, node)
}

func (c *Channel) isMember(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.ContainsFunc(c.members, func(n cluster.NodeInfo) bool { return n.ID == nodeID })
}

// Detach removes a worker from the members. It reports whether the worker
// was attached.
func (c *Channel) Detach(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.IndexFunc(c.members, func(n cluster.NodeInfo) bool { return n.ID == nodeID })
	if idx < 0 {
		return false
	}
	c.members = slices.Delete(c.members, idx, idx+1)
	c.logger.Info("worker detached", zap.String("node_id", nodeID))
	return true
}

// Members returns a copy of the attached workers.
func (c *Channel) Members() []cluster.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), c.members...)
}

// Standing returns a copy of the standing actions in replay order.
func (c *Channel) Standing() []cluster.EnvAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cluster.EnvAction, len(c.standing))
	for i, e := range c.standing {
		out[i] = e.action
	}
	return out
}

// QueryOne asks attached workers, in member order, for their installed
// packages and returns the first answer.
func (c *Channel) QueryOne(ctx context.Context) (string, []envmgr.Package, error) {
	targets := c.Members()
	if len(targets) == 0 {
		return "", nil, ErrNoWorkers
	}
	var errs []error
	for _, n := range targets {
		wctx, cancel := context.WithTimeout(ctx, c.timeout)
		pkgs, err := c.sender.List(wctx, n)
		cancel()
		if err == nil {
			return n.ID, pkgs, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", n.ID, err))
	}
	return "", nil, errors.Join(errs...)
}

func (c *Channel) apply(ctx context.Context, node cluster.NodeInfo, action cluster.EnvAction) Result {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.sender.Apply(wctx, node, action)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrWorkerTimeout, c.timeout, err)
	}
	return Result{NodeID: node.ID, Err: err, Duration: time.Since(start)}
}
