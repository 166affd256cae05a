// Package lock serializes work on a node. A node may have any number of
// shared holders or exactly one exclusive holder, never both.
package lock

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
)

// Mode selects shared or exclusive access.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

type holderKey struct{}

// WithHolder tags ctx with a holder identity. Acquisitions made with the same
// holder on the same node nest instead of conflicting.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// NewHolder tags ctx with a fresh holder identity.
func NewHolder(ctx context.Context) context.Context {
	return WithHolder(ctx, uuid.NewString())
}

// HolderFromContext returns the holder identity carried by ctx.
func HolderFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(holderKey{}).(string)
	return h, ok && h != ""
}

type hold struct {
	count     int
	exclusive int
}

type waiter struct {
	holder  string
	mode    Mode
	ready   chan struct{}
	granted bool
}

type entry struct {
	holders map[string]*hold
	// waiters are granted strictly in arrival order.
	waiters []*waiter
	// file is the node's lock file, held while holders is not empty.
	file    *os.File
}

func (e *entry) exclusiveHolder() (string, bool) {
	for id, h := range e.holders {
		if h.exclusive > 0 {
			return id, true
		}
	}
	return "", false
}

// otherHolder names a holder other than holder, for NodeLocked reports.
func (e *entry) otherHolder(holder string) string {
	if id, ok := e.exclusiveHolder(); ok && id != holder {
		return id
	}
	for id := range e.holders {
		if id != holder {
			return id
		}
	}
	return ""
}

func (e *entry) anyHolder() string {
	if id, ok := e.exclusiveHolder(); ok {
		return id
	}
	for id := range e.holders {
		return id
	}
	return ""
}

// grantable reports whether holder may take mode right now, ignoring queued
// waiters.
func (e *entry) grantable(holder string, mode Mode) bool {
	if h, ok := e.holders[holder]; ok {
		if mode == Shared || h.exclusive > 0 {
			return true
		}
		// Upgrade only when nobody else holds the node.
		return len(e.holders) == 1
	}
	if mode == Exclusive {
		return len(e.holders) == 0
	}
	_, held := e.exclusiveHolder()
	return !held
}

func (e *entry) grant(holder string, mode Mode) {
	h, ok := e.holders[holder]
	if !ok {
		h = &hold{}
		e.holders[holder] = h
	}
	h.count++
	if mode == Exclusive {
		h.exclusive++
	}
}

// Manager hands out node locks. The zero value is not usable; use New.
type Manager struct {
	mu      sync.Mutex
	nodes   map[string]*entry
	files   *Files
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithFiles also locks nodes through f, so managers in other processes using
// the same directory see this manager's holders.
func WithFiles(f *Files) Option {
	return func(m *Manager) { m.files = f }
}

// filePollInterval is how often Acquire retries a node held by another
// process.
const filePollInterval = 100 * time.Millisecond

func New(logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{
		nodes:   make(map[string]*entry),
		logger:  logger.With("component", "lock"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

func (m *Manager) entry(nodeID string) *entry {
	e, ok := m.nodes[nodeID]
	if !ok {
		e = &entry{holders: make(map[string]*hold)}
		m.nodes[nodeID] = e
	}
	return e
}

func holderOf(ctx context.Context) string {
	if h, ok := HolderFromContext(ctx); ok {
		return h
	}
	return uuid.NewString()
}

// lockFile takes the node's file lock once holder has been granted mode, unless
// the process already has it. When another process holds the node the grant is
// undone. Must be called with m.mu held.
func (m *Manager) lockFile(nodeID string, e *entry, holder string, mode Mode) error {
	if m.files == nil || e.file != nil {
		return nil
	}
	fh, err := m.files.tryLock(nodeID, holder)
	if err != nil {
		m.releaseLocked(nodeID, holder, mode)
		return err
	}
	e.file = fh
	return nil
}

func (m *Manager) guard(nodeID, holder string, mode Mode) *Guard {
	return &Guard{m: m, nodeID: nodeID, holder: holder, mode: mode}
}

// TryAcquire takes the lock without waiting. It fails with NodeLocked when the
// node is held in a conflicting mode, here or in another process, or other
// callers are already queued.
func (m *Manager) TryAcquire(ctx context.Context, nodeID string, mode Mode) (*Guard, error) {
	holder := holderOf(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(nodeID)
	_, reentrant := e.holders[holder]
	if !e.grantable(holder, mode) || (!reentrant && len(e.waiters) > 0) {
		current := e.otherHolder(holder)
		m.gc(nodeID, e)
		m.metrics.IncLockContention(mode.String())
		m.logger.Debug("lock_contended", "node_id", nodeID, "mode", mode.String(), "holder", current)
		return nil, &errors.NodeLocked{NodeID: nodeID, Holder: current}
	}

	e.grant(holder, mode)
	if err := m.lockFile(nodeID, e, holder, mode); err != nil {
		var elsewhere *heldElsewhere
		if stderrors.As(err, &elsewhere) {
			m.metrics.IncLockContention(mode.String())
			m.logger.Debug("lock_contended", "node_id", nodeID, "mode", mode.String(), "holder", elsewhere.locked.Holder)
			return nil, elsewhere.locked
		}
		return nil, err
	}
	m.logger.Debug("lock_acquired", "node_id", nodeID, "mode", mode.String(), "holder", holder)
	return m.guard(nodeID, holder, mode), nil
}

// Acquire takes the lock, waiting in arrival order behind earlier callers
// until it is granted or ctx is done. A node held by another process is
// retried every filePollInterval. A ctx that ends first yields NodeLocked.
//
// A holder upgrading its shared hold to exclusive while others share the node
// fails at once with NodeLocked: waiting would queue it behind its own hold.
func (m *Manager) Acquire(ctx context.Context, nodeID string, mode Mode) (*Guard, error) {
	holder := holderOf(ctx)

	var (
		g         *Guard
		elsewhere *heldElsewhere
	)
	op := func() error {
		elsewhere = nil
		var err error
		g, err = m.acquire(ctx, nodeID, holder, mode)
		if stderrors.As(err, &elsewhere) {
			m.metrics.IncLockContention(mode.String())
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(filePollInterval), ctx))
	if err != nil && elsewhere != nil {
		m.logger.Warn("lock_wait_abandoned", "node_id", nodeID, "mode", mode.String(), "holder", elsewhere.locked.Holder, "error", ctx.Err())
		return nil, elsewhere.locked
	}
	return g, err
}

// acquire waits for the node within this process, then takes its file lock.
func (m *Manager) acquire(ctx context.Context, nodeID, holder string, mode Mode) (*Guard, error) {
	start := time.Now()

	m.mu.Lock()
	e := m.entry(nodeID)
	_, reentrant := e.holders[holder]
	if e.grantable(holder, mode) && (reentrant || len(e.waiters) == 0) {
		e.grant(holder, mode)
		err := m.lockFile(nodeID, e, holder, mode)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.logger.Debug("lock_acquired", "node_id", nodeID, "mode", mode.String(), "holder", holder)
		return m.guard(nodeID, holder, mode), nil
	}
	if reentrant && mode == Exclusive {
		current := e.otherHolder(holder)
		m.mu.Unlock()
		m.metrics.IncLockContention(mode.String())
		m.logger.Debug("lock_upgrade_refused", "node_id", nodeID, "holder", holder, "other", current)
		return nil, &errors.NodeLocked{NodeID: nodeID, Holder: current}
	}

	w := &waiter{holder: holder, mode: mode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.metrics.IncLockContention(mode.String())
	m.mu.Unlock()

	m.logger.Debug("lock_wait", "node_id", nodeID, "mode", mode.String(), "holder", holder)

	select {
	case <-w.ready:
		m.mu.Lock()
		err := m.lockFile(nodeID, m.entry(nodeID), holder, mode)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.metrics.ObserveLockWait(mode.String(), time.Since(start))
		m.logger.Debug("lock_acquired", "node_id", nodeID, "mode", mode.String(), "holder", holder, "waited", time.Since(start))
		return m.guard(nodeID, holder, mode), nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	if w.granted {
		// Granted while ctx ended; hand it back.
		m.releaseLocked(nodeID, holder, mode)
	} else {
		e := m.nodes[nodeID]
		for i, q := range e.waiters {
			if q == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		m.dispatch(e)
		m.gc(nodeID, e)
	}
	var current string
	if e, ok := m.nodes[nodeID]; ok {
		current = e.anyHolder()
	}
	m.mu.Unlock()

	m.metrics.ObserveLockWait(mode.String(), time.Since(start))
	m.logger.Warn("lock_wait_abandoned", "node_id", nodeID, "mode", mode.String(), "error", ctx.Err())
	return nil, &errors.NodeLocked{NodeID: nodeID, Holder: current}
}

func (m *Manager) releaseLocked(nodeID, holder string, mode Mode) {
	e, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	h, ok := e.holders[holder]
	if !ok {
		return
	}
	h.count--
	if mode == Exclusive {
		h.exclusive--
	}
	if h.count <= 0 {
		delete(e.holders, holder)
	}
	m.dispatch(e)
	if len(e.holders) == 0 && e.file != nil {
		m.files.unlock(e.file)
		e.file = nil
	}
	m.gc(nodeID, e)
}

// dispatch grants queued waiters from the head while they fit.
func (m *Manager) dispatch(e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !e.grantable(w.holder, w.mode) {
			return
		}
		e.grant(w.holder, w.mode)
		w.granted = true
		e.waiters = e.waiters[1:]
		close(w.ready)
	}
}

func (m *Manager) gc(nodeID string, e *entry) {
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		delete(m.nodes, nodeID)
	}
}

// Status describes the current holders of a node.
type Status struct {
	Exclusive bool
	Holders   int
	Waiters   int
}

func (m *Manager) Status(nodeID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[nodeID]
	if !ok {
		return Status{}
	}
	_, excl := e.exclusiveHolder()
	return Status{Exclusive: excl, Holders: len(e.holders), Waiters: len(e.waiters)}
}

// Guard is one granted acquisition. Release it with defer.
type Guard struct {
	m      *Manager
	nodeID string
	holder string
	mode   Mode
	once   sync.Once
}

func (g *Guard) NodeID() string  { return g.nodeID }
func (g *Guard) Holder() string  { return g.holder }
func (g *Guard) Exclusive() bool { return g.mode == Exclusive }

// Release gives the acquisition back. Extra calls are no-ops.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.m.mu.Lock()
		g.m.releaseLocked(g.nodeID, g.holder, g.mode)
		g.m.mu.Unlock()
		g.m.logger.Debug("lock_released", "node_id", g.nodeID, "mode", g.mode.String(), "holder", g.holder)
	})
}
