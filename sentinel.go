// Package sentinel provides a client for a redis primary/replica group which
// is monitored by redis sentinel. It discovers the group's topology through
// the sentinels, and swaps in a new Manager whenever that topology changes,
// without the application having to do anything.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediocregopher/sentinel/trace"
)

// State describes what a Sentinel is currently doing.
type State int32

// All possible values of State. A Sentinel is only StateActive while it is
// subscribed to a sentinel's notifications, so Start returns while it is still
// StateDiscovering.
const (
	StateStarting State = iota
	StateDiscovering
	StateActive
	StateRediscovering
	StateAllNodesUnreachable
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDiscovering:
		return "discovering"
	case StateActive:
		return "active"
	case StateRediscovering:
		return "rediscovering"
	case StateAllNodesUnreachable:
		return "all-nodes-unreachable"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// published is the value behind the Sentinel's live pointer. It is never
// modified, a new one is stored instead.
type published struct {
	manager    Manager
	snapshot   Snapshot
	generation uint64
}

type retiredManager struct {
	m       Manager
	closeAt time.Time
}

// Sentinel tracks the topology of a single primary/replica group, as reported
// by a set of sentinels, and always has a Manager available for the group's
// current primary and replicas.
//
// Once started the Sentinel will, in the background:
//
// * Subscribe to the notifications of one of its sentinels, and rediscover the
// topology whenever a notification indicates that it has changed.
//
// * Periodically rediscover the topology regardless, in case a notification
// was missed.
//
// * Move on to the next sentinel in its list if the current one becomes
// unreachable, optionally adding any new sentinels it learns about to that
// list.
//
// Whenever rediscovery finds different nodes than before a new Manager is
// created and published, and the previous one is Closed after a grace window.
// Methods on Sentinel are safe for concurrent use.
type Sentinel struct {
	group string
	o     opts
	log   *slog.Logger

	live  atomic.Pointer[published]
	state atomic.Int32

	// addrs may only grow, and is only written to by whichever go-routine is
	// performing discovery.
	addrsL sync.RWMutex
	addrs  []Endpoint

	// These are only used by the go-routine performing discovery, which is
	// Start's go-routine until the background one is spawned.
	cursor   int
	skip     map[string]bool
	attempt  int
	retired  []retiredManager
	listener *listener

	started   atomic.Bool
	lifeL     sync.Mutex
	closed    bool
	doneCh    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New initializes and returns a Sentinel for the given group, which will use
// the given sentinels to discover it. Nothing is done on the network until
// Start is called.
//
// The default options New uses are:
//
//	WithConnFunc(DefaultConnFunc)
//	WithManagerFunc(PoolManagerFunc())
//	WithBackoff(ExponentialBackoff{Base: 250 * time.Millisecond, Max: 10 * time.Second})
//	WithGraceWindow(1 * time.Second)
//	WithHealthCheckInterval(10 * time.Second)
//	WithRefreshInterval(30 * time.Second)
//	WithQueryTimeout(5 * time.Second)
//	WithShutdownTimeout(5 * time.Second)
//	WithLogger(a logger which discards everything)
func New(group string, sentinelAddrs []Endpoint, opts ...Opt) (*Sentinel, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidConfig)
	} else if len(sentinelAddrs) == 0 {
		return nil, fmt.Errorf("%w: at least one sentinel address is required", ErrInvalidConfig)
	}

	s := &Sentinel{group: group}
	for _, opt := range append(defaultOpts(), opts...) {
		if opt != nil {
			opt(&s.o)
		}
	}
	if s.o.cf == nil || s.o.mf == nil || s.o.backoff == nil || s.o.logger == nil {
		return nil, fmt.Errorf("%w: ConnFunc, ManagerFunc, Backoff and Logger may not be nil", ErrInvalidConfig)
	}

	// duplicates are dropped
	s.addrs, _ = unionEndpoints(nil, sentinelAddrs)
	s.log = s.o.logger.With("group", group)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setState(StateStarting)
	return s, nil
}

// Start performs the initial discovery and publishes the first Manager, which
// it returns. The OnFailover callback will have been called with the Manager
// by the time Start returns. After that the Sentinel keeps itself up-to-date
// in the background until Close is called.
//
// If no sentinel yields a usable topology a *StartupError is returned, which
// wraps ErrAllNodesUnreachable, and Start may be called again. Once Start has
// succeeded calling it again returns ErrAlreadyStarted.
func (s *Sentinel) Start(ctx context.Context) (Manager, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	s.lifeL.Lock()
	closed := s.closed
	s.lifeL.Unlock()
	if closed {
		return nil, ErrClosed
	}

	// Close must be able to interrupt the initial discovery.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.setState(StateDiscovering)
	if err := s.discover(ctx); err != nil {
		s.lifeL.Lock()
		if s.closed {
			s.setState(StateStopped)
		} else {
			s.setState(StateStarting)
			s.started.Store(false)
		}
		s.lifeL.Unlock()
		return nil, &StartupError{Group: s.group, Err: err}
	}

	s.lifeL.Lock()
	defer s.lifeL.Unlock()
	p := s.live.Load()
	if s.closed {
		s.closeManager(p.manager)
		s.setState(StateStopped)
		return nil, ErrClosed
	}

	// the background go-routine moves to StateActive once it has subscribed
	s.doneCh = make(chan struct{})
	go s.spin(s.ctx)
	return p.manager, nil
}

// Close stops the Sentinel's background go-routine and Closes every Manager it
// has created. It waits for the go-routine to exit for at most the
// ShutdownTimeout, returning an error if that elapses. Close may be called
// multiple times.
func (s *Sentinel) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.lifeL.Lock()
		s.closed = true
		doneCh := s.doneCh
		s.lifeL.Unlock()

		s.cancel()
		if doneCh == nil {
			s.setState(StateStopped)
			return
		}

		t := time.NewTimer(s.o.shutdownTimeout)
		defer t.Stop()
		select {
		case <-doneCh:
		case <-t.C:
			err = fmt.Errorf("timed out after %s waiting for sentinel %q to stop", s.o.shutdownTimeout, s.group)
		}
	})
	return err
}

////////////////////////////////////////////////////////////////////////////////
// accessors

// Manager returns the currently published Manager, or nil if Start has not
// succeeded. The returned Manager may be replaced at any time, callers should
// call Manager again for each operation rather than holding onto it.
func (s *Sentinel) Manager() Manager {
	if p := s.live.Load(); p != nil {
		return p.manager
	}
	return nil
}

// Snapshot returns the topology seen by the most recent successful discovery.
// It returns a zero Snapshot if there has not been one.
func (s *Sentinel) Snapshot() Snapshot {
	if p := s.live.Load(); p != nil {
		return p.snapshot.clone()
	}
	return Snapshot{}
}

// Generation returns the number of Managers which have been published. It is
// never decremented.
func (s *Sentinel) Generation() uint64 {
	if p := s.live.Load(); p != nil {
		return p.generation
	}
	return 0
}

// SentinelAddrs returns every sentinel the Sentinel currently knows about, in
// the order it will try them.
func (s *Sentinel) SentinelAddrs() []Endpoint {
	s.addrsL.RLock()
	defer s.addrsL.RUnlock()
	return append([]Endpoint(nil), s.addrs...)
}

// State returns what the Sentinel is currently doing.
func (s *Sentinel) State() State {
	return State(s.state.Load())
}

func (s *Sentinel) setState(st State) {
	s.state.Store(int32(st))
}

// Do performs a command against the current primary using the currently
// published Manager.
func (s *Sentinel) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	m := s.Manager()
	if m == nil {
		return nil, ErrNotStarted
	}
	return m.Do(ctx, cmd, args...)
}

// DoReadOnly performs a command against one of the current replicas, or the
// primary if there are none, using the currently published Manager.
func (s *Sentinel) DoReadOnly(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	m := s.Manager()
	if m == nil {
		return nil, ErrNotStarted
	}
	return m.DoReadOnly(ctx, cmd, args...)
}

////////////////////////////////////////////////////////////////////////////////
// callbacks

// safely calls fn, converting a panic into an error.
func safely(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w", name, panicErr(r))
		}
	}()
	fn()
	return nil
}

func (s *Sentinel) workerErr(err error) {
	if s.o.onWorkerError == nil {
		return
	}
	if perr := safely("OnWorkerError callback", func() { s.o.onWorkerError(err) }); perr != nil {
		s.log.Error("callback panicked", "err", perr, "reporting", err)
	}
}

func (s *Sentinel) onFailover(m Manager) {
	if s.o.onFailover == nil {
		return
	}
	if err := safely("OnFailover callback", func() { s.o.onFailover(m) }); err != nil {
		s.log.Error("callback panicked", "err", err)
		s.workerErr(err)
	}
}

func (s *Sentinel) onNotification(channel, message string) {
	if s.o.onNotification == nil {
		return
	}
	if err := safely("OnNotification callback", func() { s.o.onNotification(channel, message) }); err != nil {
		s.log.Error("callback panicked", "err", err)
		s.workerErr(err)
	}
}

func (s *Sentinel) trace(name string, fn func()) {
	if err := safely(name+" trace", fn); err != nil {
		s.log.Error("trace panicked", "err", err)
	}
}

func (s *Sentinel) closeManager(m Manager) {
	var cerr error
	if err := safely("Manager.Close", func() { cerr = m.Close() }); err != nil {
		cerr = err
	}
	if cerr != nil {
		s.log.Warn("closing manager", "primary", m.Primary().Addr(), "err", cerr)
		s.workerErr(cerr)
	}
}

////////////////////////////////////////////////////////////////////////////////
// discovery

func (s *Sentinel) query(ctx context.Context, e Endpoint) (Snapshot, error) {
	if s.o.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.queryTimeout)
		defer cancel()
	}
	conn, err := s.o.cf(ctx, e)
	if err != nil {
		return Snapshot{}, wrapErr(err, ErrConnectionLost)
	}
	defer conn.Close()
	return newQueryClient(conn, e).Snapshot(ctx, s.group, s.o.scanForPeers)
}

func (s *Sentinel) nodeErr(e Endpoint, err error) {
	if errors.Is(err, ErrAuthentication) {
		if s.skip == nil {
			s.skip = map[string]bool{}
		}
		s.skip[e.Addr()] = true
	}
	s.log.Warn("sentinel failed", "addr", e.Addr(), "err", err)
	if s.o.st.DiscoveryFailed != nil {
		s.trace("DiscoveryFailed", func() {
			s.o.st.DiscoveryFailed(trace.SentinelDiscoveryFailed{Addr: e.Addr(), Err: err})
		})
	}
	s.workerErr(&NodeError{Addr: e.Addr(), Err: err})
}

// pass queries every known sentinel in turn, starting at the cursor, and
// returns the Snapshot of the first one to answer successfully. The cursor is
// left on that sentinel.
func (s *Sentinel) pass(ctx context.Context) (Snapshot, error) {
	addrs := s.SentinelAddrs()
	skip := s.skip
	s.skip = nil

	var errs []error
	for i := range addrs {
		idx := (s.cursor + i) % len(addrs)
		e := addrs[idx]
		if skip[e.Addr()] {
			s.log.Debug("skipping sentinel after authentication failure", "addr", e.Addr())
			continue
		}

		snap, err := s.query(ctx, e)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Snapshot{}, ctxErr
		} else if err != nil {
			s.nodeErr(e, err)
			errs = append(errs, err)
			continue
		}
		s.cursor = idx
		return snap, nil
	}

	if len(errs) == 0 {
		return Snapshot{}, ErrAllNodesUnreachable
	}
	return Snapshot{}, fmt.Errorf("%w: %w", ErrAllNodesUnreachable, errors.Join(errs...))
}

// addPeers adds any of the given sentinels which aren't already known to the
// end of the list.
func (s *Sentinel) addPeers(peers []Endpoint) {
	s.addrsL.Lock()
	var added bool
	prevLen := len(s.addrs)
	s.addrs, added = unionEndpoints(s.addrs, peers)
	newAddrs := s.addrs[prevLen:]
	s.addrsL.Unlock()

	if added {
		for _, e := range newAddrs {
			s.log.Info("found new sentinel", "addr", e.Addr())
		}
	}
}

func (s *Sentinel) filter(snap Snapshot) (_ Snapshot, err error) {
	if s.o.hostFilter == nil {
		return snap, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: host filter: %w", ErrManagerConstruction, panicErr(r))
		}
	}()

	snap.Primary = s.o.hostFilter(snap.Primary)
	replicas := make([]Endpoint, len(snap.Replicas))
	for i := range snap.Replicas {
		replicas[i] = s.o.hostFilter(snap.Replicas[i])
	}
	snap.Replicas = replicas
	return snap, nil
}

func (s *Sentinel) newManager(snap Snapshot) (m Manager, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %w", ErrManagerConstruction, panicErr(r))
		}
	}()

	replicas := append([]Endpoint(nil), snap.Replicas...)
	if m, err = s.o.mf([]Endpoint{snap.Primary}, replicas); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManagerConstruction, err)
	} else if m == nil {
		return nil, fmt.Errorf("%w: ManagerFunc returned nil", ErrManagerConstruction)
	}
	return m, nil
}

// discover performs a discovery pass and, if the group's nodes are different
// than those of the currently published Manager, publishes a new one. The
// current Manager is left in place if anything fails.
func (s *Sentinel) discover(ctx context.Context) error {
	snap, err := s.pass(ctx)
	if err != nil {
		return err
	}

	if s.o.scanForPeers {
		s.addPeers(snap.Sentinels)
	}
	snap.Sentinels = s.SentinelAddrs()

	if snap, err = s.filter(snap); err != nil {
		return err
	}

	prev := s.live.Load()
	if prev != nil && prev.snapshot.SameNodes(snap) {
		s.live.Store(&published{
			manager:    prev.manager,
			snapshot:   snap,
			generation: prev.generation,
		})
		return nil
	}

	if s.o.st.TopoChanged != nil {
		tc := topoDiff(prev, snap)
		s.trace("TopoChanged", func() { s.o.st.TopoChanged(tc) })
	}

	start := time.Now()
	m, err := s.newManager(snap)
	if err != nil {
		return err
	}
	s.swap(m, snap, time.Since(start))
	return nil
}

// swap publishes the given Manager in place of the current one, which is
// queued to be closed once the grace window has passed.
func (s *Sentinel) swap(m Manager, snap Snapshot, buildTime time.Duration) {
	var gen uint64 = 1
	if prev := s.live.Load(); prev != nil {
		gen = prev.generation + 1
	}

	prev := s.live.Swap(&published{manager: m, snapshot: snap, generation: gen})
	if prev != nil {
		s.retire(prev.manager)
	}

	s.log.Info("published new manager",
		"generation", gen,
		"primary", snap.Primary.Addr(),
		"replicas", snap.ReplicaAddrs(),
	)
	if s.o.st.Swapped != nil {
		s.trace("Swapped", func() {
			s.o.st.Swapped(trace.SentinelSwapped{
				Generation: gen,
				Primary:    snap.Primary.Addr(),
				Replicas:   snap.ReplicaAddrs(),
				BuildTime:  buildTime,
			})
		})
	}
	s.onFailover(m)
}

func (s *Sentinel) retire(m Manager) {
	if s.o.graceWindow <= 0 {
		s.closeManager(m)
		return
	}
	s.retired = append(s.retired, retiredManager{
		m:       m,
		closeAt: time.Now().Add(s.o.graceWindow),
	})
}

// disposeRetired closes all retired Managers whose grace window has passed, or
// all of them if all is true.
func (s *Sentinel) disposeRetired(all bool) {
	now := time.Now()
	var i int
	for ; i < len(s.retired); i++ {
		if !all && s.retired[i].closeAt.After(now) {
			break
		}
		s.closeManager(s.retired[i].m)
		s.retired[i] = retiredManager{}
	}
	s.retired = s.retired[i:]
}

func topoDiff(prev *published, next Snapshot) trace.SentinelTopoChanged {
	nodes := func(snap Snapshot) map[string]bool {
		m := map[string]bool{snap.Primary.Addr(): true}
		for _, r := range snap.Replicas {
			if _, ok := m[r.Addr()]; !ok {
				m[r.Addr()] = false
			}
		}
		return m
	}

	oldNodes := map[string]bool{}
	if prev != nil {
		oldNodes = nodes(prev.snapshot)
	}
	newNodes := nodes(next)

	var tc trace.SentinelTopoChanged
	for addr, isPrimary := range newNodes {
		wasPrimary, ok := oldNodes[addr]
		if !ok {
			tc.Added = append(tc.Added, trace.SentinelNodeInfo{Addr: addr, IsPrimary: isPrimary})
		} else if wasPrimary != isPrimary {
			tc.Changed = append(tc.Changed, trace.SentinelNodeInfo{Addr: addr, IsPrimary: isPrimary})
		}
	}
	for addr, wasPrimary := range oldNodes {
		if _, ok := newNodes[addr]; !ok {
			tc.Removed = append(tc.Removed, trace.SentinelNodeInfo{Addr: addr, IsPrimary: wasPrimary})
		}
	}

	for _, infos := range [][]trace.SentinelNodeInfo{tc.Added, tc.Removed, tc.Changed} {
		sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	}
	return tc
}

////////////////////////////////////////////////////////////////////////////////
// background go-routine

func (s *Sentinel) advanceCursor() {
	s.addrsL.RLock()
	n := len(s.addrs)
	s.addrsL.RUnlock()
	s.cursor = (s.cursor + 1) % n
}

// listen subscribes to the sentinel at the cursor.
func (s *Sentinel) listen(ctx context.Context) error {
	addrs := s.SentinelAddrs()
	e := addrs[s.cursor%len(addrs)]

	if s.o.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.queryTimeout)
		defer cancel()
	}
	l, err := subscribe(ctx, s.o.cf, e, s.group, s.o.healthCheckInterval)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			if s.skip == nil {
				s.skip = map[string]bool{}
			}
			s.skip[e.Addr()] = true
		}
		return &NodeError{Addr: e.Addr(), Err: err}
	}
	s.listener = l
	s.log.Info("subscribed to sentinel", "addr", e.Addr())
	return nil
}

// listenerLost is called when the listener's Events channel has been closed.
func (s *Sentinel) listenerLost() {
	l := s.listener
	s.listener = nil
	l.Close()

	err := l.Err()
	if err == nil {
		err = fmt.Errorf("%w: subscription ended", ErrConnectionLost)
	}
	if errors.Is(err, ErrAuthentication) {
		if s.skip == nil {
			s.skip = map[string]bool{}
		}
		s.skip[l.addr.Addr()] = true
	}

	s.log.Warn("lost connection to sentinel", "addr", l.addr.Addr(), "err", err)
	if s.o.st.ListenerClosed != nil {
		s.trace("ListenerClosed", func() {
			s.o.st.ListenerClosed(trace.SentinelListenerClosed{Addr: l.addr.Addr(), Err: err})
		})
	}
	s.workerErr(&NodeError{Addr: l.addr.Addr(), Err: err})
	s.advanceCursor()
}

// handleEvent returns true if the event requires the topology to be
// rediscovered.
func (s *Sentinel) handleEvent(ev Event) bool {
	s.onNotification(ev.Channel, ev.Payload)

	if ev.Err != nil {
		s.log.Warn("malformed notification", "channel", ev.Channel, "payload", ev.Payload, "err", ev.Err)
		s.workerErr(&NodeError{Addr: s.listener.addr.Addr(), Err: ev.Err})
		return false
	}

	switch ev.Kind {
	case EventMasterSwitched, EventReplicaAdded, EventReplicaRemoved:
		s.log.Info("topology change notification", "kind", ev.Kind.String(), "addr", ev.Addr.Addr())
		return true
	case EventSentinelAdded:
		if s.o.scanForPeers {
			s.addPeers([]Endpoint{s.listener.addr.withAddr(ev.Addr)})
		}
	}
	return false
}

// drainEvents handles every event which is immediately available, so that a
// burst of notifications results in a single rediscovery.
func (s *Sentinel) drainEvents() {
	for s.listener != nil {
		select {
		case ev, ok := <-s.listener.Events():
			if !ok {
				s.listenerLost()
				return
			}
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Sentinel) spin(ctx context.Context) {
	defer close(s.doneCh)
	defer s.shutdown()

	var refreshCh <-chan time.Time
	if s.o.refreshInterval > 0 {
		refreshT := time.NewTicker(s.o.refreshInterval)
		defer refreshT.Stop()
		refreshCh = refreshT.C
	}

	var retryT, retireT timer
	defer retryT.Stop()
	defer retireT.Stop()

	// retryCh is non-nil while waiting out a backoff.
	var retryCh <-chan time.Time
	backoff := func(err error) {
		s.attempt++
		d := s.o.backoff.Next(s.attempt)
		s.log.Warn("discovery failed, backing off", "attempt", s.attempt, "delay", d, "err", err)
		retryT.Reset(d)
		retryCh = retryT.Chan()
	}

	var rediscover bool
	for {
		if ctx.Err() != nil {
			return
		}

		if rediscover {
			rediscover = false
			s.setState(StateRediscovering)
			if err := s.discover(ctx); ctx.Err() != nil {
				return
			} else if err != nil {
				if errors.Is(err, ErrAllNodesUnreachable) {
					s.setState(StateAllNodesUnreachable)
				}
				if s.o.st.DiscoveryFailed != nil {
					s.trace("DiscoveryFailed", func() {
						s.o.st.DiscoveryFailed(trace.SentinelDiscoveryFailed{Attempt: s.attempt + 1, Err: err})
					})
				}
				s.workerErr(err)
				backoff(err)
			}
		}

		if s.listener == nil && retryCh == nil {
			if err := s.listen(ctx); ctx.Err() != nil {
				return
			} else if err != nil {
				s.log.Warn("subscribing to sentinel", "err", err)
				s.workerErr(err)
				s.advanceCursor()
				backoff(err)
			}
		}

		if s.listener != nil && retryCh == nil {
			s.attempt = 0
			s.setState(StateActive)
		}

		if len(s.retired) > 0 {
			retireT.Reset(time.Until(s.retired[0].closeAt))
		} else {
			retireT.Stop()
		}

		var evCh <-chan Event
		if s.listener != nil {
			evCh = s.listener.Events()
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				s.listenerLost()
				rediscover = retryCh == nil
			} else if s.handleEvent(ev) && retryCh == nil {
				s.drainEvents()
				rediscover = true
			}
		case <-refreshCh:
			rediscover = retryCh == nil
		case <-retryCh:
			retryCh = nil
			rediscover = true
		case <-retireT.Chan():
			s.disposeRetired(false)
		}
	}
}

func (s *Sentinel) shutdown() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.disposeRetired(true)
	if p := s.live.Load(); p != nil {
		s.closeManager(p.manager)
	}
	s.setState(StateStopped)
	s.log.Info("stopped")
}
