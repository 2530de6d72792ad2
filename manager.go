package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/mediocregopher/sentinel/trace"
)

// Manager is a client for a single primary/replica group. The Sentinel creates
// a new Manager every time the group's topology changes, and Closes the
// previous one after a grace window.
//
// A Manager must be safe for concurrent use.
type Manager interface {
	// Do performs a command against the primary.
	Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error)

	// DoReadOnly performs a command against one of the replicas, or against
	// the primary if there are none.
	DoReadOnly(ctx context.Context, cmd string, args ...interface{}) (interface{}, error)

	// Primary returns the primary the Manager was created for.
	Primary() Endpoint

	// Replicas returns the replicas the Manager was created for.
	Replicas() []Endpoint

	// Close releases all resources held by the Manager. Commands which are in
	// progress are allowed to finish, new ones fail with ErrManagerClosed.
	Close() error
}

// ManagerFunc creates a Manager for the given nodes. primaries will always
// have at least one element, the first being the current primary. replicas
// may be empty.
type ManagerFunc func(primaries, replicas []Endpoint) (Manager, error)

////////////////////////////////////////////////////////////////////////////////

type poolOpts struct {
	cf             ConnFunc
	maxIdle        int
	maxActive      int
	idleTimeout    time.Duration
	wait           bool
	testAfter      time.Duration
	verifyOnCreate bool
	verifyTimeout  time.Duration
	trace          trace.PoolTrace
}

// PoolOpt is an optional behavior which can be applied to PoolManagerFunc or
// NewPoolManager to effect a PoolManager's behavior.
type PoolOpt func(*poolOpts)

// PoolConnFunc tells the PoolManager to use the given ConnFunc when creating
// new connections.
func PoolConnFunc(cf ConnFunc) PoolOpt {
	return func(po *poolOpts) {
		po.cf = cf
	}
}

// PoolMaxIdle sets the maximum number of idle connections kept per node.
func PoolMaxIdle(n int) PoolOpt {
	return func(po *poolOpts) {
		po.maxIdle = n
	}
}

// PoolMaxActive sets the maximum number of connections, idle or in use, per
// node. Zero means no limit.
func PoolMaxActive(n int) PoolOpt {
	return func(po *poolOpts) {
		po.maxActive = n
	}
}

// PoolIdleTimeout closes connections which have been idle for longer than the
// given duration. An Endpoint's own IdleTimeout takes precedence.
func PoolIdleTimeout(d time.Duration) PoolOpt {
	return func(po *poolOpts) {
		po.idleTimeout = d
	}
}

// PoolWait causes commands to block waiting for a connection when
// PoolMaxActive has been reached, rather than returning an error.
func PoolWait(wait bool) PoolOpt {
	return func(po *poolOpts) {
		po.wait = wait
	}
}

// PoolTestAfter causes a connection which has been idle for longer than the
// given duration to be PINGed before being handed out. Zero disables this.
func PoolTestAfter(d time.Duration) PoolOpt {
	return func(po *poolOpts) {
		po.testAfter = d
	}
}

// PoolVerifyOnCreate determines whether a connection to the primary is made
// while the PoolManager is created, so that an unreachable primary causes
// creation to fail. This is on by default.
func PoolVerifyOnCreate(verify bool) PoolOpt {
	return func(po *poolOpts) {
		po.verifyOnCreate = verify
	}
}

// PoolVerifyTimeout sets the time limit on the connection PoolVerifyOnCreate
// makes. An Endpoint's ConnectTimeout is used instead if it is shorter.
func PoolVerifyTimeout(d time.Duration) PoolOpt {
	return func(po *poolOpts) {
		po.verifyTimeout = d
	}
}

// PoolWithTrace tells the PoolManager to trace itself with the given
// PoolTrace. Note that PoolTrace will block every point that you set to
// trace.
func PoolWithTrace(pt trace.PoolTrace) PoolOpt {
	return func(po *poolOpts) {
		po.trace = pt
	}
}

// PoolManager is the default Manager. It holds a redigo Pool for the primary
// and one for each replica.
type PoolManager struct {
	po       poolOpts
	primary  Endpoint
	replicas []Endpoint

	primaryPool  *redis.Pool
	replicaPools []*redis.Pool

	next      atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Manager = (*PoolManager)(nil)

// NewPoolManager creates a *PoolManager for the given primary and replicas.
//
// The default options NewPoolManager uses are:
//
//	PoolConnFunc(DefaultConnFunc)
//	PoolMaxIdle(10)
//	PoolIdleTimeout(5 * time.Minute)
//	PoolTestAfter(1 * time.Minute)
//	PoolVerifyOnCreate(true)
//	PoolVerifyTimeout(5 * time.Second)
func NewPoolManager(primary Endpoint, replicas []Endpoint, opts ...PoolOpt) (*PoolManager, error) {
	pm := &PoolManager{
		primary:  primary,
		replicas: append([]Endpoint(nil), replicas...),
	}

	defaultPoolOpts := []PoolOpt{
		PoolConnFunc(DefaultConnFunc),
		PoolMaxIdle(10),
		PoolIdleTimeout(5 * time.Minute),
		PoolTestAfter(1 * time.Minute),
		PoolVerifyOnCreate(true),
		PoolVerifyTimeout(5 * time.Second),
	}
	for _, opt := range append(defaultPoolOpts, opts...) {
		if opt != nil {
			opt(&pm.po)
		}
	}

	pm.primaryPool = pm.newPool(primary, true)
	for _, r := range pm.replicas {
		pm.replicaPools = append(pm.replicaPools, pm.newPool(r, false))
	}

	if pm.po.verifyOnCreate {
		ctx := context.Background()
		timeout := pm.po.verifyTimeout
		if ct := primary.ConnectTimeout; ct > 0 && (timeout <= 0 || ct < timeout) {
			timeout = ct
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := pm.primaryPool.GetContext(ctx)
		if err == nil {
			err = conn.Err()
			conn.Close()
		}
		if err != nil {
			pm.Close()
			return nil, fmt.Errorf("connecting to primary %s: %w", primary.Addr(), err)
		}
	}

	return pm, nil
}

// PoolManagerFunc returns a ManagerFunc which creates PoolManagers using the
// given options.
func PoolManagerFunc(opts ...PoolOpt) ManagerFunc {
	return func(primaries, replicas []Endpoint) (Manager, error) {
		if len(primaries) == 0 {
			return nil, errors.New("no primary given")
		}
		return NewPoolManager(primaries[0], replicas, opts...)
	}
}

func (pm *PoolManager) newPool(e Endpoint, isPrimary bool) *redis.Pool {
	idleTimeout := pm.po.idleTimeout
	if e.IdleTimeout > 0 {
		idleTimeout = e.IdleTimeout
	}

	p := &redis.Pool{
		MaxIdle:     pm.po.maxIdle,
		MaxActive:   pm.po.maxActive,
		IdleTimeout: idleTimeout,
		Wait:        pm.po.wait,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			start := time.Now()
			conn, err := pm.po.cf(ctx, e)
			if pm.po.trace.ConnCreated != nil {
				pm.po.trace.ConnCreated(trace.PoolConnCreated{
					PoolCommon:  trace.PoolCommon{Addr: e.Addr(), IsPrimary: isPrimary},
					Context:     ctx,
					ConnectTime: time.Since(start),
					Err:         err,
				})
			}
			return conn, err
		},
	}

	if testAfter := pm.po.testAfter; testAfter > 0 {
		p.TestOnBorrow = func(c redis.Conn, t time.Time) error {
			if time.Since(t) < testAfter {
				return nil
			}
			_, err := c.Do("PING")
			return err
		}
	}
	return p
}

// Primary implements the method for the Manager interface.
func (pm *PoolManager) Primary() Endpoint {
	return pm.primary
}

// Replicas implements the method for the Manager interface.
func (pm *PoolManager) Replicas() []Endpoint {
	return append([]Endpoint(nil), pm.replicas...)
}

// Conn returns a connection to the primary. The connection must be Closed to
// return it to the pool.
func (pm *PoolManager) Conn(ctx context.Context) (redis.Conn, error) {
	if pm.closed.Load() {
		return nil, ErrManagerClosed
	}
	return pm.primaryPool.GetContext(ctx)
}

// ReadOnlyConn returns a connection to one of the replicas, chosen round-robin,
// or to the primary if there are no replicas or the chosen one can't be
// connected to. The connection must be Closed to return it to the pool.
func (pm *PoolManager) ReadOnlyConn(ctx context.Context) (redis.Conn, error) {
	if pm.closed.Load() {
		return nil, ErrManagerClosed
	}
	if len(pm.replicaPools) == 0 {
		return pm.primaryPool.GetContext(ctx)
	}

	i := pm.next.Add(1) - 1
	conn, err := pm.replicaPools[i%uint64(len(pm.replicaPools))].GetContext(ctx)
	if err == nil {
		if err = conn.Err(); err == nil {
			return conn, nil
		}
		conn.Close()
	}
	return pm.primaryPool.GetContext(ctx)
}

func doOn(conn redis.Conn, err error, cmd string, args []interface{}) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Do(cmd, args...)
}

// Do implements the method for the Manager interface.
func (pm *PoolManager) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := pm.Conn(ctx)
	return doOn(conn, err, cmd, args)
}

// DoReadOnly implements the method for the Manager interface.
func (pm *PoolManager) DoReadOnly(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := pm.ReadOnlyConn(ctx)
	return doOn(conn, err, cmd, args)
}

// ActiveCount returns the number of open connections, across all nodes.
func (pm *PoolManager) ActiveCount() int {
	n := pm.primaryPool.ActiveCount()
	for _, p := range pm.replicaPools {
		n += p.ActiveCount()
	}
	return n
}

// Close implements the method for the Manager interface. Connections which are
// checked out at the time are closed when they are returned.
func (pm *PoolManager) Close() error {
	var err error
	pm.closeOnce.Do(func() {
		pm.closed.Store(true)
		active := pm.ActiveCount()

		err = pm.primaryPool.Close()
		for _, p := range pm.replicaPools {
			if perr := p.Close(); err == nil {
				err = perr
			}
		}

		if pm.po.trace.Closed != nil {
			pm.po.trace.Closed(trace.PoolClosed{
				Primary:     pm.primary.Addr(),
				ActiveCount: active,
			})
		}
	})
	return err
}
