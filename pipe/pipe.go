// Package pipe implements a sentinel.Manager on top of redispipe, which
// pipelines every command sent to a node over a single connection.
//
// A pipe Manager is a good fit when many goroutines issue small commands
// concurrently. Blocking commands (BLPOP and friends) and transactions which
// rely on connection state should use the default sentinel.PoolManager
// instead.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"
	"github.com/joomcode/redispipe/redis"
	"github.com/joomcode/redispipe/redisconn"

	"github.com/mediocregopher/sentinel"
)

// Opts are used to create each Manager's connections. Endpoint specific
// settings (DB, password, timeouts) are taken from the Endpoint itself and
// take precedence over these.
type Opts struct {
	// DialTimeout is used for nodes whose Endpoint has no ConnectTimeout.
	// Defaults to 5 seconds.
	DialTimeout time.Duration

	// IOTimeout is used for nodes whose Endpoint has neither a ReadTimeout nor
	// a WriteTimeout. Zero uses redisconn's default.
	IOTimeout time.Duration

	// WritePause is how long a connection waits to collect more commands into
	// a single write. See redisconn.Opts.
	WritePause time.Duration

	// ReconnectPause is how long a connection waits between attempts to
	// re-establish itself. A negative value disables reconnecting. See
	// redisconn.Opts.
	ReconnectPause time.Duration

	// TCPKeepAlive is the keep-alive period of each connection. See
	// redisconn.Opts.
	TCPKeepAlive time.Duration

	// LazyPrimary causes the primary to be dialed in the background like the
	// replicas are, rather than failing creation when it can't be reached.
	LazyPrimary bool

	// Logger receives connection events. Defaults to redisconn.NoopLogger.
	Logger redisconn.Logger
}

func (o Opts) connOpts(e sentinel.Endpoint, async bool) redisconn.Opts {
	co := redisconn.Opts{
		DB:             e.DB,
		Password:       e.Password,
		DialTimeout:    o.DialTimeout,
		IOTimeout:      o.IOTimeout,
		WritePause:     o.WritePause,
		ReconnectPause: o.ReconnectPause,
		TCPKeepAlive:   o.TCPKeepAlive,
		Logger:         o.Logger,
		AsyncDial:      async,
	}
	if co.DialTimeout == 0 {
		co.DialTimeout = 5 * time.Second
	}
	if e.ConnectTimeout > 0 {
		co.DialTimeout = e.ConnectTimeout
	}
	if e.ReadTimeout > 0 || e.WriteTimeout > 0 {
		co.IOTimeout = max(e.ReadTimeout, e.WriteTimeout)
	}
	if co.Logger == nil {
		co.Logger = redisconn.NoopLogger{}
	}
	return co
}

// Manager is a sentinel.Manager which keeps one pipelined connection to each
// node of a group.
type Manager struct {
	primary  sentinel.Endpoint
	replicas []sentinel.Endpoint

	cancel context.CancelFunc
	pconn  *redisconn.Connection
	rconns []*redisconn.Connection

	next      atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ sentinel.Manager = new(Manager)

// New connects to the given primary and replicas. Unless Opts.LazyPrimary is
// set the primary must be reachable for New to succeed. Replicas are always
// connected to in the background.
//
// TLS endpoints and endpoints with a Username are not supported.
func New(primary sentinel.Endpoint, replicas []sentinel.Endpoint, o Opts) (*Manager, error) {
	for _, e := range append([]sentinel.Endpoint{primary}, replicas...) {
		if e.TLS || e.Username != "" {
			return nil, fmt.Errorf("%w: endpoint %s: tls and usernames are not supported by pipe", sentinel.ErrInvalidConfig, e.Addr())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		primary:  primary,
		replicas: append([]sentinel.Endpoint(nil), replicas...),
		cancel:   cancel,
	}

	var err error
	if m.pconn, err = redisconn.Connect(ctx, primary.Addr(), o.connOpts(primary, o.LazyPrimary)); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to primary %s: %w", primary.Addr(), dialErr(err))
	}

	// a failed synchronous dial is retried in the background rather than
	// returned, unless reconnecting is disabled.
	if !o.LazyPrimary && !m.pconn.ConnectedNow() {
		m.Close()
		return nil, fmt.Errorf("%w: connecting to primary %s", sentinel.ErrConnectionLost, primary.Addr())
	}

	for _, e := range replicas {
		rconn, err := redisconn.Connect(ctx, e.Addr(), o.connOpts(e, true))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("connecting to replica %s: %w", e.Addr(), dialErr(err))
		}
		m.rconns = append(m.rconns, rconn)
	}
	return m, nil
}

// ManagerFunc returns a sentinel.ManagerFunc which creates a Manager for the
// first of the given primaries using the given Opts.
func ManagerFunc(o Opts) sentinel.ManagerFunc {
	return func(primaries, replicas []sentinel.Endpoint) (sentinel.Manager, error) {
		if len(primaries) == 0 {
			return nil, errors.New("no primary given")
		}
		return New(primaries[0], replicas, o)
	}
}

// Primary implements the method for the sentinel.Manager interface.
func (m *Manager) Primary() sentinel.Endpoint {
	return m.primary
}

// Replicas implements the method for the sentinel.Manager interface.
func (m *Manager) Replicas() []sentinel.Endpoint {
	return append([]sentinel.Endpoint(nil), m.replicas...)
}

// Do implements the method for the sentinel.Manager interface.
func (m *Manager) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	return m.do(ctx, m.pconn, cmd, args)
}

// DoReadOnly implements the method for the sentinel.Manager interface. The
// replicas are used round-robin. A replica whose connection isn't currently
// established is passed over for the primary.
func (m *Manager) DoReadOnly(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn := m.pconn
	if len(m.rconns) > 0 {
		rconn := m.rconns[int(m.next.Add(1)-1)%len(m.rconns)]
		if rconn.ConnectedNow() {
			conn = rconn
		}
	}
	return m.do(ctx, conn, cmd, args)
}

func (m *Manager) do(ctx context.Context, conn *redisconn.Connection, cmd string, args []interface{}) (interface{}, error) {
	if m.closed.Load() {
		return nil, sentinel.ErrManagerClosed
	} else if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel.ErrConnectionLost, err)
	}

	res := redis.Sync{S: conn}.Do(cmd, args...)
	if err := redis.AsError(res); err != nil {
		return nil, mapErr(err)
	}
	return res, nil
}

// Close implements the method for the sentinel.Manager interface.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.pconn != nil {
			m.pconn.Close()
		}
		for _, rconn := range m.rconns {
			rconn.Close()
		}
		m.cancel()
	})
	return nil
}

// mapErr converts an error produced by redispipe into the sentinel package's
// error taxonomy. Errors which redis sent as a reply are returned as-is,
// unless they concern authentication.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"),
		strings.Contains(msg, "INVALID PASSWORD"):
		return fmt.Errorf("%w: %w", sentinel.ErrAuthentication, err)
	case errorx.IsOfType(err, redis.ErrResult):
		return err
	case errorx.HasTrait(err, redis.ErrTraitConnectivity),
		errorx.HasTrait(err, redis.ErrTraitNotSent):
		return fmt.Errorf("%w: %w", sentinel.ErrConnectionLost, err)
	default:
		return err
	}
}

// dialErr is like mapErr, but any error not otherwise classified is a lost
// connection.
func dialErr(err error) error {
	err = mapErr(err)
	if errors.Is(err, sentinel.ErrConnectionLost) || errors.Is(err, sentinel.ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel.ErrConnectionLost, err)
}
