package sentinel

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/mediocregopher/sentinel/trace"
)

// ConnFunc is used to create connections to redis and sentinel instances.
type ConnFunc func(ctx context.Context, e Endpoint) (redis.Conn, error)

// DefaultConnFunc is a ConnFunc which dials the Endpoint over tcp, using the
// options returned by its DialOptions method.
func DefaultConnFunc(ctx context.Context, e Endpoint) (redis.Conn, error) {
	return redis.DialContext(ctx, "tcp", e.Addr(), e.DialOptions()...)
}

// HostFilter transforms an address discovered through a sentinel before a
// Manager is created for it, e.g. to set a DB on every node. It must have no
// side-effects.
type HostFilter func(Endpoint) Endpoint

type opts struct {
	cf                  ConnFunc
	mf                  ManagerFunc
	hostFilter          HostFilter
	scanForPeers        bool
	onFailover          func(Manager)
	onWorkerError       func(error)
	onNotification      func(channel, message string)
	backoff             Backoff
	graceWindow         time.Duration
	healthCheckInterval time.Duration
	refreshInterval     time.Duration
	queryTimeout        time.Duration
	shutdownTimeout     time.Duration
	logger              *slog.Logger
	st                  trace.SentinelTrace
}

// Opt is an optional behavior which can be applied to New to effect a
// Sentinel's behavior.
type Opt func(*opts)

// WithConnFunc tells the Sentinel to use the given ConnFunc when connecting to
// sentinel instances. It is not used for connecting to the group's primary
// and replicas, see PoolConnFunc for that.
func WithConnFunc(cf ConnFunc) Opt {
	return func(o *opts) {
		o.cf = cf
	}
}

// WithManagerFunc tells the Sentinel to use the given ManagerFunc when
// creating a Manager for the group's current topology.
func WithManagerFunc(mf ManagerFunc) Opt {
	return func(o *opts) {
		o.mf = mf
	}
}

// WithHostFilter tells the Sentinel to pass every primary and replica address
// it discovers through the given function before creating a Manager.
func WithHostFilter(hf HostFilter) Opt {
	return func(o *opts) {
		o.hostFilter = hf
	}
}

// WithScanForPeers tells the Sentinel to ask for the other sentinels
// monitoring the group on every discovery, and to add any it doesn't know
// about to its list of sentinels. Sentinels are never removed from the list.
func WithScanForPeers(scan bool) Opt {
	return func(o *opts) {
		o.scanForPeers = scan
	}
}

// WithOnFailover sets a callback which is called with every newly published
// Manager, including the first.
func WithOnFailover(fn func(Manager)) Opt {
	return func(o *opts) {
		o.onFailover = fn
	}
}

// WithOnWorkerError sets a callback which is called with every error
// encountered by the Sentinel's background go-routine. None of these errors
// are fatal.
func WithOnWorkerError(fn func(error)) Opt {
	return func(o *opts) {
		o.onWorkerError = fn
	}
}

// WithOnNotification sets a callback which is called with every notification
// received from a sentinel, whether or not it is acted on.
func WithOnNotification(fn func(channel, message string)) Opt {
	return func(o *opts) {
		o.onNotification = fn
	}
}

// WithBackoff sets how long the Sentinel waits before retrying discovery,
// after a pass in which every sentinel failed.
func WithBackoff(b Backoff) Opt {
	return func(o *opts) {
		o.backoff = b
	}
}

// WithGraceWindow sets how long a Manager which has been replaced is kept
// open before it is Closed.
func WithGraceWindow(d time.Duration) Opt {
	return func(o *opts) {
		o.graceWindow = d
	}
}

// WithHealthCheckInterval sets how often the subscribed sentinel is PINGed.
// If nothing is heard from it for one and a half intervals it is considered
// lost. Zero disables the health check.
func WithHealthCheckInterval(d time.Duration) Opt {
	return func(o *opts) {
		o.healthCheckInterval = d
	}
}

// WithRefreshInterval sets how often discovery is performed even if no
// notification has been received, in case one was missed.
func WithRefreshInterval(d time.Duration) Opt {
	return func(o *opts) {
		o.refreshInterval = d
	}
}

// WithQueryTimeout sets the time limit on discovery against a single
// sentinel, including connecting to it.
func WithQueryTimeout(d time.Duration) Opt {
	return func(o *opts) {
		o.queryTimeout = d
	}
}

// WithShutdownTimeout sets how long Close waits for the background
// go-routine to exit.
func WithShutdownTimeout(d time.Duration) Opt {
	return func(o *opts) {
		o.shutdownTimeout = d
	}
}

// WithLogger sets the logger the Sentinel writes to. By default nothing is
// logged.
func WithLogger(l *slog.Logger) Opt {
	return func(o *opts) {
		o.logger = l
	}
}

// WithTrace tells the Sentinel to trace itself with the given SentinelTrace.
// Note that SentinelTrace will block every point that you set to trace.
func WithTrace(st trace.SentinelTrace) Opt {
	return func(o *opts) {
		o.st = st
	}
}

func defaultOpts() []Opt {
	return []Opt{
		WithConnFunc(DefaultConnFunc),
		WithManagerFunc(PoolManagerFunc()),
		WithBackoff(ExponentialBackoff{Base: 250 * time.Millisecond, Max: 10 * time.Second}),
		WithGraceWindow(1 * time.Second),
		WithHealthCheckInterval(10 * time.Second),
		WithRefreshInterval(30 * time.Second),
		WithQueryTimeout(5 * time.Second),
		WithShutdownTimeout(5 * time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}
