package sentinel

import (
	"context"
	"fmt"
	"net"
	"sync"
	. "testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediocregopher/sentinel/trace"
)

// nodeStubs creates StubConns which answer WHOAMI with their own address and db.
type nodeStubs struct {
	sync.Mutex
	down  map[string]bool
	dials map[string]int
	conns []*StubConn
}

func newNodeStubs() *nodeStubs {
	return &nodeStubs{down: map[string]bool{}, dials: map[string]int{}}
}

func (ns *nodeStubs) connFunc(_ context.Context, e Endpoint) (redis.Conn, error) {
	ns.Lock()
	defer ns.Unlock()
	addr := e.Addr()
	ns.dials[addr]++
	if ns.down[addr] {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection to %q refused", addr)}
	}
	conn := Stub(addr, func(args []string) interface{} {
		switch args[0] {
		case "PING":
			return StubStatus("PONG")
		case "WHOAMI":
			return fmt.Sprintf("%s/%d", addr, e.DB)
		default:
			return fmt.Errorf("ERR unknown command %q", args[0])
		}
	})
	ns.conns = append(ns.conns, conn)
	return conn, nil
}

type doFunc func(context.Context, string, ...interface{}) (interface{}, error)

func whoami(t *T, ctx context.Context, do doFunc) string {
	s, err := redis.String(do(ctx, "WHOAMI"))
	require.NoError(t, err)
	return s
}

func TestPoolManager(t *T) {
	ctx := testCtx(t)
	ns := newNodeStubs()

	var l sync.Mutex
	var created []trace.PoolConnCreated
	var closed []trace.PoolClosed
	pt := trace.PoolTrace{
		ConnCreated: func(pcc trace.PoolConnCreated) {
			l.Lock()
			defer l.Unlock()
			created = append(created, pcc)
		},
		Closed: func(pc trace.PoolClosed) {
			l.Lock()
			defer l.Unlock()
			closed = append(closed, pc)
		},
	}

	primary := Endpoint{Host: "10.0.0.5", Port: 6379, DB: 2}
	replicas := []Endpoint{
		{Host: "10.0.0.6", Port: 6379, DB: 2},
		{Host: "10.0.0.7", Port: 6379, DB: 2},
	}
	pm, err := NewPoolManager(primary, replicas, PoolConnFunc(ns.connFunc), PoolWithTrace(pt))
	require.NoError(t, err)

	// the primary is connected to on creation
	l.Lock()
	require.Len(t, created, 1)
	assert.Equal(t, "10.0.0.5:6379", created[0].Addr)
	assert.True(t, created[0].IsPrimary)
	assert.NoError(t, created[0].Err)
	l.Unlock()

	assert.Equal(t, primary, pm.Primary())
	assert.Equal(t, replicas, pm.Replicas())

	assert.Equal(t, "10.0.0.5:6379/2", whoami(t, ctx, pm.Do))
	assert.Equal(t, "10.0.0.6:6379/2", whoami(t, ctx, pm.DoReadOnly))
	assert.Equal(t, "10.0.0.7:6379/2", whoami(t, ctx, pm.DoReadOnly))
	assert.Equal(t, "10.0.0.6:6379/2", whoami(t, ctx, pm.DoReadOnly))

	// connections are re-used
	assert.Equal(t, "10.0.0.5:6379/2", whoami(t, ctx, pm.Do))
	ns.Lock()
	assert.Equal(t, map[string]int{"10.0.0.5:6379": 1, "10.0.0.6:6379": 1, "10.0.0.7:6379": 1}, ns.dials)
	ns.Unlock()
	assert.Equal(t, 3, pm.ActiveCount())

	conn, err := pm.Conn(ctx)
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	l.Lock()
	require.Len(t, closed, 1)
	assert.Equal(t, trace.PoolClosed{Primary: "10.0.0.5:6379", ActiveCount: 3}, closed[0])
	l.Unlock()

	// a connection which was checked out before Close still works
	res, err := redis.String(conn.Do("WHOAMI"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379/2", res)
	conn.Close()

	_, err = pm.Do(ctx, "WHOAMI")
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = pm.DoReadOnly(ctx, "WHOAMI")
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = pm.ReadOnlyConn(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestPoolManagerNoReplicas(t *T) {
	ctx := testCtx(t)
	ns := newNodeStubs()
	pm, err := NewPoolManager(NewEndpoint("10.0.0.5", 6379), nil, PoolConnFunc(ns.connFunc))
	require.NoError(t, err)
	defer pm.Close()

	assert.Empty(t, pm.Replicas())
	assert.Equal(t, "10.0.0.5:6379/0", whoami(t, ctx, pm.DoReadOnly))
}

func TestPoolManagerReplicaDown(t *T) {
	ctx := testCtx(t)
	ns := newNodeStubs()
	ns.down["10.0.0.6:6379"] = true

	pm, err := NewPoolManager(
		NewEndpoint("10.0.0.5", 6379),
		[]Endpoint{NewEndpoint("10.0.0.6", 6379)},
		PoolConnFunc(ns.connFunc),
	)
	require.NoError(t, err)
	defer pm.Close()

	assert.Equal(t, "10.0.0.5:6379/0", whoami(t, ctx, pm.DoReadOnly))
}

func TestPoolManagerPrimaryDown(t *T) {
	ns := newNodeStubs()
	ns.down["10.0.0.5:6379"] = true

	_, err := NewPoolManager(NewEndpoint("10.0.0.5", 6379), nil, PoolConnFunc(ns.connFunc))
	assert.Error(t, err)

	// without verification creation succeeds, but commands fail
	pm, err := NewPoolManager(NewEndpoint("10.0.0.5", 6379), nil,
		PoolConnFunc(ns.connFunc),
		PoolVerifyOnCreate(false),
	)
	require.NoError(t, err)
	defer pm.Close()
	_, err = pm.Do(testCtx(t), "WHOAMI")
	assert.Error(t, err)
}

func TestPoolManagerVerifyTimeout(t *T) {
	hang := func(ctx context.Context, _ Endpoint) (redis.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := NewPoolManager(NewEndpoint("10.0.0.5", 6379), nil,
		PoolConnFunc(hang),
		PoolVerifyTimeout(50*time.Millisecond),
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// a shorter ConnectTimeout on the Endpoint wins
	e := NewEndpoint("10.0.0.5", 6379)
	e.ConnectTimeout = 50 * time.Millisecond
	start = time.Now()
	_, err = NewPoolManager(e, nil,
		PoolConnFunc(hang),
		PoolVerifyTimeout(time.Hour),
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoolManagerTestAfter(t *T) {
	ctx := testCtx(t)
	ns := newNodeStubs()
	pm, err := NewPoolManager(NewEndpoint("10.0.0.5", 6379), nil,
		PoolConnFunc(ns.connFunc),
		PoolTestAfter(time.Nanosecond),
		PoolMaxIdle(1),
		PoolMaxActive(1),
		PoolWait(true),
		PoolIdleTimeout(time.Minute),
	)
	require.NoError(t, err)
	defer pm.Close()

	// the idle connection made during creation dies, so it fails the PING it
	// gets when next checked out and is replaced
	ns.Lock()
	require.Len(t, ns.conns, 1)
	ns.conns[0].Kill(nil)
	ns.Unlock()

	assert.Equal(t, "10.0.0.5:6379/0", whoami(t, ctx, pm.Do))
	assert.Equal(t, 1, pm.ActiveCount())
	ns.Lock()
	assert.Equal(t, 2, ns.dials["10.0.0.5:6379"])
	ns.Unlock()
}

func TestPoolManagerFunc(t *T) {
	ns := newNodeStubs()
	mf := PoolManagerFunc(PoolConnFunc(ns.connFunc))

	_, err := mf(nil, nil)
	assert.Error(t, err)

	m, err := mf([]Endpoint{NewEndpoint("10.0.0.5", 6379)}, []Endpoint{NewEndpoint("10.0.0.6", 6379)})
	require.NoError(t, err)
	defer m.Close()
	assert.IsType(t, new(PoolManager), m)
	assert.Equal(t, "10.0.0.5:6379", m.Primary().Addr())
	assert.Len(t, m.Replicas(), 1)
}
