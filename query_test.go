package sentinel

import (
	"context"
	"errors"
	"fmt"
	. "testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueryClient(fn func(args []string) interface{}) queryClient {
	src := Endpoint{Host: "127.0.0.1", Port: DefaultSentinelPort, Password: "pw"}
	return newQueryClient(Stub(src.Addr(), fn), src)
}

func TestQueryMasterAddr(t *T) {
	ctx := testCtx(t)
	q := testQueryClient(func(args []string) interface{} {
		switch args[2] {
		case "grp":
			return []string{"10.0.0.5", "6379"}
		case "short":
			return []string{"10.0.0.5"}
		case "badport":
			return []string{"10.0.0.5", "port"}
		case "noauth":
			return errors.New("NOAUTH Authentication required.")
		case "err":
			return errors.New("ERR something")
		default:
			return nil
		}
	})

	e, err := q.MasterAddr(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", e.Addr())

	for _, name := range []string{"unknown", "short", "badport", "err"} {
		_, err := q.MasterAddr(ctx, name)
		assert.ErrorIs(t, err, ErrDiscovery, "name:%q", name)
	}

	_, err = q.MasterAddr(ctx, "noauth")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.NotErrorIs(t, err, ErrDiscovery)

	q.conn.(*StubConn).Kill(nil)
	_, err = q.MasterAddr(ctx, "grp")
	assert.ErrorIs(t, err, ErrConnectionLost)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.MasterAddr(canceled, "grp")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryReplicas(t *T) {
	ctx := testCtx(t)
	rows := []map[string]string{
		{"name": "10.0.0.6:6379", "ip": "10.0.0.6", "port": "6379", "flags": "slave"},
		{"name": "10.0.0.7:6379", "ip": "10.0.0.7", "port": "6379", "flags": "slave,s_down"},
		{"name": "10.0.0.8:6379", "ip": "10.0.0.8", "port": "6379", "flags": "slave,disconnected"},
		{"name": "10.0.0.9:6379", "ip": "10.0.0.9", "port": "6379", "flags": "slave,o_down"},
		{"name": "10.0.0.10:6379", "ip": "10.0.0.10", "port": "6379", "flags": "slave"},
	}

	{ // modern sentinel
		q := testQueryClient(func(args []string) interface{} {
			if args[1] != "replicas" {
				return fmt.Errorf("ERR unknown subcommand '%s'", args[1])
			}
			return rows
		})
		es, err := q.Replicas(ctx, "grp")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.6:6379", "10.0.0.10:6379"}, addrsOf(es))
	}

	{ // legacy sentinel which only knows SENTINEL SLAVES
		q := testQueryClient(func(args []string) interface{} {
			if args[1] != "slaves" {
				return fmt.Errorf("ERR unknown subcommand '%s'", args[1])
			}
			return rows[:1]
		})
		es, err := q.Replicas(ctx, "grp")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.6:6379"}, addrsOf(es))
	}

	{ // no replicas
		q := testQueryClient(func([]string) interface{} { return []map[string]string{} })
		es, err := q.Replicas(ctx, "grp")
		require.NoError(t, err)
		assert.Empty(t, es)
	}

	{ // malformed row
		q := testQueryClient(func([]string) interface{} {
			return []map[string]string{{"ip": "10.0.0.6"}}
		})
		_, err := q.Replicas(ctx, "grp")
		assert.ErrorIs(t, err, ErrDiscovery)
		assert.ErrorIs(t, err, ErrProtocol)
	}

	{ // row which isn't a field/value array
		q := testQueryClient(func([]string) interface{} {
			return []interface{}{"not", "rows"}
		})
		_, err := q.Replicas(ctx, "grp")
		assert.ErrorIs(t, err, ErrProtocol)
	}
}

func TestQuerySentinels(t *T) {
	ctx := testCtx(t)
	q := testQueryClient(func([]string) interface{} {
		return []map[string]string{
			{"ip": "127.0.0.2", "port": "26379"},
			{"ip": "127.0.0.3", "port": "26380"},
		}
	})

	es, err := q.Sentinels(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.2:26379", "127.0.0.3:26380"}, addrsOf(es))
	for _, e := range es {
		assert.Equal(t, "pw", e.Password)
	}
}

func TestQueryMaster(t *T) {
	ctx := testCtx(t)
	master := map[string]string{"name": "grp", "ip": "10.0.0.5", "port": "6379", "flags": "master"}
	q := testQueryClient(func(args []string) interface{} {
		switch args[1] {
		case "master":
			return master
		case "masters":
			return []map[string]string{master}
		}
		return fmt.Errorf("ERR unknown subcommand '%s'", args[1])
	})

	m, err := q.Master(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, master, m)

	mm, err := q.Masters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{master}, mm)
}

func TestQuerySnapshot(t *T) {
	ctx := testCtx(t)
	q := testQueryClient(func(args []string) interface{} {
		switch args[1] {
		case "get-master-addr-by-name":
			return []string{"10.0.0.5", "6379"}
		case "replicas":
			return []map[string]string{{"ip": "10.0.0.6", "port": "6379", "flags": "slave"}}
		case "sentinels":
			return []map[string]string{{"ip": "127.0.0.2", "port": "26379"}}
		}
		return fmt.Errorf("ERR unknown subcommand '%s'", args[1])
	})

	snap, err := q.Snapshot(ctx, "grp", false)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", snap.Primary.Addr())
	assert.Equal(t, []string{"10.0.0.6:6379"}, snap.ReplicaAddrs())
	assert.Equal(t, []string{"127.0.0.1:26379"}, addrsOf(snap.Sentinels))
	assert.Equal(t, "127.0.0.1:26379", snap.Source.Addr())
	assert.False(t, snap.ObservedAt.IsZero())

	snap, err = q.Snapshot(ctx, "grp", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:26379", "127.0.0.2:26379"}, addrsOf(snap.Sentinels))
}
