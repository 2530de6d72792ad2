package sentinel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// queryClient performs the read-only SENTINEL commands used for discovery
// against a single sentinel. It does no retrying of its own.
type queryClient struct {
	conn redis.Conn
	src  Endpoint
}

func newQueryClient(conn redis.Conn, src Endpoint) queryClient {
	return queryClient{conn: conn, src: src}
}

func (q queryClient) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		return redis.DoWithTimeout(q.conn, time.Until(deadline), cmd, args...)
	}
	return q.conn.Do(cmd, args...)
}

// MasterAddr returns the address of the group's current primary. If the
// sentinel doesn't know of one (e.g. because a failover is in progress) an
// ErrDiscovery is returned.
func (q queryClient) MasterAddr(ctx context.Context, name string) (Endpoint, error) {
	ss, err := redis.Strings(q.do(ctx, "SENTINEL", "get-master-addr-by-name", name))
	if errors.Is(err, redis.ErrNil) {
		return Endpoint{}, fmt.Errorf("%w: no primary known for %q", ErrDiscovery, name)
	} else if err != nil {
		return Endpoint{}, wrapErr(err, ErrDiscovery)
	} else if len(ss) != 2 {
		return Endpoint{}, fmt.Errorf("%w: malformed get-master-addr-by-name reply %q", ErrDiscovery, ss)
	}

	e, err := endpointFromReply(ss[0], ss[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return e, nil
}

// Replicas returns the group's healthy replicas. Replicas which the sentinel
// considers down or disconnected are not included.
func (q queryClient) Replicas(ctx context.Context, name string) ([]Endpoint, error) {
	rows, err := q.table(ctx, "SENTINEL", "replicas", name)
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.Contains(strings.ToLower(string(rerr)), "unknown") {
		// sentinels older than 5.0 only know the old name
		rows, err = q.table(ctx, "SENTINEL", "slaves", name)
	}
	if err != nil {
		return nil, wrapErr(err, ErrDiscovery)
	}

	var es []Endpoint
	for _, row := range rows {
		if isDown(row["flags"]) {
			continue
		}
		e, err := endpointFromReply(row["ip"], row["port"])
		if err != nil {
			return nil, fmt.Errorf("%w: replica: %w", ErrDiscovery, err)
		}
		es = append(es, e)
	}
	return es, nil
}

// Sentinels returns the other sentinels monitoring the group. The sentinel
// being queried is not included in its own reply. Returned Endpoints inherit
// the connection parameters (credentials, timeouts) of the queried sentinel.
func (q queryClient) Sentinels(ctx context.Context, name string) ([]Endpoint, error) {
	rows, err := q.table(ctx, "SENTINEL", "sentinels", name)
	if err != nil {
		return nil, wrapErr(err, ErrDiscovery)
	}

	es := make([]Endpoint, 0, len(rows))
	for _, row := range rows {
		e, err := endpointFromReply(row["ip"], row["port"])
		if err != nil {
			return nil, fmt.Errorf("%w: sentinel: %w", ErrDiscovery, err)
		}
		es = append(es, q.src.withAddr(e))
	}
	return es, nil
}

// Master returns the raw SENTINEL MASTER row for the group.
func (q queryClient) Master(ctx context.Context, name string) (map[string]string, error) {
	m, err := redis.StringMap(q.do(ctx, "SENTINEL", "master", name))
	if err != nil {
		return nil, wrapErr(err, ErrDiscovery)
	}
	return m, nil
}

// Masters returns the raw SENTINEL MASTERS rows.
func (q queryClient) Masters(ctx context.Context) ([]map[string]string, error) {
	rows, err := q.table(ctx, "SENTINEL", "masters")
	if err != nil {
		return nil, wrapErr(err, ErrDiscovery)
	}
	return rows, nil
}

// table performs a command whose reply is an array of flat field/value
// arrays.
func (q queryClient) table(ctx context.Context, cmd string, args ...interface{}) ([]map[string]string, error) {
	vals, err := redis.Values(q.do(ctx, cmd, args...))
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]string, 0, len(vals))
	for _, v := range vals {
		row, err := redis.StringMap(v, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Snapshot performs a full discovery for the group. When withPeers is false
// the Snapshot's Sentinels only contains the queried sentinel.
func (q queryClient) Snapshot(ctx context.Context, name string, withPeers bool) (Snapshot, error) {
	snap := Snapshot{Source: q.src, Sentinels: []Endpoint{q.src}}

	var err error
	if snap.Primary, err = q.MasterAddr(ctx, name); err != nil {
		return Snapshot{}, err
	}
	if snap.Replicas, err = q.Replicas(ctx, name); err != nil {
		return Snapshot{}, err
	}
	if withPeers {
		peers, err := q.Sentinels(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Sentinels = append(snap.Sentinels, peers...)
	}
	snap.ObservedAt = time.Now()
	return snap, nil
}

func isDown(flags string) bool {
	for _, f := range strings.Split(flags, ",") {
		switch f {
		case "s_down", "o_down", "disconnected":
			return true
		}
	}
	return false
}
