package sentinel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// EventKind describes what a sentinel notification means for the monitored
// group.
type EventKind int

// All possible values of EventKind.
const (
	EventOther EventKind = iota
	EventMasterSwitched
	EventReplicaAdded
	EventReplicaRemoved
	EventSentinelAdded
)

func (k EventKind) String() string {
	switch k {
	case EventMasterSwitched:
		return "master-switched"
	case EventReplicaAdded:
		return "replica-added"
	case EventReplicaRemoved:
		return "replica-removed"
	case EventSentinelAdded:
		return "sentinel-added"
	default:
		return "other"
	}
}

// Event is a single decoded notification from a sentinel.
type Event struct {
	Kind EventKind

	// Channel and Payload are the raw notification, e.g. "+switch-master" and
	// "mymaster 10.0.0.5 6379 10.0.0.9 6380".
	Channel, Payload string

	// Group is the name of the group the notification is about, if it could be
	// determined.
	Group string

	// Addr is the instance the notification is about: the new primary for
	// EventMasterSwitched, the replica or sentinel for the others.
	Addr Endpoint

	// Err is set, wrapping ErrProtocol, if the payload was malformed. Kind is
	// always EventOther in that case.
	Err error
}

// parseEvent decodes a notification. Events about groups other than the given
// one are returned with EventOther.
//
// The payload of +switch-master is:
//
//	<group> <old-ip> <old-port> <new-ip> <new-port>
//
// and that of instance events (+slave, +sdown, +sentinel, ...) is:
//
//	<instance-type> <name> <ip> <port> @ <group> <group-ip> <group-port>
func parseEvent(group, channel, payload string) Event {
	ev := Event{Channel: channel, Payload: payload}
	parts := strings.Fields(payload)

	if channel == "+switch-master" {
		if len(parts) != 5 {
			ev.Err = fmt.Errorf("%w: %s payload %q", ErrProtocol, channel, payload)
			return ev
		}
		ev.Group = parts[0]
		addr, err := endpointFromReply(parts[3], parts[4])
		if err != nil {
			ev.Err = fmt.Errorf("%w: %s payload %q", err, channel, payload)
			ev.Group = ""
			return ev
		}
		ev.Addr = addr
		if ev.Group == group {
			ev.Kind = EventMasterSwitched
		}
		return ev
	}

	var instType string
	if len(parts) >= 4 {
		instType = parts[0]
		if addr, err := endpointFromReply(parts[2], parts[3]); err == nil {
			ev.Addr = addr
		}
	}
	for i := range parts {
		if parts[i] == "@" && i+1 < len(parts) {
			ev.Group = parts[i+1]
			break
		}
	}
	// a master instance event has no "@ ..." suffix, the group is the name
	if ev.Group == "" && instType == "master" {
		ev.Group = parts[1]
	}
	if ev.Group != group {
		return ev
	}

	switch {
	case channel == "+slave":
		ev.Kind = EventReplicaAdded
	case channel == "-sdown" && instType == "slave":
		ev.Kind = EventReplicaAdded
	case channel == "+sdown" && instType == "slave":
		ev.Kind = EventReplicaRemoved
	case channel == "+sentinel":
		ev.Kind = EventSentinelAdded
	case channel == "+failover-end" || channel == "+convert-to-slave":
		ev.Kind = EventMasterSwitched
	}
	return ev
}

// listener holds a single subscription to a sentinel's notifications and
// decodes them into Events.
type listener struct {
	addr  Endpoint
	group string
	psc   redis.PubSubConn

	healthCheckInterval time.Duration

	eventCh chan Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	errL sync.Mutex
	err  error

	closeOnce sync.Once
}

// subscribe connects to the sentinel at the given Endpoint and subscribes to
// all of its notifications. Events are read using Events until the connection
// is lost or Close is called.
//
// A PING is sent every healthCheckInterval, and if nothing at all is received
// for one and a half of those intervals the connection is considered lost.
func subscribe(ctx context.Context, cf ConnFunc, e Endpoint, group string, healthCheckInterval time.Duration) (*listener, error) {
	conn, err := cf(ctx, e)
	if err != nil {
		return nil, wrapErr(err, ErrConnectionLost)
	}

	l := &listener{
		addr:                e,
		group:               group,
		psc:                 redis.PubSubConn{Conn: conn},
		healthCheckInterval: healthCheckInterval,
		eventCh:             make(chan Event),
	}

	// the handshake is bounded by ctx, closing the connection is the only way
	// to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = l.handshake(ctx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: subscribing: %w", ErrConnectionLost, ctxErr)
		}
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(2)
	go l.spin(innerCtx)
	go l.pingSpin(innerCtx)
	return l, nil
}

// handshake sends the PSUBSCRIBE and waits for its confirmation, for no
// longer than ctx's deadline.
func (l *listener) handshake(ctx context.Context) error {
	if err := l.psc.PSubscribe("*"); err != nil {
		return wrapErr(err, ErrConnectionLost)
	}

	timeout := l.receiveTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout <= 0 || d < timeout {
			timeout = max(d, time.Millisecond)
		}
	}

	// the first reply must be the subscription confirmation, anything else
	// means this isn't a sentinel we can use.
	switch v := l.psc.ReceiveWithTimeout(timeout).(type) {
	case redis.Subscription:
		return nil
	case error:
		return wrapErr(v, ErrConnectionLost)
	default:
		return fmt.Errorf("%w: unexpected reply %T to PSUBSCRIBE", ErrConnectionLost, v)
	}
}

func (l *listener) receiveTimeout() time.Duration {
	if l.healthCheckInterval <= 0 {
		return 0
	}
	return l.healthCheckInterval * 3 / 2
}

// Events returns the channel Events are written to. It is closed once the
// listener stops, after which Err returns the reason.
func (l *listener) Events() <-chan Event {
	return l.eventCh
}

// Err returns the error which caused the Events channel to close. It returns
// nil if the listener was closed using Close.
func (l *listener) Err() error {
	l.errL.Lock()
	defer l.errL.Unlock()
	return l.err
}

func (l *listener) setErr(err error) {
	l.errL.Lock()
	defer l.errL.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *listener) spin(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.eventCh)

	for {
		var ev Event
		switch v := l.psc.ReceiveWithTimeout(l.receiveTimeout()).(type) {
		case redis.Message:
			ev = parseEvent(l.group, v.Channel, string(v.Data))
		case redis.Subscription:
			if v.Count == 0 {
				l.setErr(fmt.Errorf("%w: subscription removed", ErrConnectionLost))
				return
			}
			continue
		case redis.Pong:
			continue
		case error:
			if ctx.Err() == nil {
				l.setErr(wrapErr(v, ErrConnectionLost))
			}
			return
		default:
			continue
		}

		select {
		case l.eventCh <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (l *listener) pingSpin(ctx context.Context) {
	defer l.wg.Done()
	if l.healthCheckInterval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(l.healthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			// if this fails then the read side will notice soon enough
			_ = l.psc.Ping("")
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the listener and closes its connection. It blocks until the
// listener's go-routines have exited, no Events will be written after it
// returns.
func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.psc.Close()
		// drain so spin isn't stuck trying to write an Event
		go func() {
			for range l.eventCh {
			}
		}()
		l.wg.Wait()
	})
	return err
}
