package sentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

var errStubClosed = errors.New("use of closed network connection")

var errPubSubMode = redis.Error("ERR only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT allowed in this context")

type stubTimeoutError struct{}

func (stubTimeoutError) Error() string   { return "i/o timeout" }
func (stubTimeoutError) Timeout() bool   { return true }
func (stubTimeoutError) Temporary() bool { return true }

var _ net.Error = stubTimeoutError{}

// StubConn is a redis.Conn which pretends to be connected to a real redis (or
// sentinel) instance, but instead uses a callback to service requests. See
// Stub.
type StubConn struct {
	addr string
	fn   func([]string) interface{}

	l               sync.Mutex
	subbed, psubbed map[string]bool
	err             error

	replies   chan interface{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

var (
	_ redis.Conn            = (*StubConn)(nil)
	_ redis.ConnWithTimeout = (*StubConn)(nil)
)

// Stub returns a StubConn which services commands using the given callback.
// The callback receives the command and its arguments as strings. Its return
// value is converted to what redigo would have produced from a real reply:
// strings become bulk strings, ints become integers, a map[string]string
// becomes a flat array of field/value pairs (sorted by field), slices become
// arrays, and an error becomes an error reply.
//
// (P)SUBSCRIBE, (P)UNSUBSCRIBE and PING are handled by the stub itself as a
// real redis instance would handle them, and the Publish method can be used to
// deliver messages to any matching subscriptions.
//
// addr is only used as the return from RemoteAddr.
//
// This can be used to mock a sentinel, like so:
//
//	conn := sentinel.Stub("127.0.0.1:26379", func(args []string) interface{} {
//		if len(args) > 2 && args[1] == "get-master-addr-by-name" {
//			return []string{"127.0.0.1", "6379"}
//		}
//		return fmt.Errorf("ERR unknown command %q", args[0])
//	})
func Stub(addr string, fn func([]string) interface{}) *StubConn {
	return &StubConn{
		addr:    addr,
		fn:      fn,
		subbed:  map[string]bool{},
		psubbed: map[string]bool{},
		replies: make(chan interface{}, 1024),
		closeCh: make(chan struct{}),
	}
}

// RemoteAddr returns the addr the StubConn was created with.
func (s *StubConn) RemoteAddr() string {
	return s.addr
}

// Close implements the method for redis.Conn.
func (s *StubConn) Close() error {
	return s.Kill(nil)
}

// Kill closes the StubConn as if the network connection had been lost, causing
// all blocked and future calls to return the given error. If err is nil a
// generic closed-connection error is used.
func (s *StubConn) Kill(err error) error {
	if err == nil {
		err = &net.OpError{Op: "read", Net: "tcp", Err: errStubClosed}
	}
	var closed bool
	s.closeOnce.Do(func() {
		s.l.Lock()
		s.err = err
		s.l.Unlock()
		close(s.closeCh)
		closed = true
	})
	if !closed {
		return errStubClosed
	}
	return nil
}

// Err implements the method for redis.Conn.
func (s *StubConn) Err() error {
	s.l.Lock()
	defer s.l.Unlock()
	return s.err
}

func (s *StubConn) pubsubMode() bool {
	return len(s.subbed)+len(s.psubbed) > 0
}

// Do implements the method for redis.Conn.
func (s *StubConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}
	if cmd == "" {
		return nil, nil
	}

	s.l.Lock()
	inPubSub := s.pubsubMode()
	s.l.Unlock()
	if inPubSub {
		return nil, errPubSubMode
	}

	reply := stubReply(s.fn(stubArgs(cmd, args)))
	if err, ok := reply.(redis.Error); ok {
		return nil, err
	}
	return reply, nil
}

// DoWithTimeout implements the method for redis.ConnWithTimeout.
func (s *StubConn) DoWithTimeout(_ time.Duration, cmd string, args ...interface{}) (interface{}, error) {
	return s.Do(cmd, args...)
}

// DoContext implements the method for redis.ConnWithContext.
func (s *StubConn) DoContext(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Do(cmd, args...)
}

// Send implements the method for redis.Conn.
func (s *StubConn) Send(cmd string, args ...interface{}) error {
	if err := s.Err(); err != nil {
		return err
	}

	ss := stubArgs(cmd, args)
	s.l.Lock()
	defer s.l.Unlock()

	subReply := func(kind, subj string) {
		s.push([]interface{}{[]byte(kind), []byte(subj), int64(len(s.subbed) + len(s.psubbed))})
	}

	switch strings.ToUpper(ss[0]) {
	case "SUBSCRIBE":
		for _, ch := range ss[1:] {
			s.subbed[ch] = true
			subReply("subscribe", ch)
		}
	case "UNSUBSCRIBE":
		for _, ch := range ss[1:] {
			delete(s.subbed, ch)
			subReply("unsubscribe", ch)
		}
	case "PSUBSCRIBE":
		for _, p := range ss[1:] {
			s.psubbed[p] = true
			subReply("psubscribe", p)
		}
	case "PUNSUBSCRIBE":
		for _, p := range ss[1:] {
			delete(s.psubbed, p)
			subReply("punsubscribe", p)
		}
	case "PING":
		if !s.pubsubMode() {
			s.push(stubReply(s.fn(ss)))
			break
		}
		var data string
		if len(ss) > 1 {
			data = ss[1]
		}
		s.push([]interface{}{[]byte("pong"), []byte(data)})
	default:
		if s.pubsubMode() {
			s.push(errPubSubMode)
			break
		}
		s.push(stubReply(s.fn(ss)))
	}
	return nil
}

// must be called with s.l held
func (s *StubConn) push(reply interface{}) {
	select {
	case s.replies <- reply:
	default:
		panic("StubConn reply buffer is full")
	}
}

// Flush implements the method for redis.Conn.
func (s *StubConn) Flush() error {
	return s.Err()
}

// Receive implements the method for redis.Conn.
func (s *StubConn) Receive() (interface{}, error) {
	return s.receive(nil, nil)
}

// ReceiveWithTimeout implements the method for redis.ConnWithTimeout.
func (s *StubConn) ReceiveWithTimeout(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		return s.receive(nil, nil)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	return s.receive(t.C, nil)
}

// ReceiveContext implements the method for redis.ConnWithContext.
func (s *StubConn) ReceiveContext(ctx context.Context) (interface{}, error) {
	return s.receive(nil, ctx.Done())
}

func (s *StubConn) receive(timeoutCh <-chan time.Time, doneCh <-chan struct{}) (interface{}, error) {
	select {
	case <-s.closeCh:
		return nil, s.Err()
	default:
	}

	select {
	case reply := <-s.replies:
		if err, ok := reply.(redis.Error); ok {
			return nil, err
		}
		return reply, nil
	case <-s.closeCh:
		return nil, s.Err()
	case <-timeoutCh:
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: stubTimeoutError{}}
	case <-doneCh:
		return nil, context.Canceled
	}
}

// Publish delivers the message to the StubConn as if it had been published on
// the given channel, if the StubConn is subscribed to a channel or pattern
// matching it. It returns the number of subscriptions which matched.
func (s *StubConn) Publish(channel, message string) int {
	s.l.Lock()
	defer s.l.Unlock()

	select {
	case <-s.closeCh:
		return 0
	default:
	}

	var n int
	if s.subbed[channel] {
		s.push([]interface{}{[]byte("message"), []byte(channel), []byte(message)})
		n++
	}

	patterns := make([]string, 0, len(s.psubbed))
	for p := range s.psubbed {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if !globMatch(p, channel) {
			continue
		}
		s.push([]interface{}{[]byte("pmessage"), []byte(p), []byte(channel), []byte(message)})
		n++
	}
	return n
}

func stubArgs(cmd string, args []interface{}) []string {
	ss := make([]string, 0, len(args)+1)
	ss = append(ss, cmd)
	for _, arg := range args {
		switch a := arg.(type) {
		case []byte:
			ss = append(ss, string(a))
		default:
			ss = append(ss, fmt.Sprint(a))
		}
	}
	return ss
}

// stubReply converts a value returned from a Stub callback into the form
// redigo would have decoded from the wire.
func stubReply(v interface{}) interface{} {
	switch vv := v.(type) {
	case nil, []byte, int64, redis.Error:
		return vv
	case StubStatus:
		return string(vv)
	case string:
		return []byte(vv)
	case int:
		return int64(vv)
	case bool:
		if vv {
			return int64(1)
		}
		return int64(0)
	case error:
		return redis.Error(vv.Error())
	case []string:
		out := make([]interface{}, len(vv))
		for i := range vv {
			out[i] = []byte(vv[i])
		}
		return out
	case map[string]string:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(vv)*2)
		for _, k := range keys {
			out = append(out, []byte(k), []byte(vv[k]))
		}
		return out
	case []map[string]string:
		out := make([]interface{}, len(vv))
		for i := range vv {
			out[i] = stubReply(vv[i])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i := range vv {
			out[i] = stubReply(vv[i])
		}
		return out
	default:
		return []byte(fmt.Sprint(vv))
	}
}

// StubStatus wraps a string so that, when returned from a Stub callback, it is
// given to the caller as a simple string reply (e.g. "OK") rather than a bulk
// string.
type StubStatus string

// Subscribed returns true if a message published on the given channel would be
// delivered to the StubConn.
func (s *StubConn) Subscribed(channel string) bool {
	s.l.Lock()
	defer s.l.Unlock()

	select {
	case <-s.closeCh:
		return false
	default:
	}

	if s.subbed[channel] {
		return true
	}
	for p := range s.psubbed {
		if globMatch(p, channel) {
			return true
		}
	}
	return false
}
