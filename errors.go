package sentinel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// Errors which may be returned from Start, or passed to the OnWorkerError
// callback while the Sentinel is running. They are always wrapped, use
// errors.Is to check for them.
var (
	// ErrDiscovery indicates a sentinel answered, but did not have a usable
	// primary for the group. This is normal for a short time during a
	// failover.
	ErrDiscovery = errors.New("sentinel has no usable topology for group")

	// ErrConnectionLost indicates the connection to a sentinel failed, timed
	// out, or could not be made at all.
	ErrConnectionLost = errors.New("connection to sentinel lost")

	// ErrProtocol indicates a sentinel sent something which could not be
	// understood. It only ever applies to a single message.
	ErrProtocol = errors.New("malformed message from sentinel")

	// ErrAuthentication indicates a sentinel refused the credentials it was
	// given. That sentinel is skipped on the next discovery pass.
	ErrAuthentication = errors.New("sentinel authentication failed")

	// ErrManagerConstruction indicates the ManagerFunc returned an error or
	// panicked.
	ErrManagerConstruction = errors.New("could not construct manager")

	// ErrAllNodesUnreachable indicates that every known sentinel failed during
	// a single discovery pass.
	ErrAllNodesUnreachable = errors.New("all sentinels unreachable")
)

var (
	// ErrManagerClosed is returned from a Manager's methods once it has been
	// closed.
	ErrManagerClosed = errors.New("manager is closed")

	// ErrInvalidConfig is returned from New when its arguments can't be used.
	ErrInvalidConfig = errors.New("invalid sentinel configuration")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("sentinel already started")

	// ErrNotStarted is returned from Do and DoReadOnly if Start has not yet
	// returned successfully.
	ErrNotStarted = errors.New("sentinel not started")

	// ErrClosed is returned when a method is called on a closed Sentinel.
	ErrClosed = errors.New("sentinel is closed")
)

// NodeError wraps an error which was encountered while talking to a single
// sentinel.
type NodeError struct {
	Addr string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("sentinel %s: %s", e.Addr, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// StartupError is returned from Start when the initial discovery could not
// produce a Manager.
type StartupError struct {
	Group string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting sentinel for group %q: %s", e.Group, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// IsTemporary returns true if the error is of a kind which might go away if
// the same operation is tried again later.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDiscovery) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrAllNodesUnreachable) ||
		errors.Is(err, ErrManagerConstruction)
}

func isAuthErr(msg string) bool {
	msg = strings.ToUpper(msg)
	return strings.HasPrefix(msg, "NOAUTH") ||
		strings.HasPrefix(msg, "WRONGPASS") ||
		strings.Contains(msg, "INVALID PASSWORD") ||
		strings.Contains(msg, "INVALID USERNAME-PASSWORD")
}

// wrapErr classifies an error returned by redigo. Application level errors
// (ones which redis sent as a reply) are classified as onReply, unless they
// are authentication errors. Errors which have already been classified are
// returned as-is, everything else is a lost connection.
func wrapErr(err error, onReply error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		if isAuthErr(string(rerr)) {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return fmt.Errorf("%w: %w", onReply, err)
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrProtocol) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// panicErr converts a recovered panic value into an error.
func panicErr(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
