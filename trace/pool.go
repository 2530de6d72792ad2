package trace

import (
	"context"
	"time"
)

// PoolTrace is passed into sentinel.PoolManagerFunc via
// sentinel.PoolWithTrace, and contains callbacks which can be triggered for
// specific events during a PoolManager's runtime.
//
// All callbacks are called synchronously.
type PoolTrace struct {
	// ConnCreated is called when a PoolManager dials a new connection to one
	// of its nodes.
	ConnCreated func(PoolConnCreated)

	// Closed is called when a PoolManager is closed.
	Closed func(PoolClosed)
}

// PoolCommon contains information which is passed into all Pool-related
// callbacks.
type PoolCommon struct {
	// Addr is the address of the node the pool connects to.
	Addr string

	// IsPrimary indicates whether the node is the group's primary.
	IsPrimary bool
}

// PoolConnCreated is passed into the PoolTrace.ConnCreated callback whenever
// a PoolManager creates a new connection.
type PoolConnCreated struct {
	PoolCommon

	// Context is the Context used when creating the connection.
	Context context.Context

	// ConnectTime is how long it took to create the connection.
	ConnectTime time.Duration

	// Err will be filled if creating the connection failed.
	Err error
}

// PoolClosed is passed into the PoolTrace.Closed callback whenever a
// PoolManager is closed.
type PoolClosed struct {
	// Primary is the address of the primary the PoolManager was created for.
	Primary string

	// ActiveCount is the number of connections, checked out or idle, which
	// were still open when Close was called.
	ActiveCount int
}
