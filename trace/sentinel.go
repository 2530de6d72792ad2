package trace

import "time"

// SentinelTrace is passed into sentinel.New via sentinel.WithTrace, and
// contains callbacks which can be triggered for specific events during the
// Sentinel's runtime.
//
// All callbacks are called synchronously, from the Sentinel's background
// go-routine (or from Start, for the first discovery).
type SentinelTrace struct {
	// TopoChanged is called when the Sentinel's replica set's topology changes.
	TopoChanged func(SentinelTopoChanged)

	// Swapped is called after a new manager has been published.
	Swapped func(SentinelSwapped)

	// DiscoveryFailed is called whenever discovery against a single sentinel
	// fails, and once more (with an empty Addr) if a whole pass fails.
	DiscoveryFailed func(SentinelDiscoveryFailed)

	// ListenerClosed is called when the subscription to a sentinel's
	// notifications ends for any reason other than the Sentinel closing it.
	ListenerClosed func(SentinelListenerClosed)
}

// SentinelNodeInfo describes the attributes of a node in a sentinel replica
// set's topology.
type SentinelNodeInfo struct {
	Addr      string
	IsPrimary bool
}

// SentinelTopoChanged is passed into the SentinelTrace.TopoChanged callback
// whenever the Sentinel's replica set's topology has changed.
type SentinelTopoChanged struct {
	Added   []SentinelNodeInfo
	Removed []SentinelNodeInfo
	Changed []SentinelNodeInfo
}

// SentinelSwapped is passed into the SentinelTrace.Swapped callback whenever
// a new manager is published.
type SentinelSwapped struct {
	// Generation is incremented on every swap, the first published manager
	// has Generation 1.
	Generation uint64

	Primary  string
	Replicas []string

	// BuildTime is how long the new manager took to construct.
	BuildTime time.Duration
}

// SentinelDiscoveryFailed is passed into the SentinelTrace.DiscoveryFailed
// callback.
type SentinelDiscoveryFailed struct {
	// Addr is the sentinel which was queried, or empty if every sentinel
	// failed.
	Addr string

	// Attempt counts consecutive failed passes, starting at 1 for the first.
	// It is zero for failures of a single sentinel.
	Attempt int

	Err error
}

// SentinelListenerClosed is passed into the SentinelTrace.ListenerClosed
// callback.
type SentinelListenerClosed struct {
	Addr string
	Err  error
}
