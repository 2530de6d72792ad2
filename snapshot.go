package sentinel

import "time"

// Snapshot is a point-in-time view of a group's topology, as reported by a
// single sentinel during a discovery pass. A Snapshot is never modified once
// created, a new one is made on every pass.
type Snapshot struct {
	// Primary is the address of the group's writable instance.
	Primary Endpoint `json:"primary" yaml:"primary"`

	// Replicas may be empty.
	Replicas []Endpoint `json:"replicas" yaml:"replicas"`

	// Sentinels is every sentinel known at the time the Snapshot was taken,
	// including any found through peer scanning.
	Sentinels []Endpoint `json:"sentinels" yaml:"sentinels"`

	// Source is the sentinel which answered the discovery pass.
	Source Endpoint `json:"source" yaml:"source"`

	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`
}

// SameNodes returns true if both Snapshots have the same primary and the same
// replicas, in the same order. Sentinels and timestamps are not considered.
func (s Snapshot) SameNodes(o Snapshot) bool {
	if !s.Primary.Equal(o.Primary) || len(s.Replicas) != len(o.Replicas) {
		return false
	}
	for i := range s.Replicas {
		if !s.Replicas[i].Equal(o.Replicas[i]) {
			return false
		}
	}
	return true
}

// ReplicaAddrs returns the Addr of each replica.
func (s Snapshot) ReplicaAddrs() []string {
	addrs := make([]string, len(s.Replicas))
	for i := range s.Replicas {
		addrs[i] = s.Replicas[i].Addr()
	}
	return addrs
}

func (s Snapshot) clone() Snapshot {
	s.Replicas = append([]Endpoint(nil), s.Replicas...)
	s.Sentinels = append([]Endpoint(nil), s.Sentinels...)
	return s
}
