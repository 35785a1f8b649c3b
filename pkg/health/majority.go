// Package health answers two questions the leave/partition protocol needs:
// "is a majority of the roster still reachable" (a literal TCP dial, the
// way group.c's check_majority does it) and "how suspicious is this peer"
// (an advisory phi-accrual score fed by heartbeat observations).
package health

import (
	"net"
	"time"
)

// Peer is the address a reachability probe dials.
type Peer struct {
	ID   string
	Addr string
}

// Dialer opens a connection to addr, or returns an error if unreachable.
// Grounded on group.c's check_majority, which treats a successful TCP
// connect as "alive" and a failed one as "unreachable" — no handshake.
type Dialer func(addr string, timeout time.Duration) error

// TCPDialer is the production Dialer: a plain net.DialTimeout probe.
func TCPDialer(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HasMajority reports whether at least half+1 of peers are reachable.
// peers is the roster as it stood before excluded departed — group.c's
// check_majority counts nr_nodes from the full sd_node_list including the
// departing node, and its reachability loop skips only the departing
// node, treating self as trivially reachable without a dial. Rosters
// smaller than 3 always pass (counted pre-exclusion, same as group.c) —
// its "we need at least 3 nodes to handle network partition failure"
// rule, since with 1 or 2 nodes a partition can't be distinguished from
// a legitimate leave.
func HasMajority(peers []Peer, self, excluded string, dial Dialer, timeout time.Duration) bool {
	if dial == nil {
		dial = TCPDialer
	}
	nrNodes := len(peers)
	if nrNodes < 3 {
		return true
	}
	nrMajority := nrNodes/2 + 1
	nrReachable := 0
	for _, p := range peers {
		if p.ID == excluded {
			continue
		}
		if p.ID != self && dial(p.Addr, timeout) != nil {
			continue
		}
		nrReachable++
		if nrReachable >= nrMajority {
			return true
		}
	}
	return false
}
