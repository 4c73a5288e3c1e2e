// Package ports implements the port allocator: leases of N consecutive
// free TCP ports drawn from a bounded range, probed via a non-blocking
// bind before being claimed.
package ports

import (
	"net"
	"sort"
	"strconv"
	"sync"
)

// Allocator hands out consecutive port leases from [RangeStart, RangeEnd].
type Allocator struct {
	start int
	end   int

	mu     sync.Mutex
	leased map[int]bool
}

// New constructs an allocator over the inclusive range [start, end].
func New(start, end int) *Allocator {
	return &Allocator{
		start:  start,
		end:    end,
		leased: make(map[int]bool),
	}
}

// Allocate leases count consecutive ports, returning the ordered tuple and
// true on success. count <= 0 always returns (nil, false). On failure,
// nothing is leased and the caller should count a port_allocation_failures_total.
func (a *Allocator) Allocate(count int) ([]int, bool) {
	if count <= 0 {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.start; p+count-1 <= a.end; p++ {
		if a.groupFree(p, count) && a.groupBindable(p, count) {
			ports := make([]int, count)
			for i := 0; i < count; i++ {
				ports[i] = p + i
				a.leased[p+i] = true
			}
			return ports, true
		}
	}
	return nil, false
}

// groupFree reports whether none of [p, p+count-1] is already leased by us.
// Caller must hold a.mu.
func (a *Allocator) groupFree(p, count int) bool {
	for i := 0; i < count; i++ {
		if a.leased[p+i] {
			return false
		}
	}
	return true
}

// groupBindable probes every port in [p, p+count-1] with a non-blocking
// bind, closing immediately on success. A port that fails to bind is
// presumed in use by something outside the agent's bookkeeping.
//
// Race note: a successful probe here does not guarantee the port is still
// free by the time the caller's child process binds it. The allocator does
// not retry; a caller whose child fails to start treats it as a launch
// failure and releases the lease.
func (a *Allocator) groupBindable(p, count int) bool {
	held := make([]net.Listener, 0, count)
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	for i := 0; i < count; i++ {
		port := p + i
		l, err := net.Listen("tcp", portAddr(port))
		if err != nil {
			return false
		}
		held = append(held, l)
	}
	return true
}

// Release returns ports to the free pool. Releasing an unleased or unknown
// port is a no-op.
func (a *Allocator) Release(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.leased, p)
	}
}

// ListAllocated returns a sorted snapshot of every currently leased port.
func (a *Allocator) ListAllocated() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.leased))
	for p := range a.leased {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// IsInUse reports whether port is currently leased by this allocator.
func (a *Allocator) IsInUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[port]
}

func portAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
