package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsConsecutivePorts(t *testing.T) {
	a := New(20000, 20010)
	got, ok := a.Allocate(3)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, got[0]+1, got[1])
	assert.Equal(t, got[1]+1, got[2])
}

func TestAllocateZeroOrNegativeCountFails(t *testing.T) {
	a := New(20000, 20010)
	_, ok := a.Allocate(0)
	assert.False(t, ok)
	_, ok = a.Allocate(-1)
	assert.False(t, ok)
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(20100, 20101)
	first, ok := a.Allocate(2)
	require.True(t, ok)
	require.Len(t, first, 2)

	_, ok = a.Allocate(2)
	assert.False(t, ok, "range is fully leased, second allocation must fail")
}

func TestRoundTripAllocateReleaseAllocate(t *testing.T) {
	a := New(20200, 20210)
	first, ok := a.Allocate(2)
	require.True(t, ok)

	a.Release(first)

	second, ok := a.Allocate(2)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestReleaseUnknownPortIsNoop(t *testing.T) {
	a := New(20300, 20310)
	assert.NotPanics(t, func() {
		a.Release([]int{20305})
	})
}

func TestListAllocatedIsSortedSnapshot(t *testing.T) {
	a := New(20400, 20410)
	first, _ := a.Allocate(2)
	list := a.ListAllocated()
	require.Len(t, list, 2)
	assert.Equal(t, first[0], list[0])
	assert.Equal(t, first[1], list[1])

	list[0] = -1
	list2 := a.ListAllocated()
	assert.NotEqual(t, -1, list2[0])
}

func TestConcurrentAllocationsAreDisjoint(t *testing.T) {
	a := New(21000, 21099)
	var wg sync.WaitGroup
	results := make(chan []int, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ports, ok := a.Allocate(2); ok {
				results <- ports
			} else {
				results <- nil
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for ports := range results {
		for _, p := range ports {
			assert.False(t, seen[p], "port %d leased twice", p)
			seen[p] = true
		}
	}
}

func TestIsInUse(t *testing.T) {
	a := New(20500, 20510)
	ports, ok := a.Allocate(1)
	require.True(t, ok)
	assert.True(t, a.IsInUse(ports[0]))
	a.Release(ports)
	assert.False(t, a.IsInUse(ports[0]))
}
