// Package memory owns physical frame accounting and the persistent
// backing store the demand pager pages to and from. Grounded on
// cmd/memoria's space/frame bookkeeping (memoria keeps a []bool of
// free frames per partition); the free/occupied bitmap is instead
// backed by github.com/Workiva/go-datastructures/bitarray, the way
// other_examples/masonhunk-DSM-project__datastructures.go tracks page
// ownership in a distributed shared-memory system — see DESIGN.md.
package memory

import (
	"sync"

	"github.com/Workiva/go-datastructures/bitarray"
)

// FrameInfo describes one physical frame's current occupant.
type FrameInfo struct {
	Free       bool
	Owner      int // PID, -1 if free
	VPN        int // -1 if free
	Dirty      bool
	Referenced bool
}

// FrameTable is the fixed-size array of physical frames shared by
// every resident process, guarded by a single mutex — always acquired
// before the backing store's own mutex.
type FrameTable struct {
	mu            sync.Mutex
	frames        []FrameInfo
	free          bitarray.BitArray
	evictionQueue []int
	stats         *Stats
}

// NewFrameTable builds a frame table of numFrames entries, all free.
func NewFrameTable(numFrames int, stats *Stats) *FrameTable {
	frames := make([]FrameInfo, numFrames)
	free := bitarray.NewBitArray(uint64(numFrames))
	for i := range frames {
		frames[i] = FrameInfo{Free: true, Owner: -1, VPN: -1}
		free.SetBit(uint64(i))
	}
	return &FrameTable{frames: frames, free: free, stats: stats}
}

func (ft *FrameTable) NumFrames() int { return len(ft.frames) }

func (ft *FrameTable) FreeCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.free.ToNums())
}

// Acquire finds a frame to host an incoming page: a free frame if one
// scans clean, otherwise the oldest occupied frame off the FIFO
// eviction queue (skipping any stale entries already vacated through
// Release). ok is false only when the table is simultaneously full
// and the eviction queue is empty, which cannot happen once any frame
// has ever been occupied.
func (ft *FrameTable) Acquire() (idx int, evicted bool, victim FrameInfo, ok bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if nums := ft.free.ToNums(); len(nums) > 0 {
		return int(nums[0]), false, FrameInfo{}, true
	}
	for len(ft.evictionQueue) > 0 {
		cand := ft.evictionQueue[0]
		ft.evictionQueue = ft.evictionQueue[1:]
		if !ft.frames[cand].Free {
			return cand, true, ft.frames[cand], true
		}
	}
	return 0, false, FrameInfo{}, false
}

// Occupy installs (pid, vpn) as the new resident of frame idx, clears
// its free bit, and appends it to the eviction queue in load order.
func (ft *FrameTable) Occupy(idx, pid, vpn int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.frames[idx] = FrameInfo{Owner: pid, VPN: vpn, Referenced: true}
	ft.free.ClearBit(uint64(idx))
	ft.evictionQueue = append(ft.evictionQueue, idx)
}

// MarkDirty flags frame idx as holding writes not yet reflected in
// the backing store.
func (ft *FrameTable) MarkDirty(idx int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if idx >= 0 && idx < len(ft.frames) {
		ft.frames[idx].Dirty = true
	}
}

// Release frees frame idx outright, with no page-out — used when a
// process terminates and its frames are reclaimed directly rather
// than evicted.
func (ft *FrameTable) Release(idx int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.frames[idx] = FrameInfo{Free: true, Owner: -1, VPN: -1}
	ft.free.SetBit(uint64(idx))
}

func (ft *FrameTable) Info(idx int) FrameInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.frames[idx]
}

// Snapshot copies every frame's state, in frame order.
func (ft *FrameTable) Snapshot() []FrameInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]FrameInfo, len(ft.frames))
	copy(out, ft.frames)
	return out
}
