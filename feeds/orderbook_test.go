package feeds

import (
	"strconv"
	"testing"
	"time"

	"github.com/polyedge/poly15m/types"
)

func newTestDepth() (*DepthFeed, *fixedClock) {
	feed := NewDepthFeed()
	clock := &fixedClock{at: time.Now()}
	feed.now = clock.now
	return feed, clock
}

// levels builds n distinct [price, size] pairs stepping away from base
func levels(base, step int, size string, n int) [][]string {
	out := make([][]string, n)
	for i := range out {
		out[i] = []string{strconv.Itoa(base + i*step), size}
	}
	return out
}

func TestImbalancePressureUp(t *testing.T) {
	feed, _ := newTestDepth()

	// Roughly $2M of bids against $500k of asks reads 4:1, over the 3.0 trigger
	feed.ApplySnapshot(levels(100000, -1, "2", 10), levels(100001, 1, "0.5", 10))

	sig := feed.Signal()
	if sig.Stale {
		t.Fatal("signal unexpectedly stale")
	}
	if !sig.Imbalance.Round(2).Equal(d(4.0)) {
		t.Errorf("imbalance = %s, want ~4.00", sig.Imbalance.Round(2))
	}
	if sig.Pressure != types.DirUp {
		t.Errorf("pressure = %s, want UP", sig.Pressure)
	}
}

func TestImbalancePressureDown(t *testing.T) {
	feed, _ := newTestDepth()
	feed.ApplySnapshot(levels(100000, -1, "0.4", 10), levels(100001, 1, "2", 10))

	sig := feed.Signal()
	if sig.Pressure != types.DirDown {
		t.Errorf("pressure = %s, want DOWN", sig.Pressure)
	}
}

func TestBalancedBookNoPressure(t *testing.T) {
	feed, _ := newTestDepth()
	feed.ApplySnapshot(levels(100000, -1, "1", 10), levels(100001, 1, "1", 10))

	sig := feed.Signal()
	if sig.Pressure != types.DirNone {
		t.Errorf("pressure = %s, want none near 1.0", sig.Pressure)
	}
	if sig.LargeSweep || sig.MMPull {
		t.Errorf("sweep=%v pull=%v on an ordinary book", sig.LargeSweep, sig.MMPull)
	}
}

func TestLargeSweepDetection(t *testing.T) {
	feed, _ := newTestDepth()

	// One $600k resting ask among ordinary $50k levels
	asks := levels(100001, 1, "0.5", 9)
	asks = append(asks, []string{"100200", "6"})
	feed.ApplySnapshot(levels(100000, -1, "0.5", 10), asks)

	sig := feed.Signal()
	if !sig.LargeSweep || sig.SweepSide != types.DirDown {
		t.Errorf("sweep=%v side=%s, want ask-side sweep", sig.LargeSweep, sig.SweepSide)
	}
}

func TestMMPullDetection(t *testing.T) {
	feed, clock := newTestDepth()

	feed.ApplySnapshot(levels(100000, -1, "1", 10), levels(100001, 1, "1", 10))
	feed.TakeSample()

	// Two seconds later 70% of the bid depth is gone
	clock.at = clock.at.Add(2 * time.Second)
	feed.ApplySnapshot(levels(100000, -1, "0.3", 10), levels(100001, 1, "1", 10))

	sig := feed.Signal()
	if !sig.MMPull || sig.PullSide != types.DirDown {
		t.Errorf("pull=%v side=%s, want bid-side pull", sig.MMPull, sig.PullSide)
	}
}

func TestSignalStaleAfterSilence(t *testing.T) {
	feed, clock := newTestDepth()
	feed.ApplySnapshot(levels(100000, -1, "1", 10), levels(100001, 1, "1", 10))

	clock.at = clock.at.Add(2 * time.Minute)
	if sig := feed.Signal(); !sig.Stale {
		t.Error("signal must go stale after a minute without updates")
	}
}

func TestEmptyBookIsStale(t *testing.T) {
	feed, _ := newTestDepth()
	if sig := feed.Signal(); !sig.Stale {
		t.Error("empty book must read stale")
	}
}

func TestApplyUpdatePatchesAndDeletes(t *testing.T) {
	feed, _ := newTestDepth()
	feed.ApplySnapshot(levels(100000, -1, "1", 1), levels(100100, 1, "1", 1))

	feed.ApplyUpdate([][]string{
		{"buy", "100000", "3"},  // Resize
		{"sell", "100100", "0"}, // Delete
		{"sell", "100200", "2"}, // Insert
	})

	feed.mu.RLock()
	defer feed.mu.RUnlock()
	if lvl, ok := feed.bids["100000"]; !ok || !lvl.Size.Equal(d(3)) {
		t.Errorf("bid level = %+v, want size 3", lvl)
	}
	if _, ok := feed.asks["100100"]; ok {
		t.Error("zero-size update must delete the level")
	}
	if _, ok := feed.asks["100200"]; !ok {
		t.Error("new level missing after update")
	}
}
