package feeds

import (
	"testing"
	"time"

	"github.com/polyedge/poly15m/types"
)

func newTestLiqs() (*LiquidationFeed, *fixedClock) {
	feed := NewLiquidationFeed([]string{"BTC", "ETH"})
	clock := &fixedClock{at: time.Now()}
	feed.now = clock.now
	return feed, clock
}

func TestCascadeLevels(t *testing.T) {
	cases := []struct {
		name  string
		usd   float64
		level types.LiquidationLevel
	}{
		{"below moderate", 900_000, types.LiqNone},
		{"moderate", 1_500_000, types.LiqModerate},
		{"strong", 6_000_000, types.LiqStrong},
		{"extreme", 25_000_000, types.LiqExtreme},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feed, _ := newTestLiqs()
			feed.Record("BTC", d(tc.usd), types.DirDown)

			level, dir := feed.Cascade("BTC")
			if level != tc.level {
				t.Errorf("level = %s, want %s", level, tc.level)
			}
			if tc.level != types.LiqNone && dir != types.DirDown {
				t.Errorf("direction = %s, want DOWN", dir)
			}
		})
	}
}

func TestCascadeSumsWithinWindow(t *testing.T) {
	feed, _ := newTestLiqs()
	feed.Record("BTC", d(400_000), types.DirDown)
	feed.Record("BTC", d(400_000), types.DirDown)
	feed.Record("BTC", d(300_000), types.DirDown)

	if level, _ := feed.Cascade("BTC"); level != types.LiqModerate {
		t.Errorf("level = %s, want moderate from $1.1M summed", level)
	}
}

func TestCascadeDominantSide(t *testing.T) {
	feed, _ := newTestLiqs()
	feed.Record("ETH", d(4_000_000), types.DirUp) // Forced shorts
	feed.Record("ETH", d(1_500_000), types.DirDown)

	level, dir := feed.Cascade("ETH")
	if level != types.LiqStrong || dir != types.DirUp {
		t.Errorf("level=%s dir=%s, want strong UP", level, dir)
	}
}

func TestCascadeWindowExpiry(t *testing.T) {
	feed, clock := newTestLiqs()
	feed.Record("BTC", d(10_000_000), types.DirDown)

	clock.at = clock.at.Add(90 * time.Second)
	if level, _ := feed.Cascade("BTC"); level != types.LiqNone {
		t.Errorf("level = %s, want none after the window passed", level)
	}
}

func TestProcessMessageParsesForceOrder(t *testing.T) {
	feed, _ := newTestLiqs()

	// 20 BTC forced out at $100k on the sell side
	feed.processMessage([]byte(`{"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","q":"20","ap":"100000"}}`))

	level, dir := feed.Cascade("BTC")
	if level != types.LiqModerate || dir != types.DirDown {
		t.Errorf("level=%s dir=%s, want moderate DOWN from $2M", level, dir)
	}
}

func TestProcessMessageIgnoresUntracked(t *testing.T) {
	feed, _ := newTestLiqs()
	feed.processMessage([]byte(`{"e":"forceOrder","o":{"s":"PEPEUSDT","S":"SELL","q":"1000000000","ap":"1"}}`))

	if level, _ := feed.Cascade("PEPE"); level != types.LiqNone {
		t.Error("untracked symbols must be dropped")
	}
}
