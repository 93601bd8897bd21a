package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/polyedge/poly15m/feeds"
	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// newsFixture seeds price history so the confirmation check has both a
// reference sample (before the headline) and a current one
func newsFixture(t *testing.T, refPrice, curPrice float64) (*NewsGuard, *storage.Database, *types.NewsItem, *types.Signal) {
	t.Helper()
	db, err := storage.New("", ":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	hist := feeds.NewHistory()
	hist.AddPrice("BTC", d(refPrice))
	time.Sleep(2 * time.Millisecond)
	newsAt := time.Now()
	time.Sleep(2 * time.Millisecond)
	hist.AddPrice("BTC", d(curPrice))

	sig := &types.Signal{
		Asset:     "BTC",
		Direction: types.DirUp,
		Breaking:  true,
		NewsHash:  "hash-" + t.Name(),
	}
	news := &types.NewsItem{
		Asset:     "BTC",
		Headline:  "headline " + t.Name(),
		Direction: types.DirUp,
		At:        newsAt,
	}
	return NewNewsGuard(db, hist), db, news, sig
}

func TestNewsPriceConfirmation(t *testing.T) {
	snap := config.DefaultSnapshot()

	// +0.5% after the headline clears the 0.2% confirmation bar
	g, _, news, sig := newsFixture(t, 100000, 100500)
	if msg := g.Check(sig, news, snap); msg != "" {
		t.Fatalf("confirmed move rejected: %s", msg)
	}

	// Flat tape fails confirmation
	g2, _, news2, sig2 := newsFixture(t, 100000, 100000)
	if msg := g2.Check(sig2, news2, snap); !strings.Contains(msg, "confirmed") {
		t.Fatalf("flat tape should fail confirmation, got %q", msg)
	}

	// A move against the headline direction fails too
	g3, _, news3, sig3 := newsFixture(t, 100000, 99000)
	if msg := g3.Check(sig3, news3, snap); !strings.Contains(msg, "confirmed") {
		t.Fatalf("opposing move should fail confirmation, got %q", msg)
	}
}

func TestNewsCooldownPerAsset(t *testing.T) {
	snap := config.DefaultSnapshot()
	g, db, news, sig := newsFixture(t, 100000, 100500)

	err := db.RecordNews(&storage.NewsEntry{
		Hash: "earlier", Asset: "BTC", Headline: "earlier", RecordedAt: time.Now().Add(-5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed news: %v", err)
	}

	if msg := g.Check(sig, news, snap); !strings.Contains(msg, "cooldown") {
		t.Fatalf("headline inside the 15m cooldown should be blocked, got %q", msg)
	}
}

func TestNewsHourlyCap(t *testing.T) {
	snap := config.DefaultSnapshot()
	g, db, news, sig := newsFixture(t, 100000, 100500)

	// Three accepted headlines this hour, none on BTC (cooldown stays clear)
	for i, asset := range []string{"ETH", "SOL", "XRP"} {
		err := db.RecordNews(&storage.NewsEntry{
			Hash:       string(rune('a' + i)),
			Asset:      asset,
			Headline:   "h",
			RecordedAt: time.Now().Add(-30 * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed news: %v", err)
		}
	}

	if msg := g.Check(sig, news, snap); !strings.Contains(msg, "hourly cap") {
		t.Fatalf("fourth headline of the hour should be blocked, got %q", msg)
	}
}

func TestNewsDuplicateHeadline(t *testing.T) {
	snap := config.DefaultSnapshot()
	g, db, news, sig := newsFixture(t, 100000, 100500)

	// Same hash already traded over an hour ago: dedup still applies even
	// though the cooldown and hourly cap have both cleared
	err := db.RecordNews(&storage.NewsEntry{
		Hash: sig.NewsHash, Asset: "BTC", Headline: news.Headline,
		RecordedAt: time.Now().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed news: %v", err)
	}

	if msg := g.Check(sig, news, snap); !strings.Contains(msg, "already traded") {
		t.Fatalf("duplicate headline should be blocked, got %q", msg)
	}
}

func TestNewsCommitRecords(t *testing.T) {
	snap := config.DefaultSnapshot()
	g, db, news, sig := newsFixture(t, 100000, 100500)

	if msg := g.Check(sig, news, snap); msg != "" {
		t.Fatalf("first pass should clear: %s", msg)
	}
	g.Commit(sig, news)

	seen, err := db.HasNewsHash(sig.NewsHash)
	if err != nil || !seen {
		t.Fatalf("committed hash not found (seen=%v err=%v)", seen, err)
	}
	if msg := g.Check(sig, news, snap); msg == "" {
		t.Fatal("identical headline must be rejected after commit")
	}
}
