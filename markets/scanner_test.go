package markets

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDetectAsset(t *testing.T) {
	cases := map[string]string{
		"btc-updown-15m-1756400000":          "BTC",
		"bitcoin-up-or-down-june-5-3pm":      "BTC",
		"ethereum-up-or-down-15m-1756400000": "ETH",
		"solana-updown-5m-1756400000":        "SOL",
		"ripple-updown-15m-1756400000":       "XRP",
		"dogecoin-updown-10m-1756400000":     "DOGE",
		"presidential-election-2028":         "",
	}
	for slug, want := range cases {
		if got := DetectAsset(slug); got != want {
			t.Errorf("DetectAsset(%q) = %q, want %q", slug, got, want)
		}
	}
}

func TestUpdownSlugPattern(t *testing.T) {
	re := UpdownSlug()
	for _, slug := range []string{
		"btc-updown-15m-1756400000",
		"bitcoin-up-or-down-june-5",
		"eth-up_or_down-5m",
	} {
		if !re.MatchString(slug) {
			t.Errorf("%q must match", slug)
		}
	}
	if re.MatchString("will-btc-hit-150k-in-2026") {
		t.Error("plain threshold markets must not match")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		slug string
		want time.Duration
		ok   bool
	}{
		{"btc-updown-15m-1756400000", 15 * time.Minute, true},
		{"eth-updown-5min-1756400000", 5 * time.Minute, true},
		{"sol-updown-10-minutes-1756400000", 10 * time.Minute, true},
		{"btc-up-or-down-june-5", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseDuration(tc.slug)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v, %v", tc.slug, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseStart(t *testing.T) {
	start, ok := ParseStart("btc-updown-15m-1756400000")
	if !ok {
		t.Fatal("epoch-suffixed slug must parse")
	}
	if start != time.Unix(1756400000, 0).UTC() {
		t.Errorf("start = %s", start)
	}

	if _, ok := ParseStart("btc-updown-15m"); ok {
		t.Error("slug without an epoch must not parse")
	}
	if _, ok := ParseStart("btc-updown-15m-123"); ok {
		t.Error("short digit runs are not epochs")
	}
}

func TestParsePricesRespectsOutcomeOrder(t *testing.T) {
	up, down, ok := parsePrices(`["0.55","0.45"]`, `["Up","Down"]`)
	if !ok || !up.Equal(decimal.NewFromFloat(0.55)) || !down.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("up=%s down=%s ok=%v", up, down, ok)
	}

	// Down listed first must swap
	up, down, ok = parsePrices(`["0.45","0.55"]`, `["Down","Up"]`)
	if !ok || !up.Equal(decimal.NewFromFloat(0.55)) || !down.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("swapped up=%s down=%s ok=%v", up, down, ok)
	}

	if _, _, ok := parsePrices(`not json`, `["Up","Down"]`); ok {
		t.Error("malformed prices must fail")
	}
}

func TestParseTokensRespectsOutcomeOrder(t *testing.T) {
	up, down, ok := parseTokens(`["tok-a","tok-b"]`, `["Down","Up"]`)
	if !ok || up != "tok-b" || down != "tok-a" {
		t.Errorf("up=%q down=%q ok=%v", up, down, ok)
	}
}

func TestExtractPrice(t *testing.T) {
	cases := map[string]string{
		"Bitcoin above $105,000 at 3:15pm ET?": "105000",
		"ETH above $4,250.50?":                 "4250.5",
		"Solana up or down?":                   "0",
	}
	for question, want := range cases {
		got := extractPrice(question)
		expect, _ := decimal.NewFromString(want)
		if !got.Equal(expect) {
			t.Errorf("extractPrice(%q) = %s, want %s", question, got, want)
		}
	}
}
