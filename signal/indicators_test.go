package signal

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRSIExtremes(t *testing.T) {
	decline := []decimal.Decimal{}
	for i := 0; i < 16; i++ {
		decline = append(decline, d(float64(100-i)))
	}
	rsi, ok := RSI(decline)
	if !ok {
		t.Fatal("expected RSI with 16 samples")
	}
	if !rsi.IsZero() {
		t.Errorf("all-loss RSI = %s, want 0", rsi)
	}

	climb := []decimal.Decimal{}
	for i := 0; i < 16; i++ {
		climb = append(climb, d(float64(100+i)))
	}
	rsi, _ = RSI(climb)
	if !rsi.Equal(d(100)) {
		t.Errorf("all-gain RSI = %s, want 100", rsi)
	}

	flat := make([]decimal.Decimal, 16)
	for i := range flat {
		flat[i] = d(100)
	}
	rsi, _ = RSI(flat)
	if !rsi.Equal(d(50)) {
		t.Errorf("flat RSI = %s, want neutral 50", rsi)
	}

	if _, ok := RSI(flat[:10]); ok {
		t.Error("RSI must refuse fewer than 15 samples")
	}
}

func TestChangeOver(t *testing.T) {
	prices := []decimal.Decimal{d(100), d(101), d(102), d(103), d(104), d(105)}

	chg, ok := ChangeOver(prices, 5)
	if !ok || !chg.Equal(d(0.05)) {
		t.Errorf("change over 5 = %s, want 0.05", chg)
	}

	// Asking for more lookback than exists clamps to the full ring
	chg, ok = ChangeOver(prices, 50)
	if !ok || !chg.Equal(d(0.05)) {
		t.Errorf("clamped change = %s, want 0.05", chg)
	}

	if _, ok := ChangeOver(prices[:1], 5); ok {
		t.Error("single sample must not produce a change")
	}
}

func TestRegimeFactor(t *testing.T) {
	short := make([]decimal.Decimal, 20)
	for i := range short {
		short[i] = d(100)
	}
	if f := RegimeFactor(short); !f.Equal(d(1)) {
		t.Errorf("factor with 20 samples = %s, want neutral 1", f)
	}

	// Violent early tape followed by a dead calm: current ATR well under
	// its baseline, the read gets halved
	var calmed []decimal.Decimal
	for i := 0; i < 16; i++ {
		if i%2 == 0 {
			calmed = append(calmed, d(100))
		} else {
			calmed = append(calmed, d(110))
		}
	}
	last := d(100)
	for i := 0; i < 20; i++ {
		last = last.Add(d(0.01))
		calmed = append(calmed, last)
	}
	if f := RegimeFactor(calmed); !f.Equal(d(0.5)) {
		t.Errorf("quiet-regime factor = %s, want 0.5", f)
	}

	// A steady tape with one violent latest bar flips wild off that
	// single delta, with no smoothing lag
	var spiked []decimal.Decimal
	for i := 0; i <= 25; i++ {
		spiked = append(spiked, d(float64(100+i)))
	}
	spiked = append(spiked, d(135))
	if f := RegimeFactor(spiked); !f.Equal(d(1.2)) {
		t.Errorf("wild-regime factor = %s, want 1.2", f)
	}
}
