package exec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// mockVenue scripts the exchange for engine tests
type mockVenue struct {
	placeCalls  int
	placeErrs   []error // Consumed per call; nil means accept
	lastOrder   OrderRequest
	cancelCalls int
	cancelled   []string

	statusSeq   []OrderState // Consumed per OrderStatus call; last repeats
	statusIdx   int
	midpoint    decimal.Decimal
	midpointErr error
	positions   []Position
	balance     decimal.Decimal
}

func (m *mockVenue) PlaceOrder(req OrderRequest) (string, error) {
	m.placeCalls++
	m.lastOrder = req
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "order-1", nil
}

func (m *mockVenue) CancelOrder(orderID string) error {
	m.cancelCalls++
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockVenue) OrderStatus(orderID string) (*OrderState, error) {
	if len(m.statusSeq) == 0 {
		return &OrderState{ID: orderID, Status: StatusLive}, nil
	}
	s := m.statusSeq[m.statusIdx]
	if m.statusIdx < len(m.statusSeq)-1 {
		m.statusIdx++
	}
	return &s, nil
}

func (m *mockVenue) Midpoint(string) (decimal.Decimal, error) {
	return m.midpoint, m.midpointErr
}

func (m *mockVenue) Positions() ([]Position, error) { return m.positions, nil }
func (m *mockVenue) Balance() (decimal.Decimal, error) { return m.balance, nil }

// newTestEngine wires an engine over sqlite memory, a temp kill switch
// file and a fake clock advanced by sleeps
func newTestEngine(t *testing.T, venue *mockVenue) (*Engine, *storage.Database, *KillSwitch) {
	t.Helper()
	db, err := storage.New("", ":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	ks := NewKillSwitch(filepath.Join(t.TempDir(), "kill"))

	e := NewEngine(db, ks, venue)
	cur := time.Now()
	e.now = func() time.Time { return cur }
	e.sleep = func(dur time.Duration) { cur = cur.Add(dur) }
	return e, db, ks
}

func testRequest() Request {
	return Request{
		Window: &types.Window{
			Slug:        "btc-updown-15m-1756400000",
			Asset:       "BTC",
			UpTokenID:   "tok-up",
			DownTokenID: "tok-down",
		},
		Signal: &types.Signal{
			Asset:      "BTC",
			Direction:  types.DirUp,
			Confidence: d(0.65),
			MarketOdds: d(0.55),
		},
		Path:  "tier3",
		Stake: d(5),
	}
}

func TestCanTradeKillSwitchFirst(t *testing.T) {
	e, _, ks := newTestEngine(t, &mockVenue{balance: d(100)})
	snap := config.DefaultSnapshot()

	if err := ks.Activate("manual"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	ok, reason := e.CanTrade(d(5), snap, config.ModeReal)
	if ok || !strings.Contains(reason, "kill switch") {
		t.Errorf("ok=%v reason=%q, want kill switch rejection", ok, reason)
	}

	// Paper mode is blocked just the same
	ok, _ = e.CanTrade(d(5), snap, config.ModePaper)
	if ok {
		t.Error("kill switch must block paper trades too")
	}
}

func TestCanTradeDisabledMode(t *testing.T) {
	e, _, _ := newTestEngine(t, &mockVenue{balance: d(100)})
	ok, reason := e.CanTrade(d(5), config.DefaultSnapshot(), config.ModeDisabled)
	if ok || !strings.Contains(reason, "disabled") {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
}

func TestDailyLossBreachTripsKillSwitch(t *testing.T) {
	e, db, ks := newTestEngine(t, &mockVenue{balance: d(100)})
	snap := config.DefaultSnapshot()

	state, err := db.GetDailyState(storage.DayKey(e.now()))
	if err != nil {
		t.Fatalf("daily state: %v", err)
	}
	state.RealizedPnl = d(-55)
	if err := db.SaveDailyState(state); err != nil {
		t.Fatalf("save: %v", err)
	}

	ok, reason := e.CanTrade(d(5), snap, config.ModeReal)
	if ok || !strings.Contains(reason, "loss limit") {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
	if active, _ := ks.Active(); !active {
		t.Error("loss breach must self-activate the kill switch")
	}
}

func TestDailyCeilings(t *testing.T) {
	e, db, _ := newTestEngine(t, &mockVenue{balance: d(100)})
	snap := config.DefaultSnapshot()

	state, _ := db.GetDailyState(storage.DayKey(e.now()))
	state.TradesPlaced = snap.MaxDailyTrades
	_ = db.SaveDailyState(state)
	if ok, reason := e.CanTrade(d(5), snap, config.ModeReal); ok || !strings.Contains(reason, "trade cap") {
		t.Errorf("trade cap: ok=%v reason=%q", ok, reason)
	}

	state.TradesPlaced = 0
	state.OpenPositions = snap.MaxConcurrentPositions
	_ = db.SaveDailyState(state)
	if ok, reason := e.CanTrade(d(5), snap, config.ModeReal); ok || !strings.Contains(reason, "position cap") {
		t.Errorf("position cap: ok=%v reason=%q", ok, reason)
	}

	state.OpenPositions = 0
	_ = db.SaveDailyState(state)
	if ok, reason := e.CanTrade(d(11), snap, config.ModeReal); ok || !strings.Contains(reason, "per-trade cap") {
		t.Errorf("stake cap: ok=%v reason=%q", ok, reason)
	}
}

func TestExecutePaperRecordsAndCounts(t *testing.T) {
	e, db, _ := newTestEngine(t, &mockVenue{})
	req := testRequest()

	att := e.Execute(req, config.DefaultSnapshot(), config.ModePaper)
	if att.Status != AttemptPaper {
		t.Fatalf("status = %s, want paper (%s)", att.Status, att.Reason)
	}
	if !att.FillOdds.Equal(d(0.55)) {
		t.Errorf("paper fill = %s, want quoted 0.55", att.FillOdds)
	}

	has, err := db.HasTradeForSlug(req.Window.Slug)
	if err != nil || !has {
		t.Errorf("paper trade missing from ledger (has=%v err=%v)", has, err)
	}
	state, _ := db.GetDailyState(storage.DayKey(e.now()))
	if state.TradesPlaced != 1 || state.OpenPositions != 1 {
		t.Errorf("daily counters = %d/%d, want 1/1", state.TradesPlaced, state.OpenPositions)
	}
}

func TestMakerFillBeforeTimeout(t *testing.T) {
	venue := &mockVenue{
		balance: d(100),
		statusSeq: []OrderState{
			{Status: StatusLive, Size: d(10)},
			{Status: StatusLive, Size: d(10)},
			{Status: StatusMatched, Size: d(10), Filled: d(10)},
		},
		positions: []Position{{TokenID: "tok-up", Size: d(10), AvgPrice: d(0.63)}},
	}
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), config.DefaultSnapshot(), config.ModeReal)
	if att.Status != AttemptFilled {
		t.Fatalf("status = %s (%s), want filled", att.Status, att.Reason)
	}
	if att.OrderType != "maker" {
		t.Errorf("order type = %s, want maker", att.OrderType)
	}
	// Realized entry comes from the position book, not the limit price
	if !att.FillOdds.Equal(d(0.63)) {
		t.Errorf("fill odds = %s, want 0.63", att.FillOdds)
	}
	if venue.lastOrder.Type != OrderGTC {
		t.Errorf("order type sent = %s, want GTC", venue.lastOrder.Type)
	}
	if !venue.lastOrder.Price.Equal(d(0.65)) {
		t.Errorf("limit price = %s, want signal confidence 0.65", venue.lastOrder.Price)
	}
}

func TestMakerTimeoutCancels(t *testing.T) {
	venue := &mockVenue{balance: d(100)} // Status stays live forever
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), config.DefaultSnapshot(), config.ModeReal)
	if att.Status != AttemptUnfilled {
		t.Fatalf("status = %s, want unfilled", att.Status)
	}
	if !strings.Contains(att.Reason, "not filled") {
		t.Errorf("reason = %q, want a not-filled message", att.Reason)
	}
	if venue.cancelCalls != 1 {
		t.Errorf("cancel calls = %d, want 1", venue.cancelCalls)
	}
}

func takerSnapshot() *config.Snapshot {
	snap := config.DefaultSnapshot()
	snap.UseMakerOrders = false
	return snap
}

func TestTakerMidpointFloor(t *testing.T) {
	venue := &mockVenue{balance: d(100), midpoint: d(0.38)}
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFailed || !strings.Contains(att.Reason, "below floor") {
		t.Errorf("status=%s reason=%q", att.Status, att.Reason)
	}
	if venue.placeCalls != 0 {
		t.Error("no order may reach the venue on a floor reject")
	}
}

func TestTakerDivergenceGuard(t *testing.T) {
	// Signal price 0.65, midpoint 0.85: 20 points apart
	venue := &mockVenue{balance: d(100), midpoint: d(0.85)}
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFailed || !strings.Contains(att.Reason, "diverges") {
		t.Errorf("status=%s reason=%q", att.Status, att.Reason)
	}
}

func TestTakerSlippageCapAndFill(t *testing.T) {
	venue := &mockVenue{
		balance:   d(100),
		midpoint:  d(0.60),
		positions: []Position{{TokenID: "tok-up", Size: d(6), AvgPrice: d(0.61)}},
	}
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFilled {
		t.Fatalf("status = %s (%s)", att.Status, att.Reason)
	}
	// Cap = signal 0.65 + 0.10 slippage
	if !venue.lastOrder.Price.Equal(d(0.75)) {
		t.Errorf("FOK cap = %s, want 0.75", venue.lastOrder.Price)
	}
	if venue.lastOrder.Type != OrderFOK {
		t.Errorf("order type = %s, want FOK", venue.lastOrder.Type)
	}
	if !att.FillOdds.Equal(d(0.61)) {
		t.Errorf("fill odds = %s, want realized 0.61", att.FillOdds)
	}
}

func TestTakerRetriesThenFails(t *testing.T) {
	reject := errors.New("order rejected: fok could not match")
	venue := &mockVenue{
		balance:   d(100),
		midpoint:  d(0.60),
		placeErrs: []error{reject, reject, reject},
	}
	e, _, _ := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFailed {
		t.Fatalf("status = %s", att.Status)
	}
	if venue.placeCalls != 3 {
		t.Errorf("place calls = %d, want 3 retries", venue.placeCalls)
	}
}

func TestTakerWalletErrorAbortsAndKills(t *testing.T) {
	venue := &mockVenue{
		balance:   d(100),
		midpoint:  d(0.60),
		placeErrs: []error{errors.New("not enough balance / allowance")},
	}
	e, _, ks := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFailed {
		t.Fatalf("status = %s", att.Status)
	}
	if venue.placeCalls != 1 {
		t.Errorf("place calls = %d, wallet errors must not retry", venue.placeCalls)
	}
	if active, _ := ks.Active(); !active {
		t.Error("wallet error must activate the kill switch")
	}
}

func TestTakerDepthErrorNoRetry(t *testing.T) {
	venue := &mockVenue{
		balance:   d(100),
		midpoint:  d(0.60),
		placeErrs: []error{errors.New("insufficient depth on book")},
	}
	e, _, ks := newTestEngine(t, venue)

	att := e.Execute(testRequest(), takerSnapshot(), config.ModeReal)
	if att.Status != AttemptFailed || !strings.Contains(att.Reason, "depth") {
		t.Errorf("status=%s reason=%q", att.Status, att.Reason)
	}
	if venue.placeCalls != 1 {
		t.Errorf("place calls = %d, depth errors must not retry", venue.placeCalls)
	}
	if active, _ := ks.Active(); active {
		t.Error("depth errors are not fatal, kill switch must stay clear")
	}
}

func TestSettleBooksPnl(t *testing.T) {
	e, db, _ := newTestEngine(t, &mockVenue{})
	att := e.Execute(testRequest(), config.DefaultSnapshot(), config.ModePaper)

	if err := e.Settle(att.TradeID, d(-5)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	state, _ := db.GetDailyState(storage.DayKey(e.now()))
	if !state.RealizedPnl.Equal(d(-5)) {
		t.Errorf("pnl = %s, want -5", state.RealizedPnl)
	}
	if state.OpenPositions != 0 {
		t.Errorf("open positions = %d, want 0 after settle", state.OpenPositions)
	}

	trades, err := db.AllTrades()
	if err != nil || len(trades) != 1 {
		t.Fatalf("ledger rows = %d err=%v", len(trades), err)
	}
	if !trades[0].Settled || !trades[0].Pnl.Equal(d(-5)) {
		t.Errorf("ledger row settled=%v pnl=%s", trades[0].Settled, trades[0].Pnl)
	}
}

func TestKillSwitchLifecycle(t *testing.T) {
	ks := NewKillSwitch(filepath.Join(t.TempDir(), "kill"))

	if active, _ := ks.Active(); active {
		t.Fatal("fresh switch must be clear")
	}
	if err := ks.Activate("first reason"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Second activation keeps the original reason
	if err := ks.Activate("second reason"); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	active, reason := ks.Active()
	if !active || reason != "first reason" {
		t.Errorf("active=%v reason=%q, want first reason kept", active, reason)
	}
	if err := ks.Deactivate(); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if active, _ := ks.Active(); active {
		t.Error("switch must clear on deactivate")
	}
}

func TestKillSwitchUnreadableMarkerFailsClosed(t *testing.T) {
	// A directory at the marker path makes the read fail without the
	// file being absent
	path := filepath.Join(t.TempDir(), "kill")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ks := NewKillSwitch(path)
	active, reason := ks.Active()
	if !active {
		t.Fatal("an unreadable marker must read as active")
	}
	if !strings.Contains(reason, "unreadable") {
		t.Errorf("reason = %q, want unreadable mention", reason)
	}
}
