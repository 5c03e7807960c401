package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/util"
)

var (
	trader1    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	trader2    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	liquidator = common.HexToAddress("0x3333333333333333333333333333333333333333")
	admin      = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
)

func usd(n int64) int64 { return n * 1_000_000 }

// stubOracle is a settable MarketReader; every market shares one state.
type stubOracle struct {
	yes, no  int64
	fresh    bool
	resolved bool
	outcome  bool
	priceErr error
}

func (s *stubOracle) GetLatestPrice(string) (int64, int64, error) {
	if s.priceErr != nil {
		return 0, 0, s.priceErr
	}
	return s.yes, s.no, nil
}
func (s *stubOracle) IsMarketDataFresh(string, time.Duration) bool { return s.fresh }
func (s *stubOracle) IsMarketResolved(string) bool                 { return s.resolved }
func (s *stubOracle) GetMarketOutcome(string) (bool, error)        { return s.outcome, nil }

// resolve pins prices the way the oracle does on resolution.
func (s *stubOracle) resolve(outcomeYes bool) {
	s.resolved = true
	s.outcome = outcomeYes
	if outcomeYes {
		s.yes, s.no = BPS, 0
	} else {
		s.yes, s.no = 0, BPS
	}
}

func newTestEngine(t *testing.T) (*Engine, *stubOracle, *util.ManualClock) {
	t.Helper()
	mkt := &stubOracle{yes: 5_000, no: 5_000, fresh: true}
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	e := New(DefaultParams(), mkt, clock, nil, admin, zap.NewNop())
	return e, mkt, clock
}

func TestDepositWithdraw(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if err := e.Deposit(trader1, usd(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if bal := e.VaultBalance(trader1); bal != usd(500) {
		t.Errorf("balance = %d, want %d", bal, usd(500))
	}

	if err := e.Withdraw(trader1, usd(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if bal := e.VaultBalance(trader1); bal != usd(300) {
		t.Errorf("balance = %d, want %d", bal, usd(300))
	}

	if err := e.Withdraw(trader1, usd(301)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraw: got %v, want ErrInsufficientBalance", err)
	}
	if err := e.Deposit(trader1, -1); err == nil {
		t.Error("negative deposit accepted")
	}
}

func TestOpenPositionFeeMath(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))

	// $100 at 2x: fee = 100,000,000 × 10 / 10000 = 100,000
	// net = 99,900,000; size = 99,900,000 × 20000 / 10000 = 199,800,000
	id, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p, err := e.GetPosition(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Collateral != 99_900_000 {
		t.Errorf("net collateral = %d, want 99900000", p.Collateral)
	}
	if p.Size() != 199_800_000 {
		t.Errorf("size = %d, want 199800000", p.Size())
	}
	if p.EntryPrice != 5_000 {
		t.Errorf("entry = %d, want 5000", p.EntryPrice)
	}
	if e.FeesAccrued() != 100_000 {
		t.Errorf("fees accrued = %d, want 100000", e.FeesAccrued())
	}

	// Full gross collateral left the free balance
	if bal := e.VaultBalance(trader1); bal != usd(100) {
		t.Errorf("free balance = %d, want %d", bal, usd(100))
	}
	if e.Custody() != usd(100) {
		t.Errorf("custody = %d, want %d", e.Custody(), usd(100))
	}
}

func TestDirectionalEntryPrices(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(1_000))
	mkt.yes, mkt.no = 6_000, 4_000

	// Long yes and short no trade the yes side; long no and short yes
	// trade the no side.
	want := map[Direction]int64{
		LongYes:  6_000,
		ShortNo:  6_000,
		LongNo:   4_000,
		ShortYes: 4_000,
	}
	for dir, entry := range want {
		id, err := e.OpenPosition(trader1, "mkt-1", dir, usd(100), 10_000)
		if err != nil {
			t.Fatalf("open %s: %v", dir, err)
		}
		p, _ := e.GetPosition(id)
		if p.EntryPrice != entry {
			t.Errorf("%s entry = %d, want %d", dir, p.EntryPrice, entry)
		}
	}
}

func TestOpenPositionSizeCap(t *testing.T) {
	e, _, _ := newTestEngine(t)
	maxSize := DefaultParams().MaxPositionSize
	e.Deposit(trader1, 3*maxSize)

	// Collateral far above the cap at 5x: naive size arithmetic would
	// wrap int64 negative and slip under the size bound.
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, 3*maxSize, 50_000); !errors.Is(err, ErrPositionTooLarge) {
		t.Errorf("got %v, want ErrPositionTooLarge", err)
	}
	if e.PositionCount() != 0 {
		t.Errorf("rejected open leaked a position: count = %d", e.PositionCount())
	}
	if bal := e.VaultBalance(trader1); bal != 3*maxSize {
		t.Errorf("rejected open moved funds: balance = %d", bal)
	}

	// At the cap itself the fee haircut keeps the size inside the bound.
	id, err := e.OpenPosition(trader1, "mkt-1", LongYes, maxSize, 10_000)
	if err != nil {
		t.Fatalf("open at cap: %v", err)
	}
	p, _ := e.GetPosition(id)
	if p.Size() <= 0 || p.Size() > maxSize {
		t.Errorf("size = %d, want in (0, %d]", p.Size(), maxSize)
	}
}

func TestOpenPositionValidation(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(1_000))

	// Staleness is checked before everything else: a bad direction on a
	// stale market still reports staleness.
	mkt.fresh = false
	if _, err := e.OpenPosition(trader1, "mkt-1", Direction(99), usd(100), 20_000); !errors.Is(err, ErrOracleStale) {
		t.Errorf("stale: got %v, want ErrOracleStale", err)
	}
	mkt.fresh = true

	mkt.resolved = true
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000); !errors.Is(err, ErrMarketResolved) {
		t.Errorf("resolved: got %v, want ErrMarketResolved", err)
	}
	mkt.resolved = false

	if _, err := e.OpenPosition(trader1, "mkt-1", Direction(0), usd(100), 20_000); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("direction: got %v, want ErrInvalidDirection", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(10)-1, 20_000); !errors.Is(err, ErrCollateralTooSmall) {
		t.Errorf("collateral: got %v, want ErrCollateralTooSmall", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 9_999); !errors.Is(err, ErrLeverageTooLow) {
		t.Errorf("leverage low: got %v, want ErrLeverageTooLow", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 50_001); !errors.Is(err, ErrLeverageTooHigh) {
		t.Errorf("leverage high: got %v, want ErrLeverageTooHigh", err)
	}

	// Boundary leverage passes: exactly 1x and exactly 5x
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 10_000); err != nil {
		t.Errorf("1x rejected: %v", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 50_000); err != nil {
		t.Errorf("5x rejected: %v", err)
	}

	// Zero directional price would poison pnl division. Long yes and
	// short no both trade the yes price, so both reject here.
	mkt.yes, mkt.no = 0, 10_000
	if _, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000); !errors.Is(err, ErrInvalidOraclePrice) {
		t.Errorf("zero price: got %v, want ErrInvalidOraclePrice", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", ShortNo, usd(100), 20_000); !errors.Is(err, ErrInvalidOraclePrice) {
		t.Errorf("zero price short no: got %v, want ErrInvalidOraclePrice", err)
	}
	// ...but the no side still trades
	if _, err := e.OpenPosition(trader1, "mkt-1", LongNo, usd(100), 20_000); err != nil {
		t.Errorf("no side rejected: %v", err)
	}
	if _, err := e.OpenPosition(trader1, "mkt-1", ShortYes, usd(100), 20_000); err != nil {
		t.Errorf("short yes rejected: %v", err)
	}

	// Insufficient free balance
	mkt.yes, mkt.no = 5_000, 5_000
	if _, err := e.OpenPosition(trader2, "mkt-1", LongYes, usd(100), 20_000); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("no balance: got %v, want ErrInsufficientBalance", err)
	}

	// Failed opens must not leak state
	if e.PositionCount() != 4 {
		t.Errorf("position count = %d, want 4", e.PositionCount())
	}
}

func TestClosePositionProfit(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))
	e.Deposit(trader2, usd(200))

	id, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)
	if err != nil {
		t.Fatal(err)
	}
	// Counterparty collateral backs trader1's winnings.
	if _, err := e.OpenPosition(trader2, "mkt-1", ShortYes, usd(150), 20_000); err != nil {
		t.Fatal(err)
	}

	// Yes 5000 → 6000: pnl = 199,800,000 × 1000 / 5000 = 39,960,000
	mkt.yes, mkt.no = 6_000, 4_000
	pnl, err := e.ClosePosition(trader1, id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if pnl != 39_960_000 {
		t.Errorf("pnl = %d, want 39960000", pnl)
	}

	// Payout = net collateral + pnl = 99,900,000 + 39,960,000
	wantBal := usd(100) + 99_900_000 + 39_960_000
	if bal := e.VaultBalance(trader1); bal != wantBal {
		t.Errorf("balance = %d, want %d", bal, wantBal)
	}

	p, _ := e.GetPosition(id)
	if p.IsOpen || p.Settled {
		t.Errorf("terminal state wrong: open=%v settled=%v", p.IsOpen, p.Settled)
	}
	if p.ExitPrice != 6_000 || p.RealizedPnL != 39_960_000 {
		t.Errorf("exit=%d realized=%d", p.ExitPrice, p.RealizedPnL)
	}

	// A closed position stays closed
	if _, err := e.ClosePosition(trader1, id); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("double close: got %v, want ErrPositionClosed", err)
	}
}

func TestClosePositionLoss(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))

	id, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)
	if err != nil {
		t.Fatal(err)
	}

	// Yes 5000 → 4000: pnl = 199,800,000 × -1000 / 5000 = -39,960,000
	mkt.yes, mkt.no = 4_000, 6_000
	pnl, err := e.ClosePosition(trader1, id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if pnl != -39_960_000 {
		t.Errorf("pnl = %d, want -39960000", pnl)
	}

	wantBal := usd(100) + 99_900_000 - 39_960_000
	if bal := e.VaultBalance(trader1); bal != wantBal {
		t.Errorf("balance = %d, want %d", bal, wantBal)
	}

	// The loss stays in custody as protocol float
	wantCustody := usd(100) - (99_900_000 - 39_960_000)
	if e.Custody() != wantCustody {
		t.Errorf("custody = %d, want %d", e.Custody(), wantCustody)
	}
}

func TestClosePositionAuth(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))

	id, _ := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)

	if _, err := e.ClosePosition(trader2, id); !errors.Is(err, ErrNotPositionOwner) {
		t.Errorf("got %v, want ErrNotPositionOwner", err)
	}
	if _, err := e.ClosePosition(trader1, 999); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("got %v, want ErrPositionNotFound", err)
	}
}

func TestLiquidation(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))

	// 2x long yes from 5000. Net collateral c = 99,900,000, size = 2c.
	// Liquidatable when equity < 0.2c, i.e. pnl < -0.8c, i.e.
	// 2c × (yes − 5000) / 5000 < -0.8c → yes < 3000.
	id, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)
	if err != nil {
		t.Fatal(err)
	}

	// At exactly 3000 equity equals the floor: not liquidatable
	mkt.yes, mkt.no = 3_000, 7_000
	liq, err := e.IsLiquidatable(id)
	if err != nil {
		t.Fatal(err)
	}
	if liq {
		t.Error("position at the threshold reported liquidatable")
	}
	if _, err := e.LiquidatePosition(liquidator, id); !errors.Is(err, ErrNotLiquidatable) {
		t.Errorf("got %v, want ErrNotLiquidatable", err)
	}

	// One tick below: liquidatable by anyone
	mkt.yes, mkt.no = 2_999, 7_001
	liq, err = e.IsLiquidatable(id)
	if err != nil {
		t.Fatal(err)
	}
	if !liq {
		t.Error("underwater position not liquidatable")
	}

	reward, err := e.LiquidatePosition(liquidator, id)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Reward = 5% of net collateral = 99,900,000 × 500 / 10000
	if reward != 4_995_000 {
		t.Errorf("reward = %d, want 4995000", reward)
	}
	if bal := e.VaultBalance(liquidator); bal != reward {
		t.Errorf("liquidator balance = %d, want %d", bal, reward)
	}

	p, _ := e.GetPosition(id)
	if p.IsOpen {
		t.Error("liquidated position still open")
	}
	if p.Settled {
		t.Error("liquidation must not mark settled")
	}

	// Owner gets nothing back; the remainder is protocol float
	if bal := e.VaultBalance(trader1); bal != usd(100) {
		t.Errorf("owner balance = %d, want %d", bal, usd(100))
	}
}

func TestSettlement(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))
	e.Deposit(trader2, usd(500))

	// Winner: long yes at 5000, 1x. Loser: long no at 5000, 1x.
	winID, err := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 10_000)
	if err != nil {
		t.Fatal(err)
	}
	loseID, err := e.OpenPosition(trader2, "mkt-1", LongNo, usd(400), 10_000)
	if err != nil {
		t.Fatal(err)
	}

	// Unresolved market cannot settle
	if _, err := e.SettlePosition(winID); !errors.Is(err, ErrNotSettleable) {
		t.Errorf("got %v, want ErrNotSettleable", err)
	}

	mkt.resolve(true) // yes wins, prices pin to 10000/0

	// Winner: size = net = 99,900,000 at 1x; pnl = size × 5000/5000 = size.
	pnl, err := e.SettlePosition(winID)
	if err != nil {
		t.Fatalf("settle winner: %v", err)
	}
	if pnl != 99_900_000 {
		t.Errorf("winner pnl = %d, want 99900000", pnl)
	}
	p, _ := e.GetPosition(winID)
	if !p.Settled || p.IsOpen {
		t.Errorf("winner not settled: open=%v settled=%v", p.IsOpen, p.Settled)
	}

	// Loser: no side went 5000 → 0; pnl = size × -5000/5000 = -size.
	// Payout clamps at zero.
	pnl, err = e.SettlePosition(loseID)
	if err != nil {
		t.Fatalf("settle loser: %v", err)
	}
	if pnl != -399_600_000 {
		t.Errorf("loser pnl = %d, want -399600000", pnl)
	}
	if bal := e.VaultBalance(trader2); bal != usd(100) {
		t.Errorf("loser balance = %d, want %d (zero payout)", bal, usd(100))
	}

	// Settled positions cannot settle again
	if _, err := e.SettlePosition(winID); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("double settle: got %v, want ErrPositionClosed", err)
	}
}

func TestSettleMarketPositions(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(1_000))

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := e.OpenPosition(trader1, "mkt-1", LongNo, usd(100), 10_000)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// One position on another market must be untouched
	otherID, err := e.OpenPosition(trader1, "mkt-2", LongNo, usd(100), 10_000)
	if err != nil {
		t.Fatal(err)
	}

	// Close one by hand so the batch has a skip
	mktClose := ids[0]
	if _, err := e.ClosePosition(trader1, mktClose); err != nil {
		t.Fatal(err)
	}

	mkt.resolve(true) // no side loses; zero payouts need no float

	// Batch of 2: settles 2 of the 4 remaining open positions
	n, err := e.SettleMarketPositions("mkt-1", 2)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if n != 2 {
		t.Errorf("settled = %d, want 2", n)
	}

	// Remaining batch picks up the rest
	n, err = e.SettleMarketPositions("mkt-1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("second batch = %d, want 2", n)
	}

	// Nothing left
	n, err = e.SettleMarketPositions("mkt-1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("third batch = %d, want 0", n)
	}

	// The stubOracle resolves all markets at once, so mkt-2's position
	// is settleable too, but only through its own market id.
	p, _ := e.GetPosition(otherID)
	if !p.IsOpen {
		t.Error("batch settle crossed market boundaries")
	}
}

func TestCalculatePnL(t *testing.T) {
	e, mkt, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))
	e.Deposit(trader2, usd(200))

	id, _ := e.OpenPosition(trader1, "mkt-1", ShortYes, usd(100), 30_000)
	// size = 99,900,000 × 3 = 299,700,000; entry = no price = 5000

	// Counterparty custody funds trader1's winning close below.
	if _, err := e.OpenPosition(trader2, "mkt-1", LongYes, usd(100), 10_000); err != nil {
		t.Fatal(err)
	}

	// Short yes is short the no price: no 5000 → 4000
	// pnl = 299,700,000 × 1000 / 5000 = 59,940,000
	mkt.yes, mkt.no = 6_000, 4_000
	pnl, err := e.CalculatePnL(id)
	if err != nil {
		t.Fatal(err)
	}
	if pnl != 59_940_000 {
		t.Errorf("pnl = %d, want 59940000", pnl)
	}

	// After close, CalculatePnL reports the frozen realized value
	if _, err := e.ClosePosition(trader1, id); err != nil {
		t.Fatal(err)
	}
	mkt.yes, mkt.no = 1_000, 9_000
	pnl, err = e.CalculatePnL(id)
	if err != nil {
		t.Fatal(err)
	}
	if pnl != 59_940_000 {
		t.Errorf("realized pnl drifted: %d", pnl)
	}
}

func TestPnLTruncatesTowardZero(t *testing.T) {
	// 7 × 1 / 3 = 2 (not 2.33); 7 × -1 / 3 = -2 (not -3)
	if got := PnL(LongYes, 7, 3, 4); got != 2 {
		t.Errorf("positive truncation: got %d, want 2", got)
	}
	if got := PnL(LongYes, 7, 3, 2); got != -2 {
		t.Errorf("negative truncation: got %d, want -2", got)
	}
}

func TestAdminOps(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Deposit(trader1, usd(200))
	e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)

	if err := e.TransferOwnership(trader1, trader1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if _, err := e.WithdrawFees(trader1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	// Fees route to the configured recipient and the accumulator zeroes
	if err := e.SetFeeRecipient(admin, trader2); err != nil {
		t.Fatal(err)
	}
	amount, err := e.WithdrawFees(admin)
	if err != nil {
		t.Fatal(err)
	}
	if amount != 100_000 {
		t.Errorf("fee amount = %d, want 100000", amount)
	}
	if bal := e.VaultBalance(trader2); bal != 100_000 {
		t.Errorf("recipient balance = %d, want 100000", bal)
	}
	if e.FeesAccrued() != 0 {
		t.Errorf("accumulator = %d, want 0", e.FeesAccrued())
	}

	// Second withdrawal is a no-op
	amount, err = e.WithdrawFees(admin)
	if err != nil || amount != 0 {
		t.Errorf("second withdraw = %d, %v; want 0, nil", amount, err)
	}

	if err := e.TransferOwnership(admin, trader1); err != nil {
		t.Fatal(err)
	}
	if e.Owner() != trader1 {
		t.Error("ownership not transferred")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e, mkt, clock := newTestEngine(t)
	e.Deposit(trader1, usd(200))
	id, _ := e.OpenPosition(trader1, "mkt-1", LongYes, usd(100), 20_000)

	p, _ := e.GetPosition(id)
	fresh := New(DefaultParams(), mkt, clock, nil, admin, zap.NewNop())
	fresh.Restore(
		[]*Position{&p},
		map[common.Address]int64{trader1: e.VaultBalance(trader1)},
		Meta{NextPositionID: 2, Custody: e.Custody(), FeesAccrued: e.FeesAccrued(), Owner: admin, FeeRecipient: admin},
	)

	got, err := fresh.GetPosition(id)
	if err != nil {
		t.Fatalf("restored position missing: %v", err)
	}
	if got.Collateral != p.Collateral || got.EntryPrice != p.EntryPrice {
		t.Error("restored position fields differ")
	}
	if fresh.VaultBalance(trader1) != e.VaultBalance(trader1) {
		t.Error("restored balance differs")
	}
	if fresh.Custody() != e.Custody() {
		t.Error("restored custody differs")
	}

	// New positions continue the id sequence
	nextID, err := fresh.OpenPosition(trader1, "mkt-1", LongYes, usd(50), 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if nextID != 2 {
		t.Errorf("next id = %d, want 2", nextID)
	}
}
