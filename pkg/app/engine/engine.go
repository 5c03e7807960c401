// Package engine custodies collateral and drives leveraged positions on
// oracle-priced prediction markets: open, close, liquidate, settle. It
// reads oracle state on every action and never writes it.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/util"
)

// MarketReader is the oracle surface the engine depends on.
type MarketReader interface {
	GetLatestPrice(marketID string) (yes, no int64, err error)
	IsMarketDataFresh(marketID string, maxAge time.Duration) bool
	IsMarketResolved(marketID string) bool
	GetMarketOutcome(marketID string) (bool, error)
}

// Store is the engine's persistence hook. In-memory state is canonical;
// the store is a write-through replica rebuilt at startup.
type Store interface {
	SavePosition(p *Position) error
	SaveBalance(addr common.Address, balance int64) error
	SaveEngineMeta(m Meta) error
}

// Meta is the engine's scalar state, persisted as one record.
type Meta struct {
	NextPositionID uint64         `json:"nextPositionId"`
	Custody        int64          `json:"custody"`
	FeesAccrued    int64          `json:"feesAccrued"`
	Owner          common.Address `json:"owner"`
	FeeRecipient   common.Address `json:"feeRecipient"`
}

// Params are the engine's risk and fee knobs. All ratios are bps.
type Params struct {
	MinCollateral           int64         // USD 1e6 scale
	MinLeverage             int64         // bps, 10000 = 1x
	MaxLeverage             int64         // bps
	ProtocolFeeBps          int64         // taken from collateral at open
	LiquidationThresholdBps int64         // loss fraction that triggers liquidation
	LiquidationRewardBps    int64         // of original collateral, paid to liquidator
	MaxPositionSize         int64         // notional cap; keeps pnl math inside int64
	MaxOracleStaleness      time.Duration // freshness window gating opens
}

func DefaultParams() Params {
	return Params{
		MinCollateral:           10 * 1_000_000, // $10
		MinLeverage:             10_000,         // 1x
		MaxLeverage:             50_000,         // 5x
		ProtocolFeeBps:          10,             // 0.1%
		LiquidationThresholdBps: 8_000,          // 80% loss
		LiquidationRewardBps:    500,            // 5% of collateral
		MaxPositionSize:         100_000_000 * 1_000_000,
		MaxOracleStaleness:      time.Hour,
	}
}

// Engine holds all position and collateral state behind one lock. Every
// entrypoint commits fully or returns an error with nothing changed;
// paying paths finish their own mutations before the payout moves.
type Engine struct {
	mu      sync.RWMutex
	entered bool // reentrancy guard across paying entrypoints

	params Params
	oracle MarketReader
	vault  *Vault
	clock  util.Clock
	store  Store // nil disables persistence
	logger *zap.SugaredLogger

	positions map[uint64]*Position
	nextID    uint64
	byOwner   map[common.Address][]uint64
	byMarket  map[string][]uint64

	feesAccrued  int64
	owner        common.Address
	feeRecipient common.Address
}

func New(params Params, oracle MarketReader, clock util.Clock, store Store, owner common.Address, logger *zap.Logger) *Engine {
	return &Engine{
		params:       params,
		oracle:       oracle,
		vault:        NewVault(),
		clock:        clock,
		store:        store,
		logger:       logger.Sugar(),
		positions:    make(map[uint64]*Position),
		nextID:       1,
		byOwner:      make(map[common.Address][]uint64),
		byMarket:     make(map[string][]uint64),
		owner:        owner,
		feeRecipient: owner,
	}
}

// begin/end implement the reentrancy guard. The engine's own lock
// already serializes callers; the guard defends against a collateral
// backend that calls back into the engine mid-transfer.
func (e *Engine) begin() error {
	if e.entered {
		return ErrReentrancy
	}
	e.entered = true
	return nil
}

func (e *Engine) end() { e.entered = false }

// Restore loads persisted state at startup.
func (e *Engine) Restore(positions []*Position, balances map[common.Address]int64, meta Meta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range positions {
		cp := *p
		e.positions[p.ID] = &cp
		e.byOwner[p.Owner] = append(e.byOwner[p.Owner], p.ID)
		e.byMarket[p.MarketID] = append(e.byMarket[p.MarketID], p.ID)
	}
	for addr, bal := range balances {
		e.vault.restore(addr, bal)
	}
	if meta.NextPositionID > 0 {
		e.nextID = meta.NextPositionID
	}
	e.vault.restoreCustody(meta.Custody)
	e.feesAccrued = meta.FeesAccrued
	if (meta.Owner != common.Address{}) {
		e.owner = meta.Owner
	}
	if (meta.FeeRecipient != common.Address{}) {
		e.feeRecipient = meta.FeeRecipient
	}
}

// ---- Collateral bridge ----

// Deposit credits collateral to caller's free balance.
func (e *Engine) Deposit(caller common.Address, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.vault.Deposit(caller, amount); err != nil {
		return err
	}
	return e.persistBalance(caller)
}

// Withdraw debits caller's free balance. Collateral locked in open
// positions is not withdrawable.
func (e *Engine) Withdraw(caller common.Address, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.vault.Withdraw(caller, amount); err != nil {
		return err
	}
	return e.persistBalance(caller)
}

func (e *Engine) VaultBalance(addr common.Address) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Balance(addr)
}

// MaxStaleness returns the freshness window that gates position opens.
func (e *Engine) MaxStaleness() time.Duration {
	return e.params.MaxOracleStaleness
}

// ---- Position lifecycle ----

// OpenPosition opens a leveraged position for caller. The staleness
// check runs before all other validation; callers probing a dead oracle
// see ErrOracleStale first regardless of their other inputs.
func (e *Engine) OpenPosition(caller common.Address, marketID string, dir Direction, collateral, leverage int64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	if !e.oracle.IsMarketDataFresh(marketID, e.params.MaxOracleStaleness) {
		return 0, fmt.Errorf("%w: %s", ErrOracleStale, marketID)
	}
	if e.oracle.IsMarketResolved(marketID) {
		return 0, fmt.Errorf("%w: %s", ErrMarketResolved, marketID)
	}
	if !dir.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDirection, dir)
	}
	if collateral < e.params.MinCollateral {
		return 0, fmt.Errorf("%w: %d < %d", ErrCollateralTooSmall, collateral, e.params.MinCollateral)
	}
	if leverage < e.params.MinLeverage {
		return 0, fmt.Errorf("%w: %d < %d", ErrLeverageTooLow, leverage, e.params.MinLeverage)
	}
	if leverage > e.params.MaxLeverage {
		return 0, fmt.Errorf("%w: %d > %d", ErrLeverageTooHigh, leverage, e.params.MaxLeverage)
	}
	// Cap collateral before the fee and size multiplications below; past
	// this bound they could wrap int64 and a wrapped-negative size would
	// slip under the size check.
	if collateral > e.params.MaxPositionSize {
		return 0, fmt.Errorf("%w: collateral %d > %d", ErrPositionTooLarge, collateral, e.params.MaxPositionSize)
	}

	yes, no, err := e.oracle.GetLatestPrice(marketID)
	if err != nil {
		return 0, fmt.Errorf("read oracle price: %w", err)
	}
	entry := directionalPrice(dir, yes, no)
	if entry == 0 {
		// A zero entry would poison every later pnl division.
		return 0, fmt.Errorf("%w: market %s side %s", ErrInvalidOraclePrice, marketID, dir)
	}

	fee := collateral * e.params.ProtocolFeeBps / BPS
	net := collateral - fee
	size := net * leverage / BPS
	if size > e.params.MaxPositionSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrPositionTooLarge, size, e.params.MaxPositionSize)
	}

	if err := e.vault.lockCollateral(caller, collateral); err != nil {
		return 0, err
	}
	e.feesAccrued += fee

	p := &Position{
		ID:            e.nextID,
		Owner:         caller,
		MarketID:      marketID,
		Direction:     dir,
		Collateral:    net,
		Leverage:      leverage,
		EntryPrice:    entry,
		OpenTimestamp: e.clock.Now().Unix(),
		IsOpen:        true,
	}
	e.nextID++
	e.positions[p.ID] = p
	e.byOwner[caller] = append(e.byOwner[caller], p.ID)
	e.byMarket[marketID] = append(e.byMarket[marketID], p.ID)

	if err := e.persistPosition(p, caller); err != nil {
		return 0, err
	}

	e.logger.Infow("position_opened",
		"position_id", p.ID,
		"owner", caller.Hex(),
		"market_id", marketID,
		"direction", dir.String(),
		"collateral", net,
		"leverage_bps", leverage,
		"entry_bps", entry,
		"size", p.Size(),
		"fee", fee,
	)

	return p.ID, nil
}

// ClosePosition voluntarily closes caller's open position at the
// current directional price, stale or not. Payout is collateral plus
// pnl, floored at zero. Returns the signed pnl.
func (e *Engine) ClosePosition(caller common.Address, positionID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	p, ok := e.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: %d", ErrPositionClosed, positionID)
	}
	if p.Owner != caller {
		return 0, fmt.Errorf("%w: position %d", ErrNotPositionOwner, positionID)
	}

	yes, no, err := e.oracle.GetLatestPrice(p.MarketID)
	if err != nil {
		return 0, fmt.Errorf("read oracle price: %w", err)
	}
	current := directionalPrice(p.Direction, yes, no)

	pnl := p.CurrentPnL(current)
	payout := clampPayout(p.Collateral + pnl)
	if err := e.vault.canPayOut(payout); err != nil {
		return 0, err
	}

	// Effects before transfer. Any shortfall between collateral and
	// payout stays in custody as protocol float.
	p.IsOpen = false
	p.ClosedAt = e.clock.Now().Unix()
	p.ExitPrice = current
	p.RealizedPnL = pnl

	if err := e.vault.payOut(caller, payout); err != nil {
		return 0, err
	}

	if err := e.persistPosition(p, caller); err != nil {
		return 0, err
	}

	e.logger.Infow("position_closed",
		"position_id", p.ID,
		"owner", caller.Hex(),
		"exit_bps", current,
		"pnl", pnl,
		"payout", payout,
	)

	return pnl, nil
}

// IsLiquidatable reports whether equity has fallen below the protective
// threshold: equity < collateral × (10000 − threshold) / 10000. Closed
// positions are never liquidatable.
func (e *Engine) IsLiquidatable(positionID uint64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLiquidatableLocked(positionID)
}

func (e *Engine) isLiquidatableLocked(positionID uint64) (bool, error) {
	p, ok := e.positions[positionID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen {
		return false, nil
	}

	yes, no, err := e.oracle.GetLatestPrice(p.MarketID)
	if err != nil {
		return false, fmt.Errorf("read oracle price: %w", err)
	}
	current := directionalPrice(p.Direction, yes, no)

	equity := p.Collateral + p.CurrentPnL(current)
	floor := p.Collateral * (BPS - e.params.LiquidationThresholdBps) / BPS
	return equity < floor, nil
}

// LiquidatePosition force-closes an underwater position. Anyone may
// call; the caller earns a fixed cut of the original collateral. The
// remainder stays in custody as protocol float rather than being
// reconciled against actual losses.
func (e *Engine) LiquidatePosition(caller common.Address, positionID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	p, ok := e.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: %d", ErrPositionClosed, positionID)
	}

	liquidatable, err := e.isLiquidatableLocked(positionID)
	if err != nil {
		return 0, err
	}
	if !liquidatable {
		return 0, fmt.Errorf("%w: %d", ErrNotLiquidatable, positionID)
	}

	yes, no, err := e.oracle.GetLatestPrice(p.MarketID)
	if err != nil {
		return 0, fmt.Errorf("read oracle price: %w", err)
	}
	current := directionalPrice(p.Direction, yes, no)

	reward := p.Collateral * e.params.LiquidationRewardBps / BPS
	if err := e.vault.canPayOut(reward); err != nil {
		return 0, err
	}

	p.IsOpen = false
	p.ClosedAt = e.clock.Now().Unix()
	p.ExitPrice = current
	p.RealizedPnL = p.CurrentPnL(current)

	if err := e.vault.payOut(caller, reward); err != nil {
		return 0, err
	}

	if err := e.persistPosition(p, caller); err != nil {
		return 0, err
	}

	e.logger.Infow("position_liquidated",
		"position_id", p.ID,
		"owner", p.Owner.Hex(),
		"liquidator", caller.Hex(),
		"reward", reward,
		"mark_bps", current,
	)

	return reward, nil
}

// IsSettleable reports whether a position can go through the resolution
// settlement path.
func (e *Engine) IsSettleable(positionID uint64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[positionID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	return p.IsOpen && e.oracle.IsMarketResolved(p.MarketID), nil
}

// SettlePosition closes a position against its market's pinned terminal
// prices. Anyone may call; the payout goes to the position owner.
// Returns the signed pnl.
func (e *Engine) SettlePosition(positionID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	return e.settleLocked(positionID)
}

func (e *Engine) settleLocked(positionID uint64) (int64, error) {
	p, ok := e.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen {
		return 0, fmt.Errorf("%w: %d", ErrPositionClosed, positionID)
	}
	if !e.oracle.IsMarketResolved(p.MarketID) {
		return 0, fmt.Errorf("%w: market %s", ErrNotSettleable, p.MarketID)
	}

	yes, no, err := e.oracle.GetLatestPrice(p.MarketID)
	if err != nil {
		return 0, fmt.Errorf("read oracle price: %w", err)
	}
	final := directionalPrice(p.Direction, yes, no)

	pnl := p.CurrentPnL(final)
	payout := clampPayout(p.Collateral + pnl)
	if err := e.vault.canPayOut(payout); err != nil {
		return 0, err
	}

	p.IsOpen = false
	p.Settled = true
	p.ClosedAt = e.clock.Now().Unix()
	p.ExitPrice = final
	p.RealizedPnL = pnl

	if err := e.vault.payOut(p.Owner, payout); err != nil {
		return 0, err
	}

	if err := e.persistPosition(p, p.Owner); err != nil {
		return 0, err
	}

	e.logger.Infow("position_settled",
		"position_id", p.ID,
		"owner", p.Owner.Hex(),
		"final_bps", final,
		"pnl", pnl,
		"payout", payout,
	)

	return pnl, nil
}

// SettleMarketPositions settles up to maxPositions open positions on a
// resolved market, skipping ones already closed. Bounding the batch
// keeps one call's work finite on markets with many positions; callers
// re-invoke until the returned count is zero.
func (e *Engine) SettleMarketPositions(marketID string, maxPositions int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	if !e.oracle.IsMarketResolved(marketID) {
		return 0, fmt.Errorf("%w: market %s", ErrNotSettleable, marketID)
	}

	settled := 0
	for _, id := range e.byMarket[marketID] {
		if settled >= maxPositions {
			break
		}
		p := e.positions[id]
		if p == nil || !p.IsOpen {
			continue
		}
		if _, err := e.settleLocked(id); err != nil {
			return settled, err
		}
		settled++
	}

	return settled, nil
}

// ---- Reads ----

func (e *Engine) GetPosition(positionID uint64) (Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[positionID]
	if !ok {
		return Position{}, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	return *p, nil
}

// CalculatePnL evaluates an open position at the current directional
// price; for a closed position it returns the realized pnl.
func (e *Engine) CalculatePnL(positionID uint64) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen {
		return p.RealizedPnL, nil
	}

	yes, no, err := e.oracle.GetLatestPrice(p.MarketID)
	if err != nil {
		return 0, fmt.Errorf("read oracle price: %w", err)
	}
	return p.CurrentPnL(directionalPrice(p.Direction, yes, no)), nil
}

func (e *Engine) PositionsByOwner(addr common.Address) []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Position, 0, len(e.byOwner[addr]))
	for _, id := range e.byOwner[addr] {
		if p, ok := e.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (e *Engine) PositionsByMarket(marketID string) []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Position, 0, len(e.byMarket[marketID]))
	for _, id := range e.byMarket[marketID] {
		if p, ok := e.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (e *Engine) PositionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

func (e *Engine) FeesAccrued() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feesAccrued
}

func (e *Engine) Custody() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vault.Custody()
}

func (e *Engine) Owner() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner
}

// ---- Admin ----

func (e *Engine) TransferOwnership(caller, newOwner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	e.owner = newOwner
	e.logger.Infow("ownership_transferred", "new_owner", newOwner.Hex())
	return e.persistMeta()
}

func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	e.feeRecipient = recipient
	return e.persistMeta()
}

// WithdrawFees moves the accrued fee accumulator to the fee recipient's
// free balance. The accumulator is zeroed before the transfer.
func (e *Engine) WithdrawFees(caller common.Address) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	if caller != e.owner {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}

	amount := e.feesAccrued
	if amount == 0 {
		return 0, nil
	}
	if err := e.vault.canPayOut(amount); err != nil {
		return 0, err
	}

	e.feesAccrued = 0
	if err := e.vault.payOut(e.feeRecipient, amount); err != nil {
		return 0, err
	}

	if err := e.persistBalance(e.feeRecipient); err != nil {
		return 0, err
	}
	if err := e.persistMeta(); err != nil {
		return 0, err
	}

	e.logger.Infow("fees_withdrawn", "recipient", e.feeRecipient.Hex(), "amount", amount)
	return amount, nil
}

// ---- Internals ----

// directionalPrice selects the side of the book a direction trades.
func directionalPrice(d Direction, yes, no int64) int64 {
	if d.UsesYesPrice() {
		return yes
	}
	return no
}

func clampPayout(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func (e *Engine) persistPosition(p *Position, addr common.Address) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SavePosition(p); err != nil {
		return fmt.Errorf("persist position %d: %w", p.ID, err)
	}
	if err := e.store.SaveBalance(addr, e.vault.Balance(addr)); err != nil {
		return fmt.Errorf("persist balance %s: %w", addr.Hex(), err)
	}
	return e.persistMeta()
}

func (e *Engine) persistBalance(addr common.Address) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveBalance(addr, e.vault.Balance(addr)); err != nil {
		return fmt.Errorf("persist balance %s: %w", addr.Hex(), err)
	}
	return nil
}

func (e *Engine) persistMeta() error {
	if e.store == nil {
		return nil
	}
	m := Meta{
		NextPositionID: e.nextID,
		Custody:        e.vault.Custody(),
		FeesAccrued:    e.feesAccrued,
		Owner:          e.owner,
		FeeRecipient:   e.feeRecipient,
	}
	if err := e.store.SaveEngineMeta(m); err != nil {
		return fmt.Errorf("persist engine meta: %w", err)
	}
	return nil
}
