// Package app binds the market oracle and the derivatives engine into
// one ledger. Every state-changing call runs as a single serialized
// transaction: it either fully commits (bumping the sequence and
// emitting an event) or fails with a named error and no state change.
package app

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/app/engine"
	"github.com/0xreflexivity/polyflux/pkg/app/oracle"
	"github.com/0xreflexivity/polyflux/pkg/attest"
	"github.com/0xreflexivity/polyflux/pkg/util"
)

type App struct {
	Oracle *oracle.Oracle
	Engine *engine.Engine

	// mu is the single writer lock over the combined oracle and engine
	// state. Every state-changing entrypoint holds it end to end, so a
	// resolution can never land between the engine's oracle reads inside
	// one transaction.
	mu         sync.Mutex
	sequence   int64
	lastCommit int64

	clock  util.Clock
	sink   EventSink
	logger *zap.SugaredLogger
}

func New(o *oracle.Oracle, e *engine.Engine, clock util.Clock, sink EventSink, logger *zap.Logger) *App {
	return &App{
		Oracle: o,
		Engine: e,
		clock:  clock,
		sink:   sink,
		logger: logger.Sugar(),
	}
}

// Sequence returns the count of committed transactions.
func (a *App) Sequence() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

// commit records a successful transaction and publishes its event.
// Callers hold a.mu.
func (a *App) commit(eventType string, data interface{}) {
	a.sequence++
	a.lastCommit = a.clock.Now().Unix()

	if a.sink != nil {
		a.sink.Publish(eventType, data)
	}
}

// ---- Oracle writes ----

func (a *App) UpdateMarketData(p *attest.Proof) (*oracle.MarketRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.Oracle.UpdateMarketData(p)
	if err != nil {
		return nil, err
	}
	a.commit(EventMarketUpdated, rec)
	return rec, nil
}

func (a *App) ResolveMarketWithProof(p *attest.Proof) (*oracle.MarketRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.Oracle.ResolveMarketWithProof(p)
	if err != nil {
		return nil, err
	}
	a.commit(EventMarketResolved, rec)
	return rec, nil
}

func (a *App) EmergencyResolve(caller common.Address, marketID string, outcomeYes bool) (*oracle.MarketRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.Oracle.EmergencyResolve(caller, marketID, outcomeYes)
	if err != nil {
		return nil, err
	}
	a.commit(EventMarketResolved, rec)
	return rec, nil
}

// ---- Engine writes ----

func (a *App) Deposit(caller common.Address, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Engine.Deposit(caller, amount)
}

func (a *App) Withdraw(caller common.Address, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Engine.Withdraw(caller, amount)
}

func (a *App) OpenPosition(caller common.Address, marketID string, dir engine.Direction, collateral, leverage int64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.Engine.OpenPosition(caller, marketID, dir, collateral, leverage)
	if err != nil {
		return 0, err
	}
	pos, _ := a.Engine.GetPosition(id)
	a.commit(EventPositionOpened, pos)
	return id, nil
}

func (a *App) ClosePosition(caller common.Address, positionID uint64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pnl, err := a.Engine.ClosePosition(caller, positionID)
	if err != nil {
		return 0, err
	}
	pos, _ := a.Engine.GetPosition(positionID)
	a.commit(EventPositionClosed, pos)
	return pnl, nil
}

func (a *App) LiquidatePosition(caller common.Address, positionID uint64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reward, err := a.Engine.LiquidatePosition(caller, positionID)
	if err != nil {
		return 0, err
	}
	pos, _ := a.Engine.GetPosition(positionID)
	a.commit(EventPositionLiquidated, pos)
	return reward, nil
}

func (a *App) SettlePosition(positionID uint64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pnl, err := a.Engine.SettlePosition(positionID)
	if err != nil {
		return 0, err
	}
	pos, _ := a.Engine.GetPosition(positionID)
	a.commit(EventPositionSettled, pos)
	return pnl, nil
}

func (a *App) SettleMarketPositions(marketID string, maxPositions int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.Engine.SettleMarketPositions(marketID, maxPositions)
	if err != nil {
		return n, err
	}
	if n > 0 {
		a.commit(EventPositionSettled, map[string]interface{}{
			"marketId": marketID,
			"settled":  n,
		})
	}
	return n, nil
}

func (a *App) WithdrawFees(caller common.Address) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	amount, err := a.Engine.WithdrawFees(caller)
	if err != nil {
		return 0, err
	}
	if amount > 0 {
		a.commit(EventFeesWithdrawn, map[string]interface{}{"amount": amount})
	}
	return amount, nil
}
