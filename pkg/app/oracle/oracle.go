// Package oracle owns the canonical per-market price, volume, liquidity
// and resolution state. Writes arrive only as quorum-attested proofs;
// anyone may submit one. Trust comes entirely from proof validity plus
// local revalidation of every numeric bound, never from caller identity.
package oracle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/attest"
	"github.com/0xreflexivity/polyflux/pkg/util"
)

// Store is the persistence hook the oracle writes through. A record is
// saved before it becomes visible, so a storage failure aborts the
// whole update.
type Store interface {
	SaveMarket(r *MarketRecord) error
}

// Config carries the oracle's trust parameters.
type Config struct {
	// ExpectedURLPrefix is the API prefix every attested request must
	// match. Defends against proofs attesting to unrelated URLs.
	ExpectedURLPrefix string

	// MinLiquidity rejects thin, manipulable markets at write time.
	MinLiquidity int64

	// Owner may invoke the emergency resolution path. This bypasses
	// proof validation and is a deliberate centralization trade-off for
	// attestation-pipeline outages.
	Owner common.Address
}

// Oracle is the market data state machine. Per record the lifecycle is
// Unknown -> Active -> Resolved, with Resolved terminal.
type Oracle struct {
	mu       sync.RWMutex
	cfg      Config
	verifier attest.Verifier
	clock    util.Clock
	store    Store // nil disables persistence
	logger   *zap.SugaredLogger

	records map[string]*MarketRecord
	ids     []string            // insertion order, for enumeration
	known   map[string]struct{} // dedupe set for ids
}

func New(cfg Config, verifier attest.Verifier, clock util.Clock, store Store, logger *zap.Logger) *Oracle {
	if cfg.MinLiquidity == 0 {
		cfg.MinLiquidity = DefaultMinLiquidity
	}
	return &Oracle{
		cfg:      cfg,
		verifier: verifier,
		clock:    clock,
		store:    store,
		logger:   logger.Sugar(),
		records:  make(map[string]*MarketRecord),
		known:    make(map[string]struct{}),
	}
}

// Restore loads previously persisted records at startup. Not for use
// after the oracle starts serving.
func (o *Oracle) Restore(records []*MarketRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range records {
		if !r.Exists() {
			continue
		}
		cp := *r
		o.records[r.MarketID] = &cp
		if _, ok := o.known[r.MarketID]; !ok {
			o.known[r.MarketID] = struct{}{}
			o.ids = append(o.ids, r.MarketID)
		}
	}
}

// checkProof runs the shared proof pipeline: verifier first, then the
// source URL binding. Order is load-bearing for which error callers see.
func (o *Oracle) checkProof(p *attest.Proof) error {
	if err := o.verifier.Verify(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !strings.HasPrefix(p.Request.URL, o.cfg.ExpectedURLPrefix) {
		return fmt.Errorf("%w: %q does not match prefix %q",
			ErrInvalidURL, p.Request.URL, o.cfg.ExpectedURLPrefix)
	}
	return nil
}

// UpdateMarketData ingests a routine price update. Creates the record on
// first successful call, refreshes it afterwards. A resolved market
// rejects further updates: its prices are pinned.
func (o *Oracle) UpdateMarketData(p *attest.Proof) (*MarketRecord, error) {
	if err := o.checkProof(p); err != nil {
		return nil, err
	}

	pl := p.Payload
	if pl.MarketID == "" {
		return nil, fmt.Errorf("%w: empty market id in payload", ErrInvalidPrices)
	}
	if err := validatePrices(pl.YesPrice, pl.NoPrice); err != nil {
		return nil, err
	}
	if pl.Liquidity < o.cfg.MinLiquidity {
		return nil, fmt.Errorf("%w: %d below floor %d",
			ErrInsufficientLiquidity, pl.Liquidity, o.cfg.MinLiquidity)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.records[pl.MarketID]; ok && prev.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrMarketAlreadyResolved, pl.MarketID)
	}

	rec := &MarketRecord{
		MarketID:         pl.MarketID,
		Question:         truncateQuestion(pl.Question),
		YesPrice:         pl.YesPrice,
		NoPrice:          pl.NoPrice,
		Volume:           pl.Volume,
		Liquidity:        pl.Liquidity,
		Timestamp:        o.clock.Now().Unix(),
		Submitter:        p.Submitter,
		AttestationRound: p.RoundID,
		SourceAttestedAt: p.AttestedAt,
	}

	if err := o.saveLocked(rec); err != nil {
		return nil, err
	}
	o.installLocked(rec)

	o.logger.Infow("market_updated",
		"market_id", rec.MarketID,
		"yes_bps", rec.YesPrice,
		"no_bps", rec.NoPrice,
		"liquidity", rec.Liquidity,
		"round_id", rec.AttestationRound,
	)

	cp := *rec
	return &cp, nil
}

// ResolveMarketWithProof runs the same proof pipeline but requires the
// source to show one side effectively resolved, then pins prices to
// {10000,0} or {0,10000}. Terminal for the record.
func (o *Oracle) ResolveMarketWithProof(p *attest.Proof) (*MarketRecord, error) {
	if err := o.checkProof(p); err != nil {
		return nil, err
	}

	pl := p.Payload

	o.mu.Lock()
	defer o.mu.Unlock()

	prev, ok := o.records[pl.MarketID]
	if !ok || !prev.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, pl.MarketID)
	}
	if prev.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrMarketAlreadyResolved, pl.MarketID)
	}

	outcome, err := resolutionOutcome(pl.YesPrice, pl.NoPrice)
	if err != nil {
		return nil, err
	}

	rec, err := o.resolveLocked(prev, outcome, p.Submitter, p.RoundID, p.AttestedAt)
	if err != nil {
		return nil, err
	}

	o.logger.Infow("market_resolved",
		"market_id", rec.MarketID,
		"outcome_yes", rec.Outcome,
		"round_id", rec.AttestationRound,
	)

	cp := *rec
	return &cp, nil
}

// EmergencyResolve is the owner-only escape hatch for attestation
// pipeline outages. Identical to normal resolution except no proof is
// checked; the outcome comes from the owner directly.
func (o *Oracle) EmergencyResolve(caller common.Address, marketID string, outcomeYes bool) (*MarketRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.cfg.Owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}

	prev, ok := o.records[marketID]
	if !ok || !prev.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if prev.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrMarketAlreadyResolved, marketID)
	}

	rec, err := o.resolveLocked(prev, outcomeYes, caller, "emergency", 0)
	if err != nil {
		return nil, err
	}

	o.logger.Warnw("market_emergency_resolved",
		"market_id", marketID,
		"outcome_yes", outcomeYes,
		"owner", caller.Hex(),
	)

	cp := *rec
	return &cp, nil
}

// resolveLocked pins the record to its terminal prices. Caller holds the
// write lock and has already checked existence and resolution state.
func (o *Oracle) resolveLocked(prev *MarketRecord, outcomeYes bool, submitter common.Address, round string, attestedAt int64) (*MarketRecord, error) {
	rec := *prev
	rec.Resolved = true
	rec.Outcome = outcomeYes
	if outcomeYes {
		rec.YesPrice, rec.NoPrice = BPS, 0
	} else {
		rec.YesPrice, rec.NoPrice = 0, BPS
	}
	rec.Timestamp = o.clock.Now().Unix()
	rec.Submitter = submitter
	rec.AttestationRound = round
	rec.SourceAttestedAt = attestedAt

	if err := o.saveLocked(&rec); err != nil {
		return nil, err
	}
	o.installLocked(&rec)
	return &rec, nil
}

func (o *Oracle) saveLocked(rec *MarketRecord) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.SaveMarket(rec); err != nil {
		return fmt.Errorf("persist market %s: %w", rec.MarketID, err)
	}
	return nil
}

func (o *Oracle) installLocked(rec *MarketRecord) {
	o.records[rec.MarketID] = rec
	if _, ok := o.known[rec.MarketID]; !ok {
		o.known[rec.MarketID] = struct{}{}
		o.ids = append(o.ids, rec.MarketID)
	}
}

// ---- Read surface ----

// GetMarketData returns a copy of the record.
func (o *Oracle) GetMarketData(marketID string) (MarketRecord, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[marketID]
	if !ok || !rec.Exists() {
		return MarketRecord{}, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return *rec, nil
}

// GetLatestPrice returns the current yes/no prices in bps.
func (o *Oracle) GetLatestPrice(marketID string) (yes, no int64, err error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[marketID]
	if !ok || !rec.Exists() {
		return 0, 0, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return rec.YesPrice, rec.NoPrice, nil
}

// IsMarketDataFresh reports whether the record's last write is within
// maxAge of now. An absent market is stale, not an error.
func (o *Oracle) IsMarketDataFresh(marketID string, maxAge time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[marketID]
	if !ok || !rec.Exists() {
		return false
	}
	age := o.clock.Now().Unix() - rec.Timestamp
	return age <= int64(maxAge/time.Second)
}

func (o *Oracle) IsMarketResolved(marketID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[marketID]
	return ok && rec.Resolved
}

// GetMarketOutcome reports the winning side of a resolved market.
func (o *Oracle) GetMarketOutcome(marketID string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[marketID]
	if !ok || !rec.Exists() {
		return false, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if !rec.Resolved {
		return false, fmt.Errorf("%w: %s", ErrMarketNotResolved, marketID)
	}
	return rec.Outcome, nil
}

// MarketIDs returns all known market ids in first-seen order.
func (o *Oracle) MarketIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.ids))
	copy(out, o.ids)
	return out
}

func (o *Oracle) MarketCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ids)
}
