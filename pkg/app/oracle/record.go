package oracle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Price and amount scales. Prices are basis points (10000 = 100%);
// volume and liquidity are USD scaled by 1e6.
const (
	BPS = 10_000

	// MinPriceSum / MaxPriceSum bound yesPrice+noPrice on a routine
	// update. Tolerates spread and rounding; rejects single-sided or
	// manipulated data.
	MinPriceSum = 9_500
	MaxPriceSum = 10_500

	// ResolutionThresholdBps: a side at or above this on the source is
	// treated as effectively resolved.
	ResolutionThresholdBps = 9_900

	// DefaultMinLiquidity is the floor below which a market is too thin
	// to trust: $1,000 at 1e6 scale.
	DefaultMinLiquidity = 1_000 * 1_000_000

	// QuestionMaxLen caps stored question text for storage predictability.
	QuestionMaxLen = 100
)

// MarketRecord is the canonical on-ledger state for one external market.
// The only writer is a validated attestation (or the owner's emergency
// path); the derivatives engine and API only read.
type MarketRecord struct {
	MarketID  string `json:"marketId"`
	Question  string `json:"question"`
	YesPrice  int64  `json:"yesPrice"` // bps, [0, 10000]
	NoPrice   int64  `json:"noPrice"`  // bps, [0, 10000]
	Volume    int64  `json:"volume"`   // USD 1e6 scale
	Liquidity int64  `json:"liquidity"`

	// Timestamp is the ledger write time (unix seconds) of the last
	// committed update; 0 means the record does not exist.
	Timestamp int64 `json:"timestamp"`

	Resolved bool `json:"resolved"`
	Outcome  bool `json:"outcome"` // meaningful only when Resolved; true = Yes won

	// Provenance, for audit only.
	Submitter        common.Address `json:"submitter"`
	AttestationRound string         `json:"attestationRound"`
	SourceAttestedAt int64          `json:"sourceAttestedAt"`
}

// Exists reports whether the record was ever written.
func (r *MarketRecord) Exists() bool {
	return r != nil && r.Timestamp > 0
}

// Validate checks record invariants after any write.
func (r *MarketRecord) Validate() error {
	if r.MarketID == "" {
		return fmt.Errorf("empty market id")
	}
	if r.YesPrice < 0 || r.YesPrice > BPS || r.NoPrice < 0 || r.NoPrice > BPS {
		return fmt.Errorf("price out of [0,%d]: yes=%d no=%d", BPS, r.YesPrice, r.NoPrice)
	}
	if r.Resolved {
		if !(r.YesPrice == BPS && r.NoPrice == 0) && !(r.YesPrice == 0 && r.NoPrice == BPS) {
			return fmt.Errorf("resolved prices not pinned: yes=%d no=%d", r.YesPrice, r.NoPrice)
		}
		return nil
	}
	sum := r.YesPrice + r.NoPrice
	if sum < MinPriceSum || sum > MaxPriceSum {
		return fmt.Errorf("price sum %d outside [%d,%d]", sum, MinPriceSum, MaxPriceSum)
	}
	return nil
}

// validatePrices is the pure bounds check applied to an incoming update
// payload. Kept free of proof plumbing so it can be exercised directly.
func validatePrices(yes, no int64) error {
	if yes < 0 || yes > BPS || no < 0 || no > BPS {
		return fmt.Errorf("%w: yes=%d no=%d exceed %d bps", ErrInvalidPrices, yes, no, BPS)
	}
	sum := yes + no
	if sum < MinPriceSum || sum > MaxPriceSum {
		return fmt.Errorf("%w: sum %d outside [%d,%d]", ErrInvalidPrices, sum, MinPriceSum, MaxPriceSum)
	}
	return nil
}

// resolutionOutcome maps a payload to the winning side, or fails when
// neither side has cleared the resolution threshold on the source.
func resolutionOutcome(yes, no int64) (bool, error) {
	switch {
	case yes >= ResolutionThresholdBps:
		return true, nil
	case no >= ResolutionThresholdBps:
		return false, nil
	default:
		return false, fmt.Errorf("%w: neither side at %d bps (yes=%d no=%d)",
			ErrInvalidPrices, ResolutionThresholdBps, yes, no)
	}
}

// truncateQuestion enforces the storage cap without rejecting the update.
func truncateQuestion(q string) string {
	if len(q) <= QuestionMaxLen {
		return q
	}
	return q[:QuestionMaxLen]
}
