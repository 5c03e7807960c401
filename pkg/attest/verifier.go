package attest

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/crypto"
)

// ErrInvalidProof is returned for any authenticity failure: bad
// signature, unknown attesters, or a sub-quorum round.
var ErrInvalidProof = errors.New("invalid attestation proof")

// Verifier checks a proof's authenticity envelope. Implementations must
// be pure: same proof in, same verdict out, no state mutation.
type Verifier interface {
	Verify(p *Proof) error
}

// QuorumVerifier validates proofs against a fixed, ordered attester set.
// A proof is valid when at least Threshold() attesters participated and
// their aggregate BLS signature checks out over the proof digest.
type QuorumVerifier struct {
	attesters []*crypto.BLSPubKey
	logger    *zap.SugaredLogger
}

// NewQuorumVerifier creates a verifier over an ordered attester set.
// Proof bitmaps index into this ordering.
func NewQuorumVerifier(attesters []*crypto.BLSPubKey, logger *zap.Logger) *QuorumVerifier {
	return &QuorumVerifier{
		attesters: attesters,
		logger:    logger.Sugar(),
	}
}

// Threshold returns the minimum number of participating attesters:
// strictly more than 2/3 of the set.
func (v *QuorumVerifier) Threshold() int {
	return (2*len(v.attesters))/3 + 1
}

// Verify checks bitmap shape, quorum size, and the aggregate signature.
func (v *QuorumVerifier) Verify(p *Proof) error {
	if p == nil {
		return fmt.Errorf("%w: nil proof", ErrInvalidProof)
	}
	if len(p.SignerBitmap) != len(v.attesters) {
		return fmt.Errorf("%w: bitmap size %d, attester set %d",
			ErrInvalidProof, len(p.SignerBitmap), len(v.attesters))
	}

	signers := make([]*crypto.BLSPubKey, 0, len(v.attesters))
	for i, set := range p.SignerBitmap {
		if set {
			signers = append(signers, v.attesters[i])
		}
	}

	if len(signers) < v.Threshold() {
		return fmt.Errorf("%w: %d signers, quorum is %d",
			ErrInvalidProof, len(signers), v.Threshold())
	}

	if !crypto.BLSVerifyAggregateSameMsg(signers, p.Digest(), p.AggSig) {
		v.logger.Warnw("aggregate_signature_rejected",
			"round_id", p.RoundID,
			"market_id", p.Payload.MarketID,
			"signers", len(signers),
		)
		return fmt.Errorf("%w: aggregate signature check failed", ErrInvalidProof)
	}

	return nil
}
