package attest

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/0xreflexivity/polyflux/pkg/crypto"
)

// SigningSet is an in-process stand-in for the external attestation
// network: a fixed set of BLS attesters that all sign the same payload.
// The keeper uses it to produce proofs in development and tests; in
// production the proof arrives from the real attestation pipeline and
// only the QuorumVerifier side runs here.
type SigningSet struct {
	signers []*crypto.BLSSigner
}

// NewSigningSet derives n deterministic attesters from a base seed.
func NewSigningSet(n int, seed []byte) *SigningSet {
	signers := make([]*crypto.BLSSigner, n)
	for i := range signers {
		s := append([]byte{byte(i)}, seed...)
		signers[i] = crypto.NewBLSSignerFromSeed(s)
	}
	return &SigningSet{signers: signers}
}

// Pubkeys returns the ordered attester public keys, suitable for
// constructing the matching QuorumVerifier.
func (s *SigningSet) Pubkeys() []*crypto.BLSPubKey {
	pks := make([]*crypto.BLSPubKey, len(s.signers))
	for i, sg := range s.signers {
		pks[i] = sg.Pubkey()
	}
	return pks
}

// Attest builds a fully-signed proof with every attester participating.
func (s *SigningSet) Attest(req Request, payload Payload, attestedAt int64, submitter common.Address) *Proof {
	p := &Proof{
		RoundID:      uuid.NewString(),
		Request:      req,
		Payload:      payload,
		AttestedAt:   attestedAt,
		Submitter:    submitter,
		SignerBitmap: make([]bool, len(s.signers)),
	}

	digest := p.Digest()
	sigs := make([][]byte, len(s.signers))
	for i, sg := range s.signers {
		sigs[i] = sg.Sign(digest)
		p.SignerBitmap[i] = true
	}
	p.AggSig = crypto.BLSAggregate(sigs)

	return p
}

// AttestPartial signs with only the attesters whose indices are listed.
// Tests use it to produce sub-quorum proofs.
func (s *SigningSet) AttestPartial(req Request, payload Payload, attestedAt int64, submitter common.Address, indices []int) *Proof {
	p := &Proof{
		RoundID:      uuid.NewString(),
		Request:      req,
		Payload:      payload,
		AttestedAt:   attestedAt,
		Submitter:    submitter,
		SignerBitmap: make([]bool, len(s.signers)),
	}

	digest := p.Digest()
	sigs := make([][]byte, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(s.signers) {
			continue
		}
		sigs = append(sigs, s.signers[i].Sign(digest))
		p.SignerBitmap[i] = true
	}
	p.AggSig = crypto.BLSAggregate(sigs)

	return p
}
