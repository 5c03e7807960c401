// Package attest defines the proof artifact that carries off-chain market
// data on-chain, and the verifier boundary that checks its authenticity.
//
// A proof binds three things together: the original HTTP request the
// attesters executed, the decoded payload their deterministic transform
// produced, and a BLS aggregate signature from a quorum of attesters over
// the digest of both. The oracle trusts nothing about the caller; it
// trusts only a proof the verifier accepts.
package attest

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xreflexivity/polyflux/pkg/crypto"
)

// Payload is the fixed response schema the attestation transform emits.
// Prices are basis points in [0, 10000]; volume and liquidity are USD
// amounts scaled by 1e6.
type Payload struct {
	MarketID  string `json:"marketId"`
	Question  string `json:"question"`
	YesPrice  int64  `json:"yesPrice"`
	NoPrice   int64  `json:"noPrice"`
	Volume    int64  `json:"volume"`
	Liquidity int64  `json:"liquidity"`
}

// Request records the HTTP fetch the attesters performed and the named
// deterministic transform applied to its response body.
type Request struct {
	URL       string `json:"url"`
	Transform string `json:"transform"`
}

// Proof is the attestation artifact submitted to the oracle.
//
// SignerBitmap marks which members of the registered attester set
// participated in the round; AggSig is their aggregate BLS signature
// over Digest(). Submitter and AttestedAt are provenance metadata for
// audit, not inputs to validity.
type Proof struct {
	RoundID      string         `json:"roundId"`
	Request      Request        `json:"request"`
	Payload      Payload        `json:"payload"`
	AttestedAt   int64          `json:"attestedAt"` // source-side unix seconds
	Submitter    common.Address `json:"submitter"`
	SignerBitmap []bool         `json:"signerBitmap"`
	AggSig       []byte         `json:"aggSig"`
}

// signingEnvelope is the exact preimage attesters sign. Field order is
// fixed by the struct, so json.Marshal is deterministic across keeper
// and verifier.
type signingEnvelope struct {
	RoundID    string  `json:"roundId"`
	Request    Request `json:"request"`
	Payload    Payload `json:"payload"`
	AttestedAt int64   `json:"attestedAt"`
}

// Digest returns the Keccak-256 hash attesters sign for this proof.
func (p *Proof) Digest() []byte {
	env := signingEnvelope{
		RoundID:    p.RoundID,
		Request:    p.Request,
		Payload:    p.Payload,
		AttestedAt: p.AttestedAt,
	}
	// Marshal of a plain struct cannot fail.
	raw, _ := json.Marshal(env)
	return crypto.Keccak256(raw)
}
