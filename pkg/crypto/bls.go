package crypto

import (
	"crypto/sha256"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]
type BLSSignature = []byte

// BLSSigner holds one attester's BLS key pair. A quorum of attesters
// signs the same payload digest; the aggregate forms the proof envelope.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives a deterministic key pair from seed.
// Deterministic keys keep test fixtures stable. The seed is hashed to
// the 32 bytes of keying material KeyGen requires.
func NewBLSSignerFromSeed(seed []byte) *BLSSigner {
	ikm := sha256.Sum256(seed)
	sk, err := bls.KeyGen[scheme](ikm[:], nil, nil)
	if err != nil {
		panic(fmt.Sprintf("bls keygen: %v", err))
	}
	pk := sk.PublicKey()
	return &BLSSigner{sk: sk, pk: pk}
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func BLSVerify(pk *BLSPubKey, sigBytes, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sigBytes))
}

// BLSAggregate combines multiple signatures over the same message.
// Empty entries are skipped (absent attesters in the round's bitmap).
func BLSAggregate(sigBytesList [][]byte) []byte {
	sigs := make([]bls.Signature, 0, len(sigBytesList))
	for _, sb := range sigBytesList {
		if len(sb) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sb))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil
	}
	return agg
}

// BLSVerifyAggregateSameMsg checks an aggregate signature where every
// participating public key signed the same message.
func BLSVerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	if len(pks) == 0 || len(aggSig) == 0 {
		return false
	}
	msgs := make([][]byte, len(pks))
	for i := range msgs {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}
