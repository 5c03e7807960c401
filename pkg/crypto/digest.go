package crypto

import "golang.org/x/crypto/sha3"

// Keccak256 returns the legacy Keccak-256 digest of data.
// Attestation payloads are digested with this before signing so the
// same preimage convention holds on both the keeper and verifier side.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
