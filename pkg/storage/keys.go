package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each entity family supports range
// scans; position ids are zero-padded for lexicographic ordering.
const (
	prefixMarket   = "mkt:"  // market records, keyed by market id
	prefixPosition = "pos:"  // positions, keyed by numeric id
	prefixBalance  = "bal:"  // vault free balances, keyed by address
	keyEngineMeta  = "meta"  // single engine meta record
)

// marketKey returns "mkt:{marketId}".
func marketKey(marketID string) []byte {
	return []byte(prefixMarket + marketID)
}

// positionKey returns "pos:{id}" with the id zero-padded to 20 digits.
func positionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPosition, id))
}

// balanceKey returns "bal:{address}".
func balanceKey(addr common.Address) []byte {
	return []byte(prefixBalance + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// balanceAddrFromKey extracts the address from a balance key.
func balanceAddrFromKey(key []byte) (common.Address, error) {
	if len(key) < len(prefixBalance)+42 { // 42 = "0x" + 40 hex chars
		return common.Address{}, fmt.Errorf("invalid balance key length: %d", len(key))
	}
	addrHex := string(key[len(prefixBalance):])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}
