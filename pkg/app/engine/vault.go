package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Vault is the collateral ledger backing the engine: free balances per
// address plus the custody pool holding open-position collateral,
// accrued fees and liquidation float. It is not safe for concurrent use
// on its own; the engine's lock guards it.
//
// Invariant: custody == sum(open position collateral) + feesAccrued +
// liquidation float. Every payout draws custody down and aborts loudly
// rather than overdraw.
type Vault struct {
	balances map[common.Address]int64
	custody  int64
}

func NewVault() *Vault {
	return &Vault{balances: make(map[common.Address]int64)}
}

// Balance returns the free (withdrawable) balance for addr.
func (v *Vault) Balance(addr common.Address) int64 {
	return v.balances[addr]
}

// Custody returns the pooled amount backing open positions and fees.
func (v *Vault) Custody() int64 {
	return v.custody
}

// Deposit credits addr's free balance.
func (v *Vault) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	v.balances[addr] += amount
	return nil
}

// Withdraw removes from addr's free balance.
func (v *Vault) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	if v.balances[addr] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, v.balances[addr], amount)
	}
	v.balances[addr] -= amount
	return nil
}

// lockCollateral moves amount from addr's free balance into custody.
// Used when a position opens.
func (v *Vault) lockCollateral(addr common.Address, amount int64) error {
	if v.balances[addr] < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, v.balances[addr], amount)
	}
	v.balances[addr] -= amount
	v.custody += amount
	return nil
}

// payOut moves amount from custody to addr's free balance. A payout
// that would overdraw custody aborts; the caller must not have mutated
// anything it cannot leave committed.
func (v *Vault) payOut(addr common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("payout cannot be negative: %d", amount)
	}
	if v.custody < amount {
		return fmt.Errorf("%w: custody %d, payout %d", ErrInsufficientBalance, v.custody, amount)
	}
	v.custody -= amount
	v.balances[addr] += amount
	return nil
}

// canPayOut checks a payout without performing it, so entrypoints can
// finish all validation before mutating.
func (v *Vault) canPayOut(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("payout cannot be negative: %d", amount)
	}
	if v.custody < amount {
		return fmt.Errorf("%w: custody %d, payout %d", ErrInsufficientBalance, v.custody, amount)
	}
	return nil
}

// Balances returns a copy of every non-zero free balance, for
// persistence and state hashing.
func (v *Vault) Balances() map[common.Address]int64 {
	out := make(map[common.Address]int64, len(v.balances))
	for addr, bal := range v.balances {
		if bal != 0 {
			out[addr] = bal
		}
	}
	return out
}

// restore installs a persisted balance at startup.
func (v *Vault) restore(addr common.Address, balance int64) {
	v.balances[addr] = balance
}

func (v *Vault) restoreCustody(custody int64) {
	v.custody = custody
}
