// Package asset holds balances of the single escrowed asset and applies
// transfer batches between principals.
package asset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"giftescrow/internal/ledger"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrZeroTransfer        = errors.New("transfer amount must be positive")
)

// Vault is an in-process balance book. It implements ledger.Transferer.
type Vault struct {
	mu       sync.RWMutex
	balances map[common.Address]uint64
}

func NewVault() *Vault {
	return &Vault{balances: make(map[common.Address]uint64)}
}

// Deposit credits amount to addr from outside the ledger (genesis allocations, faucet).
func (v *Vault) Deposit(addr common.Address, amount uint64) error {
	if amount == 0 {
		return ErrZeroTransfer
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.balances[addr]
	if cur > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	v.balances[addr] = cur + amount
	return nil
}

// Transfer applies the batch atomically. Transfers are applied in order, so a
// principal may pass on funds it received earlier in the same batch.
func (v *Vault) Transfer(transfers ...ledger.Transfer) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	staged := make(map[common.Address]uint64)
	balance := func(addr common.Address) uint64 {
		if b, ok := staged[addr]; ok {
			return b
		}
		return v.balances[addr]
	}

	for i, t := range transfers {
		if t.Amount == 0 {
			return fmt.Errorf("transfer %d: %w", i, ErrZeroTransfer)
		}
		from := balance(t.From)
		if from < t.Amount {
			return fmt.Errorf("transfer %d from %s: %w", i, t.From.Hex(), ErrInsufficientBalance)
		}
		staged[t.From] = from - t.Amount
		to := balance(t.To)
		if to > math.MaxUint64-t.Amount {
			return fmt.Errorf("transfer %d to %s: %w", i, t.To.Hex(), ErrBalanceOverflow)
		}
		staged[t.To] = to + t.Amount
	}

	for addr, b := range staged {
		if b == 0 {
			delete(v.balances, addr)
			continue
		}
		v.balances[addr] = b
	}
	return nil
}

func (v *Vault) Balance(addr common.Address) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[addr]
}

// Account is a principal and its balance.
type Account struct {
	Address common.Address `json:"address"`
	Balance uint64         `json:"balance"`
}

// Accounts lists non-zero balances ordered by address.
func (v *Vault) Accounts() []Account {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Account, 0, len(v.balances))
	for addr, b := range v.balances {
		out = append(out, Account{Address: addr, Balance: b})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Supply is the sum of all balances.
func (v *Vault) Supply() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var total uint64
	for _, b := range v.balances {
		total += b
	}
	return total
}
