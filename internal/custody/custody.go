// Package custody provides the asset transfer and native-currency escrow
// primitive the auction engine settles against. Transfers are atomic and
// fail loudly when the payer lacks balance — never partially.
//
// All balances use shopspring/decimal — never float64 for money.
package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a currency transfer exceeds
	// the payer's balance.
	ErrInsufficientFunds = errors.New("custody: insufficient currency balance")

	// ErrInsufficientAssets is returned when an asset transfer exceeds
	// the auction's remaining asset reserve.
	ErrInsufficientAssets = errors.New("custody: insufficient asset reserve")
)

// Custody is the narrow transfer interface the engine consumes. The
// engine owns escrowed funds exclusively until it releases them through
// one of these calls.
type Custody interface {
	// EscrowDeposit moves amount of currency from the payer into the
	// auction's escrow pool.
	EscrowDeposit(ctx context.Context, from string, amount decimal.Decimal) error

	// EscrowRefund moves amount of currency out of the escrow pool to
	// the recipient.
	EscrowRefund(ctx context.Context, to string, amount decimal.Decimal) error

	// AssetTransfer moves amount of the auctioned asset from the
	// auction's reserve to the recipient.
	AssetTransfer(ctx context.Context, to string, amount decimal.Decimal) error

	// EscrowHeld returns the currency currently held in the pool.
	EscrowHeld(ctx context.Context) (decimal.Decimal, error)

	// AssetHeld returns the asset still held in the reserve.
	AssetHeld(ctx context.Context) (decimal.Decimal, error)
}

// Vault implements Custody with in-memory balances. Used for testing and
// single-node deployments; a chain- or bank-backed implementation plugs
// in behind the same interface.
type Vault struct {
	mu       sync.Mutex
	currency map[string]decimal.Decimal
	assets   map[string]decimal.Decimal
	pool     decimal.Decimal // escrowed currency held by the auction
	reserve  decimal.Decimal // asset units held by the auction
}

// NewVault creates a vault with the auction's asset reserve seeded to
// the auction supply.
func NewVault(assetSupply decimal.Decimal) *Vault {
	return &Vault{
		currency: make(map[string]decimal.Decimal),
		assets:   make(map[string]decimal.Decimal),
		reserve:  assetSupply,
	}
}

// Credit funds an account's currency balance. Deposits into the system
// come from outside the engine (wallet top-ups, bridge transfers).
func (v *Vault) Credit(account string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currency[account] = v.currency[account].Add(amount)
}

// CurrencyBalance returns an account's spendable currency.
func (v *Vault) CurrencyBalance(account string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currency[account]
}

// AssetBalance returns an account's holdings of the auctioned asset.
func (v *Vault) AssetBalance(account string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.assets[account]
}

func (v *Vault) EscrowDeposit(_ context.Context, from string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.currency[from].LessThan(amount) {
		return ErrInsufficientFunds
	}
	v.currency[from] = v.currency[from].Sub(amount)
	v.pool = v.pool.Add(amount)
	return nil
}

func (v *Vault) EscrowRefund(_ context.Context, to string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pool.LessThan(amount) {
		return ErrInsufficientFunds
	}
	v.pool = v.pool.Sub(amount)
	v.currency[to] = v.currency[to].Add(amount)
	return nil
}

func (v *Vault) AssetTransfer(_ context.Context, to string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.reserve.LessThan(amount) {
		return ErrInsufficientAssets
	}
	v.reserve = v.reserve.Sub(amount)
	v.assets[to] = v.assets[to].Add(amount)
	return nil
}

func (v *Vault) EscrowHeld(_ context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pool, nil
}

func (v *Vault) AssetHeld(_ context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reserve, nil
}
