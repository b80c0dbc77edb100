package vault

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientShares = errors.New("insufficient share balance")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// shareLedger is the vault's share-token book. It is not safe for
// concurrent use on its own; the Vault's lock guards all access.
// Invariant: totalSupply == sum of balances + locked.
type shareLedger struct {
	balances    map[string]decimal.Decimal
	totalSupply decimal.Decimal
	locked      decimal.Decimal // shares held against queued redemptions
}

func newShareLedger() *shareLedger {
	return &shareLedger{
		balances:    make(map[string]decimal.Decimal),
		totalSupply: decimal.Zero,
		locked:      decimal.Zero,
	}
}

func (l *shareLedger) balanceOf(account string) decimal.Decimal {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return decimal.Zero
}

func (l *shareLedger) mint(account string, amount decimal.Decimal) {
	l.balances[account] = l.balanceOf(account).Add(amount)
	l.totalSupply = l.totalSupply.Add(amount)
}

func (l *shareLedger) burn(account string, amount decimal.Decimal) error {
	b := l.balanceOf(account)
	if b.LessThan(amount) {
		return ErrInsufficientShares
	}
	l.balances[account] = b.Sub(amount)
	l.totalSupply = l.totalSupply.Sub(amount)
	return nil
}

func (l *shareLedger) transfer(from, to string, amount decimal.Decimal) error {
	b := l.balanceOf(from)
	if b.LessThan(amount) {
		return ErrInsufficientShares
	}
	l.balances[from] = b.Sub(amount)
	l.balances[to] = l.balanceOf(to).Add(amount)
	return nil
}

// lock moves shares from an account into the queue-held pool.
func (l *shareLedger) lock(account string, amount decimal.Decimal) error {
	b := l.balanceOf(account)
	if b.LessThan(amount) {
		return ErrInsufficientShares
	}
	l.balances[account] = b.Sub(amount)
	l.locked = l.locked.Add(amount)
	return nil
}

// unlock returns locked shares to an account (cancellation).
func (l *shareLedger) unlock(account string, amount decimal.Decimal) {
	l.locked = l.locked.Sub(amount)
	l.balances[account] = l.balanceOf(account).Add(amount)
}

// burnLocked destroys locked shares after a queued redemption settles.
func (l *shareLedger) burnLocked(amount decimal.Decimal) {
	l.locked = l.locked.Sub(amount)
	l.totalSupply = l.totalSupply.Sub(amount)
}
