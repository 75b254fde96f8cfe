// Package token implements an in-process ERC20-style ledger with
// minter-gated supply changes.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/royalfork/custodian/pkg/access"
)

var (
	ErrUnauthorized          = errors.New("token: caller is not the owner")
	ErrUnauthorizedMinter    = errors.New("token: caller is not a minter")
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: amount must not be negative")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Metadata describes a token.
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Ledger tracks balances, allowances and total supply. All amounts are
// in base units.
type Ledger struct {
	meta  Metadata
	owner common.Address
	roles *access.Set

	mu         sync.RWMutex
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewLedger creates an empty ledger administered by owner.
func NewLedger(meta Metadata, owner common.Address) *Ledger {
	roles := access.NewSet()
	roles.Grant(owner, access.Owner)
	return &Ledger{
		meta:       meta,
		owner:      owner,
		roles:      roles,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (l *Ledger) Name() string          { return l.meta.Name }
func (l *Ledger) Symbol() string        { return l.meta.Symbol }
func (l *Ledger) Decimals() uint8       { return l.meta.Decimals }
func (l *Ledger) Owner() common.Address { return l.owner }
func (l *Ledger) Metadata() Metadata    { return l.meta }

// GrantMinter gives account the minter capability. Only the owner may call it.
func (l *Ledger) GrantMinter(caller, account common.Address) error {
	if !l.roles.Has(caller, access.Owner) {
		return ErrUnauthorized
	}
	l.roles.Grant(account, access.Minter)
	return nil
}

// RevokeMinter removes the minter capability from account.
func (l *Ledger) RevokeMinter(caller, account common.Address) error {
	if !l.roles.Has(caller, access.Owner) {
		return ErrUnauthorized
	}
	l.roles.Revoke(account, access.Minter)
	return nil
}

// IsMinter reports whether account may mint and burn.
func (l *Ledger) IsMinter(account common.Address) bool {
	return l.roles.Has(account, access.Minter)
}

// TotalSupply returns a copy of the outstanding supply.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}

// BalanceOf returns a copy of account's balance.
func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(account)
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceLocked(owner, spender)
}

// Mint creates amount new units for to.
func (l *Ledger) Mint(minter, to common.Address, amount *big.Int) error {
	if !l.IsMinter(minter) {
		return ErrUnauthorizedMinter
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("mint: %w", ErrZeroAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply.Add(l.supply, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

// Burn destroys amount units held by from.
func (l *Ledger) Burn(minter, from common.Address, amount *big.Int) error {
	if !l.IsMinter(minter) {
		return ErrUnauthorizedMinter
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.balances[from] = bal.Sub(bal, amount)
	l.supply.Sub(l.supply, amount)
	return nil
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

// Approve sets the amount spender may transfer on behalf of owner.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowanceLocked(owner, spender, new(big.Int).Set(amount))
	return nil
}

// TransferFrom moves amount from from to to using spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed := l.allowanceLocked(from, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.transferLocked(from, to, amount); err != nil {
		return err
	}
	l.setAllowanceLocked(from, spender, allowed.Sub(allowed, amount))
	return nil
}

// SpendAllowance reduces spender's allowance over owner's balance without
// moving funds.
func (l *Ledger) SpendAllowance(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed := l.allowanceLocked(owner, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	l.setAllowanceLocked(owner, spender, allowed.Sub(allowed, amount))
	return nil
}

func (l *Ledger) transferLocked(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer: %w", ErrZeroAddress)
	}
	bal := l.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.balances[from] = bal.Sub(bal, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *Ledger) balanceLocked(account common.Address) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) *big.Int {
	if byOwner, ok := l.allowances[owner]; ok {
		if allowed, ok := byOwner[spender]; ok {
			return new(big.Int).Set(allowed)
		}
	}
	return new(big.Int)
}

func (l *Ledger) setAllowanceLocked(owner, spender common.Address, amount *big.Int) {
	byOwner, ok := l.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		l.allowances[owner] = byOwner
	}
	byOwner[spender] = amount
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
