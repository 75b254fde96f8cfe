// Package access maps principals to the capabilities they hold.
package access

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Capability is a bit flag granting a class of privileged calls.
type Capability uint8

const (
	// Owner may change configuration and grant other capabilities.
	Owner Capability = 1 << iota
	// Operator may deposit and redeem while public access is off.
	Operator
	// Minter may mint and burn token balances.
	Minter
)

func (c Capability) String() string {
	switch c {
	case Owner:
		return "owner"
	case Operator:
		return "operator"
	case Minter:
		return "minter"
	default:
		return "unknown"
	}
}

// Set is a concurrency safe mapping from address to granted capabilities.
type Set struct {
	mu     sync.RWMutex
	grants map[common.Address]Capability
}

// NewSet returns an empty capability set.
func NewSet() *Set {
	return &Set{grants: make(map[common.Address]Capability)}
}

// Grant adds caps to account.
func (s *Set) Grant(account common.Address, caps Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[account] |= caps
}

// Revoke clears caps from account, dropping the entry once nothing is left.
func (s *Set) Revoke(account common.Address, caps Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.grants[account] &^ caps
	if remaining == 0 {
		delete(s.grants, account)
		return
	}
	s.grants[account] = remaining
}

// Has reports whether account holds every capability in caps.
func (s *Set) Has(account common.Address, caps Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return caps != 0 && s.grants[account]&caps == caps
}

// Holders lists the accounts holding caps, sorted by address.
func (s *Set) Holders(caps Capability) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.grants))
	for addr, granted := range s.grants {
		if granted&caps == caps {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}
