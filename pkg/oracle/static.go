package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// ErrAccessDenied is returned by a StaticFeed whose reads have been disabled.
var ErrAccessDenied = errors.New("oracle: no access")

// StaticFeed is an in-memory Feed whose round is set by hand.
type StaticFeed struct {
	mu       sync.RWMutex
	decimals uint8
	round    Round
	denied   bool
}

// NewStaticFeed returns a feed reporting decimals and no round yet.
func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{decimals: decimals, round: Round{RoundID: new(big.Int), AnsweredInRound: new(big.Int)}}
}

// Set publishes a new round with answer updated at updatedAt.
func (f *StaticFeed) Set(answer *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := new(big.Int).Add(f.round.RoundID, big.NewInt(1))
	var ans *big.Int
	if answer != nil {
		ans = new(big.Int).Set(answer)
	}
	f.round = Round{
		RoundID:         next,
		Answer:          ans,
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: new(big.Int).Set(next),
	}
}

// SetAccess toggles whether reads succeed.
func (f *StaticFeed) SetAccess(granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = !granted
}

func (f *StaticFeed) Decimals(context.Context) (uint8, error) {
	return f.decimals, nil
}

func (f *StaticFeed) LatestRoundData(ctx context.Context) (Round, error) {
	if err := ctx.Err(); err != nil {
		return Round{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.denied {
		return Round{}, ErrAccessDenied
	}
	r := f.round
	if r.Answer != nil {
		r.Answer = new(big.Int).Set(r.Answer)
	}
	return r, nil
}
