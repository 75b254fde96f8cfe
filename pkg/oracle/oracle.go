// Package oracle reads collateral prices from round-based price feeds and
// rejects readings that are stale or non-positive.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultDecimals is the precision of USD denominated Chainlink feeds.
const DefaultDecimals uint8 = 8

var (
	ErrStaleOracle        = errors.New("oracle: stale price")
	ErrInvalidOraclePrice = errors.New("oracle: invalid price")
	ErrDecimalsMismatch   = errors.New("oracle: feed decimals mismatch")
)

// Round is a single latestRoundData() answer.
type Round struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Feed is the AggregatorV3Interface subset needed for pricing.
type Feed interface {
	Decimals(ctx context.Context) (uint8, error)
	LatestRoundData(ctx context.Context) (Round, error)
}

// Price is a validated reading: Value units of quote currency per unit of
// collateral, scaled by 10^Decimals.
type Price struct {
	Value     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Adapter validates feed readings against a freshness window. Nothing is
// cached; every GetPrice call reads the feed.
type Adapter struct {
	feed     Feed
	decimals uint8
	maxDelay time.Duration
	clock    func() time.Time
}

// NewAdapter wraps feed. decimals is the precision the deployment expects
// the feed to report.
func NewAdapter(feed Feed, decimals uint8, maxDelay time.Duration) *Adapter {
	return &Adapter{
		feed:     feed,
		decimals: decimals,
		maxDelay: maxDelay,
		clock:    time.Now,
	}
}

// WithClock overrides the clock used for staleness checks.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	if clock != nil {
		a.clock = clock
	}
	return a
}

func (a *Adapter) Feed() Feed              { return a.feed }
func (a *Adapter) Decimals() uint8         { return a.decimals }
func (a *Adapter) MaxDelay() time.Duration { return a.maxDelay }

// Verify checks that the feed answers and reports the expected decimals.
func (a *Adapter) Verify(ctx context.Context) error {
	if a.feed == nil {
		return fmt.Errorf("oracle: feed not configured")
	}
	decs, err := a.feed.Decimals(ctx)
	if err != nil {
		return fmt.Errorf("oracle: read decimals: %w", err)
	}
	if decs != a.decimals {
		return fmt.Errorf("%w: want %d, got %d", ErrDecimalsMismatch, a.decimals, decs)
	}
	return nil
}

// GetPrice reads the latest round. A feed error, a non-positive answer or
// an answer older than the max delay fails the call; there is no fallback.
func (a *Adapter) GetPrice(ctx context.Context) (Price, error) {
	if a.feed == nil {
		return Price{}, fmt.Errorf("oracle: feed not configured")
	}
	round, err := a.feed.LatestRoundData(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("oracle: latest round: %w", err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Price{}, ErrInvalidOraclePrice
	}
	if age := a.clock().Sub(round.UpdatedAt); age > a.maxDelay {
		return Price{}, fmt.Errorf("%w: updated %s ago, max %s", ErrStaleOracle, age.Truncate(time.Second), a.maxDelay)
	}
	return Price{
		Value:     new(big.Int).Set(round.Answer),
		Decimals:  a.decimals,
		UpdatedAt: round.UpdatedAt,
	}, nil
}
