// Package convert turns collateral amounts into share amounts and back at
// an oracle price.
//
// Every multiply-then-divide is done once on the full-precision numerator
// and truncated, so intermediate rounding never accumulates. Both
// directions round toward zero, in favour of the vault.
package convert

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/royalfork/custodian/pkg/oracle"
	"github.com/royalfork/custodian/pkg/policy"
)

// ErrInvalidPrice is returned when a conversion is attempted at a
// non-positive price.
var ErrInvalidPrice = errors.New("convert: price must be positive")

// Pow10 returns 10^n.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Normalize rescales amount from fromDecimals to toDecimals. Scaling up is
// exact; scaling down truncates.
func Normalize(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	out := new(big.Int).Set(amount)
	switch {
	case toDecimals > fromDecimals:
		return out.Mul(out, Pow10(toDecimals-fromDecimals))
	case toDecimals < fromDecimals:
		return out.Quo(out, Pow10(fromDecimals-toDecimals))
	default:
		return out
	}
}

// Engine converts between a collateral asset and a share token.
type Engine struct {
	AssetDecimals uint8
	ShareDecimals uint8
}

// GrossShares values amount of collateral in shares before fees:
//
//	amount * price * 10^shareDecimals / (10^priceDecimals * 10^assetDecimals)
func (e Engine) GrossShares(amount *big.Int, price oracle.Price) (*big.Int, error) {
	if err := checkPrice(price); err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(amount, price.Value)
	num.Mul(num, Pow10(e.ShareDecimals))
	den := new(big.Int).Mul(Pow10(price.Decimals), Pow10(e.AssetDecimals))
	return bounded(num.Quo(num, den))
}

// GrossCollateral values shares in collateral before fees:
//
//	shares * 10^priceDecimals * 10^assetDecimals / (price * 10^shareDecimals)
func (e Engine) GrossCollateral(shares *big.Int, price oracle.Price) (*big.Int, error) {
	if err := checkPrice(price); err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(shares, Pow10(price.Decimals))
	num.Mul(num, Pow10(e.AssetDecimals))
	den := new(big.Int).Mul(price.Value, Pow10(e.ShareDecimals))
	return bounded(num.Quo(num, den))
}

// Quote is the full breakdown of one conversion.
type Quote struct {
	AmountIn *big.Int
	Gross    *big.Int
	Fee      *big.Int
	Net      *big.Int
	Price    oracle.Price
}

// QuoteDeposit prices a deposit of amount collateral, net of the mint fee.
func (e Engine) QuoteDeposit(amount *big.Int, price oracle.Price, fees policy.Fees) (Quote, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	if err := policy.Bounded(amount); err != nil {
		return Quote{}, fmt.Errorf("deposit amount: %w", err)
	}
	gross, err := e.GrossShares(amount, price)
	if err != nil {
		return Quote{}, err
	}
	net, err := fees.ApplyMintFee(gross)
	if err != nil {
		return Quote{}, err
	}
	return newQuote(amount, gross, net, price), nil
}

// QuoteRedeem prices a redemption of shares, net of the redeem fee.
func (e Engine) QuoteRedeem(shares *big.Int, price oracle.Price, fees policy.Fees) (Quote, error) {
	if shares == nil {
		shares = new(big.Int)
	}
	if err := policy.Bounded(shares); err != nil {
		return Quote{}, fmt.Errorf("redeem shares: %w", err)
	}
	gross, err := e.GrossCollateral(shares, price)
	if err != nil {
		return Quote{}, err
	}
	net, err := fees.ApplyRedeemFee(gross)
	if err != nil {
		return Quote{}, err
	}
	return newQuote(shares, gross, net, price), nil
}

func newQuote(in, gross, net *big.Int, price oracle.Price) Quote {
	return Quote{
		AmountIn: new(big.Int).Set(in),
		Gross:    gross,
		Fee:      new(big.Int).Sub(gross, net),
		Net:      net,
		Price:    price,
	}
}

func checkPrice(price oracle.Price) error {
	if price.Value == nil || price.Value.Sign() <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

func bounded(v *big.Int) (*big.Int, error) {
	if err := policy.Bounded(v); err != nil {
		return nil, err
	}
	return v, nil
}
