// Package policy computes mint/redeem fees and enforces the mint cap.
//
// Amounts are bounded by 2^256-1, the range of the on-chain uint256 the
// custodian mirrors. Fees always round down, so the protocol keeps any
// remainder.
package policy

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10_000

var (
	ErrInvalidFee      = errors.New("policy: fee exceeds 10000 bps")
	ErrMintCapExceeded = errors.New("policy: mint cap exceeded")
	ErrOverflow        = errors.New("policy: amount overflows uint256")
	ErrNegative        = errors.New("policy: negative amount")
)

var maxBps = uint256.NewInt(MaxBps)

// Fees holds the mint and redeem fee in basis points.
type Fees struct {
	MintBps   uint32 `json:"mint_fee_bps" yaml:"mint_fee_bps"`
	RedeemBps uint32 `json:"redeem_fee_bps" yaml:"redeem_fee_bps"`
}

// Validate rejects fees above 100%.
func (f Fees) Validate() error {
	if f.MintBps > MaxBps {
		return fmt.Errorf("%w: mint %d", ErrInvalidFee, f.MintBps)
	}
	if f.RedeemBps > MaxBps {
		return fmt.Errorf("%w: redeem %d", ErrInvalidFee, f.RedeemBps)
	}
	return nil
}

// ApplyMintFee returns grossShares less the mint fee.
func (f Fees) ApplyMintFee(grossShares *big.Int) (*big.Int, error) {
	return applyFee(grossShares, f.MintBps)
}

// ApplyRedeemFee returns grossCollateral less the redeem fee.
func (f Fees) ApplyRedeemFee(grossCollateral *big.Int) (*big.Int, error) {
	return applyFee(grossCollateral, f.RedeemBps)
}

// applyFee computes gross * (10000 - bps) / 10000, truncating.
func applyFee(gross *big.Int, bps uint32) (*big.Int, error) {
	if bps > MaxBps {
		return nil, ErrInvalidFee
	}
	g, err := toUint256(gross)
	if err != nil {
		return nil, err
	}
	keep := uint256.NewInt(uint64(MaxBps - bps))
	// the 512-bit intermediate cannot overflow and the quotient is <= gross
	net, _ := new(uint256.Int).MulDivOverflow(g, keep, maxBps)
	return net.ToBig(), nil
}

// CheckMintCap fails when minting newShares on top of totalMinted would
// exceed mintCap.
func CheckMintCap(totalMinted, newShares, mintCap *big.Int) error {
	total, err := toUint256(totalMinted)
	if err != nil {
		return err
	}
	add, err := toUint256(newShares)
	if err != nil {
		return err
	}
	limit, err := toUint256(mintCap)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(total, add)
	if overflow || sum.Gt(limit) {
		return fmt.Errorf("%w: minted %s + %s > cap %s", ErrMintCapExceeded, totalMinted, newShares, mintCap)
	}
	return nil
}

// Bounded reports an error if v is negative or does not fit in 256 bits.
func Bounded(v *big.Int) error {
	_, err := toUint256(v)
	return err
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
