package vault

import (
	"errors"

	"github.com/royalfork/custodian/pkg/convert"
	"github.com/royalfork/custodian/pkg/oracle"
	"github.com/royalfork/custodian/pkg/policy"
	"github.com/royalfork/custodian/pkg/token"
)

var (
	ErrNotPublicAndNotAuthorized     = errors.New("vault: not public and caller is not authorized")
	ErrUnauthorized                  = errors.New("vault: caller is not the owner")
	ErrZeroAmount                    = errors.New("vault: amount must be greater than zero")
	ErrZeroShares                    = errors.New("vault: deposit too small to mint shares")
	ErrZeroCollateral                = errors.New("vault: redemption too small to release collateral")
	ErrZeroAddress                   = errors.New("vault: zero address")
	ErrInsufficientShares            = errors.New("vault: insufficient shares")
	ErrInsufficientCollateralReserve = errors.New("vault: insufficient collateral reserve")
	ErrInsufficientAllowance         = errors.New("vault: insufficient allowance")
	ErrInsufficientBalance           = errors.New("vault: insufficient collateral balance")
	ErrInvalidConfig                 = errors.New("vault: invalid config")
	ErrPersist                       = errors.New("vault: persist state")
)

// Errors raised by the vault's collaborators, re-exported for callers that
// only import this package.
var (
	ErrUnauthorizedMinter = token.ErrUnauthorizedMinter
	ErrMintCapExceeded    = policy.ErrMintCapExceeded
	ErrInvalidFee         = policy.ErrInvalidFee
	ErrOverflow           = policy.ErrOverflow
	ErrStaleOracle        = oracle.ErrStaleOracle
	ErrInvalidOraclePrice = oracle.ErrInvalidOraclePrice
	ErrDecimalsMismatch   = oracle.ErrDecimalsMismatch
)

// Kind groups errors for metrics labels and API status codes.
type Kind string

const (
	KindNone       Kind = ""
	KindAccess     Kind = "access"
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindOracle     Kind = "oracle"
	KindInternal   Kind = "internal"
)

// ErrorKind classifies err.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotPublicAndNotAuthorized),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrUnauthorizedMinter),
		errors.Is(err, token.ErrUnauthorized):
		return KindAccess
	case errors.Is(err, ErrMintCapExceeded),
		errors.Is(err, ErrInvalidFee),
		errors.Is(err, ErrOverflow):
		return KindPolicy
	case errors.Is(err, ErrStaleOracle),
		errors.Is(err, ErrInvalidOraclePrice),
		errors.Is(err, ErrDecimalsMismatch),
		errors.Is(err, oracle.ErrAccessDenied),
		errors.Is(err, convert.ErrInvalidPrice):
		return KindOracle
	case errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrZeroShares),
		errors.Is(err, ErrZeroCollateral),
		errors.Is(err, ErrZeroAddress),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInsufficientCollateralReserve),
		errors.Is(err, ErrInsufficientAllowance),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, policy.ErrNegative),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return KindValidation
	default:
		return KindInternal
	}
}
