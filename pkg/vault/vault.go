// Package vault custodies a collateral asset and issues a stablecoin
// against it at the oracle price.
//
// Deposits pull collateral from the caller and mint shares net of the mint
// fee; redemptions burn shares and release collateral net of the redeem
// fee. Fees stay in the vault as surplus. Operations are serialised, and a
// failed operation leaves every balance, allowance and total untouched.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/royalfork/custodian/pkg/access"
	"github.com/royalfork/custodian/pkg/convert"
	"github.com/royalfork/custodian/pkg/metrics"
	"github.com/royalfork/custodian/pkg/oracle"
	"github.com/royalfork/custodian/pkg/policy"
	"github.com/royalfork/custodian/pkg/storage"
)

// Asset is the collateral token held by the vault.
type Asset interface {
	Decimals() uint8
	BalanceOf(account common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// ShareToken is the stablecoin the vault mints and burns.
type ShareToken interface {
	Decimals() uint8
	BalanceOf(account common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) error
	SpendAllowance(owner, spender common.Address, amount *big.Int) error
	IsMinter(account common.Address) bool
	Mint(minter, to common.Address, amount *big.Int) error
	Burn(minter, from common.Address, amount *big.Int) error
}

// Store persists configuration, totals and the operation journal.
type Store interface {
	LoadState(ctx context.Context) (storage.State, bool, error)
	SaveState(ctx context.Context, state storage.State) error
	CommitOperation(ctx context.Context, state storage.State, op storage.Operation) error
}

// Config is the owner-controlled configuration.
type Config struct {
	// MintCap bounds TotalMinted. Zero disables minting.
	MintCap        *big.Int
	Fees           policy.Fees
	MaxOracleDelay time.Duration
	Public         bool
}

// Validate checks c.
func (c Config) Validate() error {
	if c.MintCap == nil {
		return fmt.Errorf("%w: mint cap required", ErrInvalidConfig)
	}
	if err := policy.Bounded(c.MintCap); err != nil {
		return fmt.Errorf("%w: mint cap: %w", ErrInvalidConfig, err)
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxOracleDelay <= 0 {
		return fmt.Errorf("%w: max oracle delay must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) clone() Config {
	if c.MintCap != nil {
		c.MintCap = new(big.Int).Set(c.MintCap)
	}
	return c
}

// Params configures New.
type Params struct {
	Address common.Address
	Owner   common.Address
	Asset   Asset
	Shares  ShareToken
	Feed    oracle.Feed
	// OracleDecimals is the precision Feed must report. Zero selects
	// oracle.DefaultDecimals.
	OracleDecimals uint8
	Config         Config
	Operators      []common.Address

	// Optional.
	Store   Store
	Clock   func() time.Time
	Logger  *zerolog.Logger
	Metrics *metrics.VaultMetrics
}

// Vault is the custodian core.
type Vault struct {
	mu sync.Mutex

	address common.Address
	owner   common.Address
	roles   *access.Set
	asset   Asset
	shares  ShareToken
	engine  convert.Engine

	oracle         *oracle.Adapter
	oracleDecimals uint8

	cfg         Config
	totalMinted *big.Int

	store   Store
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *metrics.VaultMetrics
	tracer  trace.Tracer
}

// New builds a vault, verifying the feed decimals. When p.Store holds
// previously persisted state it takes precedence over p.Config and
// p.Operators.
func New(ctx context.Context, p Params) (*Vault, error) {
	if p.Address == (common.Address{}) || p.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: vault and owner address required", ErrInvalidConfig)
	}
	if p.Asset == nil || p.Shares == nil || p.Feed == nil {
		return nil, fmt.Errorf("%w: asset, shares and feed required", ErrInvalidConfig)
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := log.Logger
	if p.Logger != nil {
		logger = *p.Logger
	}
	m := p.Metrics
	if m == nil {
		m = metrics.Vault()
	}
	decimals := p.OracleDecimals
	if decimals == 0 {
		decimals = oracle.DefaultDecimals
	}

	v := &Vault{
		address:        p.Address,
		owner:          p.Owner,
		roles:          access.NewSet(),
		asset:          p.Asset,
		shares:         p.Shares,
		engine:         convert.Engine{AssetDecimals: p.Asset.Decimals(), ShareDecimals: p.Shares.Decimals()},
		oracleDecimals: decimals,
		cfg:            p.Config.clone(),
		totalMinted:    new(big.Int),
		store:          p.Store,
		clock:          clock,
		logger:         logger.With().Str("component", "vault").Str("vault", p.Address.Hex()).Logger(),
		metrics:        m,
		tracer:         otel.Tracer("custodian/vault"),
	}
	v.roles.Grant(p.Owner, access.Owner)
	for _, op := range p.Operators {
		v.roles.Grant(op, access.Operator)
	}

	restored := false
	if v.store != nil {
		state, ok, err := v.store.LoadState(ctx)
		if err != nil {
			return nil, fmt.Errorf("load vault state: %w", err)
		}
		if ok {
			if err := v.restore(state); err != nil {
				return nil, err
			}
			restored = true
		}
	}
	if err := v.cfg.Validate(); err != nil {
		return nil, err
	}

	adapter := oracle.NewAdapter(p.Feed, decimals, v.cfg.MaxOracleDelay).WithClock(clock)
	if err := adapter.Verify(ctx); err != nil {
		return nil, fmt.Errorf("verify feed: %w", err)
	}
	v.oracle = adapter

	if v.store != nil && !restored {
		if err := v.store.SaveState(ctx, v.stateLocked()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	v.publishLocked()
	v.logger.Info().
		Bool("restored", restored).
		Str("mint_cap", v.cfg.MintCap.String()).
		Str("total_minted", v.totalMinted.String()).
		Bool("public", v.cfg.Public).
		Msg("vault ready")
	return v, nil
}

func (v *Vault) restore(state storage.State) error {
	mintCap, ok := new(big.Int).SetString(state.MintCap, 10)
	if !ok {
		return fmt.Errorf("%w: stored mint cap %q", ErrInvalidConfig, state.MintCap)
	}
	total, ok := new(big.Int).SetString(state.TotalMinted, 10)
	if !ok || total.Sign() < 0 {
		return fmt.Errorf("%w: stored total minted %q", ErrInvalidConfig, state.TotalMinted)
	}
	v.cfg = Config{
		MintCap:        mintCap,
		Fees:           policy.Fees{MintBps: state.MintFeeBps, RedeemBps: state.RedeemFeeBps},
		MaxOracleDelay: state.MaxOracleDelay,
		Public:         state.Public,
	}
	v.totalMinted = total
	for _, op := range v.roles.Holders(access.Operator) {
		v.roles.Revoke(op, access.Operator)
	}
	for _, hex := range state.Operators {
		if !common.IsHexAddress(hex) {
			return fmt.Errorf("%w: stored operator %q", ErrInvalidConfig, hex)
		}
		v.roles.Grant(common.HexToAddress(hex), access.Operator)
	}
	return nil
}

// Address returns the vault's own account.
func (v *Vault) Address() common.Address { return v.address }

// Owner returns the account allowed to change configuration.
func (v *Vault) Owner() common.Address { return v.owner }

// Config returns a copy of the current configuration.
func (v *Vault) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.clone()
}

// TotalMinted returns the outstanding shares issued by the vault.
func (v *Vault) TotalMinted() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalMinted)
}

// Reserve returns the collateral held by the vault.
func (v *Vault) Reserve() *big.Int {
	return v.asset.BalanceOf(v.address)
}

// Operators lists accounts allowed to operate while public access is off.
func (v *Vault) Operators() []common.Address {
	return v.roles.Holders(access.Operator)
}

// IsAuthorized reports whether account may deposit and redeem right now.
func (v *Vault) IsAuthorized(account common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authorizeLocked(account) == nil
}

// Snapshot is a consistent view of the vault for reporting.
type Snapshot struct {
	Address        common.Address
	Owner          common.Address
	Config         Config
	TotalMinted    *big.Int
	Reserve        *big.Int
	Operators      []common.Address
	AssetDecimals  uint8
	ShareDecimals  uint8
	OracleDecimals uint8
}

// Snapshot returns the current state.
func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		Address:        v.address,
		Owner:          v.owner,
		Config:         v.cfg.clone(),
		TotalMinted:    new(big.Int).Set(v.totalMinted),
		Reserve:        v.asset.BalanceOf(v.address),
		Operators:      v.roles.Holders(access.Operator),
		AssetDecimals:  v.engine.AssetDecimals,
		ShareDecimals:  v.engine.ShareDecimals,
		OracleDecimals: v.oracleDecimals,
	}
}

// PreviewDeposit returns the shares Deposit would mint for amount at the
// current price.
func (v *Vault) PreviewDeposit(ctx context.Context, amount *big.Int) (*big.Int, error) {
	q, err := v.QuoteDeposit(ctx, amount)
	if err != nil {
		return nil, err
	}
	return q.Net, nil
}

// PreviewRedeem returns the collateral Redeem would release for shares at
// the current price.
func (v *Vault) PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error) {
	q, err := v.QuoteRedeem(ctx, shares)
	if err != nil {
		return nil, err
	}
	return q.Net, nil
}

// QuoteDeposit is PreviewDeposit with the fee breakdown.
func (v *Vault) QuoteDeposit(ctx context.Context, amount *big.Int) (convert.Quote, error) {
	start := v.clock()
	ctx, span := v.tracer.Start(ctx, "vault.preview_deposit")
	defer span.End()
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.quoteDepositLocked(ctx, amount)
	v.observe(span, "preview_deposit", start, err)
	return q, err
}

// QuoteRedeem is PreviewRedeem with the fee breakdown.
func (v *Vault) QuoteRedeem(ctx context.Context, shares *big.Int) (convert.Quote, error) {
	start := v.clock()
	ctx, span := v.tracer.Start(ctx, "vault.preview_redeem")
	defer span.End()
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.quoteRedeemLocked(ctx, shares)
	v.observe(span, "preview_redeem", start, err)
	return q, err
}

func (v *Vault) quoteDepositLocked(ctx context.Context, amount *big.Int) (convert.Quote, error) {
	price, err := v.oracle.GetPrice(ctx)
	if err != nil {
		return convert.Quote{}, fmt.Errorf("price collateral: %w", err)
	}
	return v.engine.QuoteDeposit(amount, price, v.cfg.Fees)
}

func (v *Vault) quoteRedeemLocked(ctx context.Context, shares *big.Int) (convert.Quote, error) {
	price, err := v.oracle.GetPrice(ctx)
	if err != nil {
		return convert.Quote{}, fmt.Errorf("price collateral: %w", err)
	}
	return v.engine.QuoteRedeem(shares, price, v.cfg.Fees)
}

// Deposit pulls amount collateral from caller, which must have approved the
// vault, and mints the net shares to receiver.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, amount *big.Int, receiver common.Address) (*big.Int, error) {
	start := v.clock()
	ctx, span := v.tracer.Start(ctx, "vault.deposit", trace.WithAttributes(
		attribute.String("caller", caller.Hex()),
		attribute.String("receiver", receiver.Hex()),
	))
	defer span.End()
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.depositLocked(ctx, caller, amount, receiver)
	v.observe(span, "deposit", start, err)
	if err != nil {
		v.logger.Warn().Err(err).
			Str("op", "deposit").
			Str("caller", caller.Hex()).
			Str("amount", amountString(amount)).
			Msg("operation rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("shares", q.Net.String()))
	v.logger.Debug().
		Str("op", "deposit").
		Str("caller", caller.Hex()).
		Str("receiver", receiver.Hex()).
		Str("amount", q.AmountIn.String()).
		Str("shares", q.Net.String()).
		Str("fee", q.Fee.String()).
		Str("price", q.Price.Value.String()).
		Msg("deposit")
	return new(big.Int).Set(q.Net), nil
}

func (v *Vault) depositLocked(ctx context.Context, caller common.Address, amount *big.Int, receiver common.Address) (convert.Quote, error) {
	if err := v.authorizeLocked(caller); err != nil {
		return convert.Quote{}, err
	}
	if err := positive(amount); err != nil {
		return convert.Quote{}, err
	}
	if receiver == (common.Address{}) {
		return convert.Quote{}, fmt.Errorf("%w: receiver", ErrZeroAddress)
	}
	q, err := v.quoteDepositLocked(ctx, amount)
	if err != nil {
		return convert.Quote{}, err
	}
	if q.Net.Sign() == 0 {
		return convert.Quote{}, ErrZeroShares
	}
	if err := policy.CheckMintCap(v.totalMinted, q.Net, v.cfg.MintCap); err != nil {
		return convert.Quote{}, err
	}
	if bal := v.asset.BalanceOf(caller); bal.Cmp(amount) < 0 {
		return convert.Quote{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	allowance := v.asset.Allowance(caller, v.address)
	if allowance.Cmp(amount) < 0 {
		return convert.Quote{}, fmt.Errorf("%w: vault approved for %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	if !v.shares.IsMinter(v.address) {
		return convert.Quote{}, fmt.Errorf("mint shares: %w", ErrUnauthorizedMinter)
	}

	var undo undoLog
	if err := v.asset.TransferFrom(v.address, caller, v.address, amount); err != nil {
		return convert.Quote{}, fmt.Errorf("pull collateral: %w", err)
	}
	undo.push("refund collateral", func() error {
		if err := v.asset.Transfer(v.address, caller, amount); err != nil {
			return err
		}
		return v.asset.Approve(caller, v.address, allowance)
	})
	if err := v.shares.Mint(v.address, receiver, q.Net); err != nil {
		undo.rollback(v.logger)
		return convert.Quote{}, fmt.Errorf("mint shares: %w", err)
	}
	undo.push("burn shares", func() error {
		return v.shares.Burn(v.address, receiver, q.Net)
	})

	prev := v.totalMinted
	v.totalMinted = new(big.Int).Add(prev, q.Net)
	if err := v.commitLocked(ctx, "deposit", caller, receiver, caller, q); err != nil {
		v.totalMinted = prev
		undo.rollback(v.logger)
		return convert.Quote{}, err
	}
	v.publishLocked()
	return q, nil
}

// Redeem burns shares held by owner and sends the net collateral to
// receiver. A caller other than owner spends owner's share allowance.
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	start := v.clock()
	ctx, span := v.tracer.Start(ctx, "vault.redeem", trace.WithAttributes(
		attribute.String("caller", caller.Hex()),
		attribute.String("receiver", receiver.Hex()),
		attribute.String("owner", owner.Hex()),
	))
	defer span.End()
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.redeemLocked(ctx, caller, shares, receiver, owner)
	v.observe(span, "redeem", start, err)
	if err != nil {
		v.logger.Warn().Err(err).
			Str("op", "redeem").
			Str("caller", caller.Hex()).
			Str("shares", amountString(shares)).
			Msg("operation rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("collateral", q.Net.String()))
	v.logger.Debug().
		Str("op", "redeem").
		Str("caller", caller.Hex()).
		Str("receiver", receiver.Hex()).
		Str("owner", owner.Hex()).
		Str("shares", q.AmountIn.String()).
		Str("amount", q.Net.String()).
		Str("fee", q.Fee.String()).
		Str("price", q.Price.Value.String()).
		Msg("redeem")
	return new(big.Int).Set(q.Net), nil
}

func (v *Vault) redeemLocked(ctx context.Context, caller common.Address, shares *big.Int, receiver, owner common.Address) (convert.Quote, error) {
	if err := v.authorizeLocked(caller); err != nil {
		return convert.Quote{}, err
	}
	if err := positive(shares); err != nil {
		return convert.Quote{}, err
	}
	if receiver == (common.Address{}) || owner == (common.Address{}) {
		return convert.Quote{}, fmt.Errorf("%w: receiver and owner required", ErrZeroAddress)
	}
	var allowance *big.Int
	if caller != owner {
		allowance = v.shares.Allowance(owner, caller)
		if allowance.Cmp(shares) < 0 {
			return convert.Quote{}, fmt.Errorf("%w: approved for %s, need %s", ErrInsufficientAllowance, allowance, shares)
		}
	}
	if bal := v.shares.BalanceOf(owner); bal.Cmp(shares) < 0 {
		return convert.Quote{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, bal, shares)
	}
	q, err := v.quoteRedeemLocked(ctx, shares)
	if err != nil {
		return convert.Quote{}, err
	}
	if q.Net.Sign() == 0 {
		return convert.Quote{}, ErrZeroCollateral
	}
	if reserve := v.asset.BalanceOf(v.address); reserve.Cmp(q.Net) < 0 {
		return convert.Quote{}, fmt.Errorf("%w: holding %s, need %s", ErrInsufficientCollateralReserve, reserve, q.Net)
	}
	if !v.shares.IsMinter(v.address) {
		return convert.Quote{}, fmt.Errorf("burn shares: %w", ErrUnauthorizedMinter)
	}

	var undo undoLog
	if allowance != nil {
		if err := v.shares.SpendAllowance(owner, caller, shares); err != nil {
			return convert.Quote{}, fmt.Errorf("spend allowance: %w", err)
		}
		undo.push("restore allowance", func() error {
			return v.shares.Approve(owner, caller, allowance)
		})
	}
	if err := v.shares.Burn(v.address, owner, shares); err != nil {
		undo.rollback(v.logger)
		return convert.Quote{}, fmt.Errorf("burn shares: %w", err)
	}
	undo.push("re-mint shares", func() error {
		return v.shares.Mint(v.address, owner, shares)
	})
	if err := v.asset.Transfer(v.address, receiver, q.Net); err != nil {
		undo.rollback(v.logger)
		return convert.Quote{}, fmt.Errorf("release collateral: %w", err)
	}
	undo.push("reclaim collateral", func() error {
		return v.asset.Transfer(receiver, v.address, q.Net)
	})

	prev := v.totalMinted
	next := new(big.Int).Sub(prev, shares)
	if next.Sign() < 0 {
		next.SetUint64(0)
	}
	v.totalMinted = next
	if err := v.commitLocked(ctx, "redeem", caller, receiver, owner, q); err != nil {
		v.totalMinted = prev
		undo.rollback(v.logger)
		return convert.Quote{}, err
	}
	v.publishLocked()
	return q, nil
}

// SetMintCap replaces the mint cap. A cap below the current total blocks
// further deposits without affecting existing shares.
func (v *Vault) SetMintCap(ctx context.Context, caller common.Address, mintCap *big.Int) error {
	return v.update(ctx, "set_mint_cap", caller, func(cfg *Config) error {
		if mintCap == nil {
			return fmt.Errorf("%w: mint cap required", ErrInvalidConfig)
		}
		cfg.MintCap = new(big.Int).Set(mintCap)
		return nil
	})
}

// SetFees replaces the mint and redeem fees.
func (v *Vault) SetFees(ctx context.Context, caller common.Address, fees policy.Fees) error {
	return v.update(ctx, "set_fees", caller, func(cfg *Config) error {
		cfg.Fees = fees
		return nil
	})
}

// SetPublic toggles whether unprivileged accounts may deposit and redeem.
func (v *Vault) SetPublic(ctx context.Context, caller common.Address, public bool) error {
	return v.update(ctx, "set_public", caller, func(cfg *Config) error {
		cfg.Public = public
		return nil
	})
}

// SetOracle replaces the price feed and its freshness window. The feed must
// report the decimals the vault was built with.
func (v *Vault) SetOracle(ctx context.Context, caller common.Address, feed oracle.Feed, maxDelay time.Duration) error {
	if feed == nil {
		return fmt.Errorf("%w: feed required", ErrInvalidConfig)
	}
	var next *oracle.Adapter
	err := v.update(ctx, "set_oracle", caller, func(cfg *Config) error {
		cfg.MaxOracleDelay = maxDelay
		if maxDelay <= 0 {
			return nil
		}
		next = oracle.NewAdapter(feed, v.oracleDecimals, maxDelay).WithClock(v.clock)
		if err := next.Verify(ctx); err != nil {
			return fmt.Errorf("verify feed: %w", err)
		}
		return nil
	}, func() {
		v.oracle = next
	})
	return err
}

// SetMaxOracleDelay changes the freshness window of the current feed.
func (v *Vault) SetMaxOracleDelay(ctx context.Context, caller common.Address, maxDelay time.Duration) error {
	return v.SetOracle(ctx, caller, v.currentFeed(), maxDelay)
}

// GrantOperator lets account deposit and redeem while public access is off.
func (v *Vault) GrantOperator(ctx context.Context, caller, account common.Address) error {
	if account == (common.Address{}) {
		return fmt.Errorf("%w: operator", ErrZeroAddress)
	}
	var had bool
	return v.update(ctx, "grant_operator", caller, func(*Config) error {
		had = v.roles.Has(account, access.Operator)
		v.roles.Grant(account, access.Operator)
		return nil
	}, nil, func() {
		if !had {
			v.roles.Revoke(account, access.Operator)
		}
	})
}

// RevokeOperator removes account's operator capability.
func (v *Vault) RevokeOperator(ctx context.Context, caller, account common.Address) error {
	var had bool
	return v.update(ctx, "revoke_operator", caller, func(*Config) error {
		had = v.roles.Has(account, access.Operator)
		v.roles.Revoke(account, access.Operator)
		return nil
	}, nil, func() {
		if had {
			v.roles.Grant(account, access.Operator)
		}
	})
}

func (v *Vault) currentFeed() oracle.Feed {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.oracle.Feed()
}

// update runs an owner-only configuration change. mutate edits a copy of
// the config; onCommit runs once the change is persisted and revert once it
// is abandoned.
func (v *Vault) update(ctx context.Context, op string, caller common.Address, mutate func(*Config) error, hooks ...func()) error {
	var onCommit, revert func()
	if len(hooks) > 0 {
		onCommit = hooks[0]
	}
	if len(hooks) > 1 {
		revert = hooks[1]
	}

	start := v.clock()
	ctx, span := v.tracer.Start(ctx, "vault."+op, trace.WithAttributes(attribute.String("caller", caller.Hex())))
	defer span.End()
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.updateLocked(ctx, caller, mutate, onCommit, revert)
	v.observe(span, op, start, err)
	if err != nil {
		v.logger.Warn().Err(err).Str("op", op).Str("caller", caller.Hex()).Msg("configuration change rejected")
		return err
	}
	v.logger.Info().
		Str("op", op).
		Str("mint_cap", v.cfg.MintCap.String()).
		Uint32("mint_fee_bps", v.cfg.Fees.MintBps).
		Uint32("redeem_fee_bps", v.cfg.Fees.RedeemBps).
		Dur("max_oracle_delay", v.cfg.MaxOracleDelay).
		Bool("public", v.cfg.Public).
		Msg("configuration updated")
	return nil
}

func (v *Vault) updateLocked(ctx context.Context, caller common.Address, mutate func(*Config) error, onCommit, revert func()) error {
	if !v.roles.Has(caller, access.Owner) {
		return ErrUnauthorized
	}
	next := v.cfg.clone()
	abort := func(err error) error {
		if revert != nil {
			revert()
		}
		return err
	}
	if err := mutate(&next); err != nil {
		return abort(err)
	}
	if err := next.Validate(); err != nil {
		return abort(err)
	}
	prev := v.cfg
	v.cfg = next
	if v.store != nil {
		if err := v.store.SaveState(ctx, v.stateLocked()); err != nil {
			v.cfg = prev
			return abort(fmt.Errorf("%w: %w", ErrPersist, err))
		}
	}
	if onCommit != nil {
		onCommit()
	}
	return nil
}

func (v *Vault) authorizeLocked(caller common.Address) error {
	if v.cfg.Public || v.roles.Has(caller, access.Owner) || v.roles.Has(caller, access.Operator) {
		return nil
	}
	return ErrNotPublicAndNotAuthorized
}

func (v *Vault) commitLocked(ctx context.Context, kind string, caller, receiver, owner common.Address, q convert.Quote) error {
	if v.store == nil {
		return nil
	}
	op := storage.Operation{
		Kind:          kind,
		Caller:        caller.Hex(),
		Receiver:      receiver.Hex(),
		Owner:         owner.Hex(),
		AmountIn:      q.AmountIn.String(),
		AmountOut:     q.Net.String(),
		Fee:           q.Fee.String(),
		Price:         q.Price.Value.String(),
		PriceDecimals: q.Price.Decimals,
		CreatedAt:     v.clock(),
	}
	if err := v.store.CommitOperation(ctx, v.stateLocked(), op); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (v *Vault) stateLocked() storage.State {
	ops := v.roles.Holders(access.Operator)
	hexes := make([]string, 0, len(ops))
	for _, op := range ops {
		hexes = append(hexes, op.Hex())
	}
	return storage.State{
		MintCap:        v.cfg.MintCap.String(),
		MintFeeBps:     v.cfg.Fees.MintBps,
		RedeemFeeBps:   v.cfg.Fees.RedeemBps,
		MaxOracleDelay: v.cfg.MaxOracleDelay,
		Public:         v.cfg.Public,
		TotalMinted:    v.totalMinted.String(),
		Operators:      hexes,
		UpdatedAt:      v.clock(),
	}
}

func (v *Vault) publishLocked() {
	v.metrics.SetBalances(v.totalMinted, v.asset.BalanceOf(v.address))
}

func (v *Vault) observe(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, op)
	}
	v.metrics.Observe(op, v.clock().Sub(start), string(ErrorKind(err)))
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", policy.ErrNegative, amount)
	}
	return policy.Bounded(amount)
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "<nil>"
	}
	return amount.String()
}

// undoLog collects compensating steps for an operation in progress.
type undoLog struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func() error
}

func (u *undoLog) push(name string, fn func() error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// rollback runs the steps newest first. A failing step is logged and the
// rest still run.
func (u *undoLog) rollback(logger zerolog.Logger) {
	var failed []string
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if err := step.fn(); err != nil {
			failed = append(failed, step.name)
			logger.Error().Err(err).Str("step", step.name).Msg("compensation failed")
		}
	}
	if len(failed) > 0 {
		logger.Error().Str("steps", strings.Join(failed, ",")).Msg("operation left partially applied")
	}
	u.steps = nil
}
