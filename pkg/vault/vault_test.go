package vault

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royalfork/custodian/pkg/convert"
	"github.com/royalfork/custodian/pkg/oracle"
	"github.com/royalfork/custodian/pkg/policy"
	"github.com/royalfork/custodian/pkg/storage"
	"github.com/royalfork/custodian/pkg/token"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000003")

	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), convert.Pow10(6))
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), convert.Pow10(18))
}

type fixture struct {
	t     *testing.T
	vault *Vault
	usdc  *token.Ledger
	usdx  *token.Ledger
	feed  *oracle.StaticFeed
	now   time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func defaultConfig() Config {
	return Config{
		MintCap:        wad(1_000_000),
		MaxOracleDelay: time.Hour,
		Public:         true,
	}
}

// newFixture builds a vault over fresh ledgers, priced at answer.
func newFixture(t *testing.T, answer int64, mutate ...func(*Params)) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		usdc: token.NewLedger(token.Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6}, owner),
		usdx: token.NewLedger(token.Metadata{Name: "USDX", Symbol: "USDX", Decimals: 18}, owner),
		feed: oracle.NewStaticFeed(oracle.DefaultDecimals),
		now:  t0,
	}
	require.NoError(t, f.usdc.GrantMinter(owner, owner))
	require.NoError(t, f.usdx.GrantMinter(owner, vaultAddr))
	f.feed.Set(big.NewInt(answer), t0)

	logger := zerolog.Nop()
	p := Params{
		Address: vaultAddr,
		Owner:   owner,
		Asset:   f.usdc,
		Shares:  f.usdx,
		Feed:    f.feed,
		Config:  defaultConfig(),
		Clock:   f.clock,
		Logger:  &logger,
	}
	for _, m := range mutate {
		m(&p)
	}
	v, err := New(context.Background(), p)
	require.NoError(t, err)
	f.vault = v
	return f
}

// fund gives account amount USDC and approves the vault to pull it.
func (f *fixture) fund(account common.Address, amount *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.usdc.Mint(owner, account, amount))
	require.NoError(f.t, f.usdc.Approve(account, vaultAddr, f.usdc.BalanceOf(account)))
}

// balances captures every value an operation may touch.
type balances struct {
	usdc, usdx     map[common.Address]string
	usdcAllowance  string
	shareAllowance string
	usdxSupply     string
	reserve        string
	totalMinted    string
}

func (f *fixture) balances() balances {
	b := balances{
		usdc:           map[common.Address]string{},
		usdx:           map[common.Address]string{},
		usdcAllowance:  f.usdc.Allowance(alice, vaultAddr).String(),
		shareAllowance: f.usdx.Allowance(alice, bob).String(),
		usdxSupply:     f.usdx.TotalSupply().String(),
		reserve:        f.vault.Reserve().String(),
		totalMinted:    f.vault.TotalMinted().String(),
	}
	for _, a := range []common.Address{alice, bob, carol, owner, vaultAddr} {
		b.usdc[a] = f.usdc.BalanceOf(a).String()
		b.usdx[a] = f.usdx.BalanceOf(a).String()
	}
	return b
}

func TestVault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 99_985_000) // 0.99985 usd per usdc
	f.fund(alice, usdc(1_000))

	t.Run("constructorSetsOwner", func(t *testing.T) {
		if f.vault.Owner() != owner {
			t.Errorf("want owner: %v, got: %v", owner, f.vault.Owner())
		}
		if f.vault.Address() != vaultAddr {
			t.Errorf("want address: %v, got: %v", vaultAddr, f.vault.Address())
		}
	})

	t.Run("constructorSetsPriceFeed", func(t *testing.T) {
		snap := f.vault.Snapshot()
		if snap.OracleDecimals != oracle.DefaultDecimals {
			t.Errorf("want oracle decimals: %d, got: %d", oracle.DefaultDecimals, snap.OracleDecimals)
		}
		if snap.AssetDecimals != 6 || snap.ShareDecimals != 18 {
			t.Errorf("want decimals 6/18, got: %d/%d", snap.AssetDecimals, snap.ShareDecimals)
		}
	})

	t.Run("depositMintsAtOraclePrice", func(t *testing.T) {
		shares, err := f.vault.Deposit(ctx, alice, usdc(500), alice)
		require.NoError(t, err)
		assert.Equal(t, "499925000000000000000", shares.String())
		assert.Equal(t, "499925000000000000000", f.usdx.BalanceOf(alice).String())
		assert.Equal(t, usdc(500).String(), f.usdc.BalanceOf(alice).String())
		assert.Equal(t, usdc(500).String(), f.vault.Reserve().String())
		assert.Equal(t, shares.String(), f.vault.TotalMinted().String())
	})

	t.Run("redeemHalf", func(t *testing.T) {
		half := new(big.Int).Quo(f.usdx.BalanceOf(alice), big.NewInt(2))
		out, err := f.vault.Redeem(ctx, alice, half, alice, alice)
		require.NoError(t, err)
		assert.Equal(t, usdc(250).String(), out.String())
		assert.Equal(t, usdc(750).String(), f.usdc.BalanceOf(alice).String())
		assert.Equal(t, usdc(250).String(), f.vault.Reserve().String())
		assert.Equal(t, "249962500000000000000", f.vault.TotalMinted().String())
	})

	t.Run("feedRevertsOnDeposit", func(t *testing.T) {
		f.feed.SetAccess(false)
		before := f.balances()
		if _, err := f.vault.Deposit(ctx, alice, usdc(1), alice); !errors.Is(err, oracle.ErrAccessDenied) {
			t.Errorf("want oracle access error, got: %v", err)
		}
		assert.Equal(t, before, f.balances())

		f.feed.SetAccess(true)
		if _, err := f.vault.Deposit(ctx, alice, usdc(1), alice); err != nil {
			t.Errorf("should deposit once the feed answers: %v", err)
		}
	})
}

func TestPreviewMatchesExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100_020_000, func(p *Params) {
		p.Config.Fees = policy.Fees{MintBps: 50, RedeemBps: 25}
	})
	f.fund(alice, usdc(10_000))

	for _, amount := range []*big.Int{big.NewInt(1), big.NewInt(999_999), usdc(1), usdc(1234), usdc(5000)} {
		want, err := f.vault.PreviewDeposit(ctx, amount)
		require.NoError(t, err)
		got, err := f.vault.Deposit(ctx, alice, amount, alice)
		if want.Sign() == 0 {
			assert.ErrorIs(t, err, ErrZeroShares)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.String(), "deposit %s", amount)
	}

	for _, shares := range []*big.Int{wad(1), big.NewInt(123_456_789_012_345), wad(100)} {
		want, err := f.vault.PreviewRedeem(ctx, shares)
		require.NoError(t, err)
		got, err := f.vault.Redeem(ctx, alice, shares, alice, alice)
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.String(), "redeem %s", shares)
	}
}

func TestPreviewZero(t *testing.T) {
	f := newFixture(t, 1e8)
	shares, err := f.vault.PreviewDeposit(context.Background(), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, "0", shares.String())

	collateral, err := f.vault.PreviewRedeem(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "0", collateral.String())
}

func TestFeesStayInVault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8, func(p *Params) {
		p.Config.Fees = policy.Fees{MintBps: 50, RedeemBps: 25}
	})
	f.fund(alice, usdc(1))

	q, err := f.vault.QuoteDeposit(ctx, usdc(1))
	require.NoError(t, err)
	assert.Equal(t, "5000000000000000", q.Fee.String())

	shares, err := f.vault.Deposit(ctx, alice, usdc(1), alice)
	require.NoError(t, err)
	assert.Equal(t, "995000000000000000", shares.String())
	assert.Equal(t, shares.String(), f.usdx.TotalSupply().String(), "fees are never minted")

	out, err := f.vault.Redeem(ctx, alice, shares, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "992512", out.String())
	assert.Equal(t, "7488", f.vault.Reserve().String())
	assert.Equal(t, "0", f.vault.TotalMinted().String())
}

func TestMultipleAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	deposits := map[common.Address]int64{alice: 200, bob: 300, carol: 100}
	for _, a := range []common.Address{alice, bob, carol} {
		f.fund(a, usdc(deposits[a]))
	}
	supply := f.usdc.TotalSupply().String()

	for _, a := range []common.Address{alice, bob, carol} {
		_, err := f.vault.Deposit(ctx, a, usdc(deposits[a]), a)
		require.NoError(t, err)
		assert.Equal(t, wad(deposits[a]).String(), f.usdx.BalanceOf(a).String())
	}
	assert.Equal(t, wad(600).String(), f.vault.TotalMinted().String())

	third := new(big.Int).Quo(f.usdx.BalanceOf(alice), big.NewInt(3))
	out, err := f.vault.Redeem(ctx, alice, third, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "66666666", out.String())

	quarter := new(big.Int).Quo(f.usdx.BalanceOf(bob), big.NewInt(4))
	out, err = f.vault.Redeem(ctx, bob, quarter, bob, bob)
	require.NoError(t, err)
	assert.Equal(t, "75000000", out.String())

	assert.Equal(t, "458333333333333333334", f.vault.TotalMinted().String())
	assert.Equal(t, "458333334", f.vault.Reserve().String())
	assert.Equal(t, f.vault.TotalMinted().String(), f.usdx.TotalSupply().String())

	// collateral is only ever moved, never created
	assert.Equal(t, supply, f.usdc.TotalSupply().String())
	sum := new(big.Int)
	for _, a := range []common.Address{alice, bob, carol, vaultAddr} {
		sum.Add(sum, f.usdc.BalanceOf(a))
	}
	assert.Equal(t, supply, sum.String())
}

func TestMintCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8, func(p *Params) {
		p.Config.MintCap = wad(100)
	})
	f.fund(alice, usdc(1_000))

	_, err := f.vault.Deposit(ctx, alice, usdc(100), alice)
	require.NoError(t, err, "filling the cap exactly is allowed")

	before := f.balances()
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrMintCapExceeded)
	assert.Equal(t, KindPolicy, ErrorKind(err))
	assert.Equal(t, before, f.balances())

	require.NoError(t, f.vault.SetMintCap(ctx, owner, big.NewInt(0)))
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrMintCapExceeded)

	// redemptions still work under a lowered cap
	_, err = f.vault.Redeem(ctx, alice, wad(10), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, wad(90).String(), f.vault.TotalMinted().String())
}

func TestAccessGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8, func(p *Params) {
		p.Config.Public = false
		p.Operators = []common.Address{bob}
	})
	f.fund(alice, usdc(10))
	f.fund(bob, usdc(10))

	before := f.balances()
	_, err := f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrNotPublicAndNotAuthorized)
	_, err = f.vault.Redeem(ctx, alice, wad(1), alice, alice)
	assert.ErrorIs(t, err, ErrNotPublicAndNotAuthorized)
	assert.Equal(t, before, f.balances())
	assert.False(t, f.vault.IsAuthorized(alice))

	_, err = f.vault.Deposit(ctx, bob, usdc(1), alice)
	require.NoError(t, err, "operator deposits on alice's behalf")
	assert.Equal(t, wad(1).String(), f.usdx.BalanceOf(alice).String())

	assert.ErrorIs(t, f.vault.GrantOperator(ctx, bob, alice), ErrUnauthorized)
	require.NoError(t, f.vault.GrantOperator(ctx, owner, alice))
	assert.Equal(t, []common.Address{alice, bob}, f.vault.Operators())
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	require.NoError(t, err)

	require.NoError(t, f.vault.RevokeOperator(ctx, owner, alice))
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrNotPublicAndNotAuthorized)

	assert.ErrorIs(t, f.vault.SetPublic(ctx, alice, true), ErrUnauthorized)
	require.NoError(t, f.vault.SetPublic(ctx, owner, true))
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	require.NoError(t, err)
	assert.True(t, f.vault.IsAuthorized(carol))
}

func TestDepositValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(10))
	require.NoError(t, f.usdc.Mint(owner, bob, usdc(10)))

	cases := []struct {
		name     string
		caller   common.Address
		amount   *big.Int
		receiver common.Address
		want     error
	}{
		{name: "zero", caller: alice, amount: big.NewInt(0), receiver: alice, want: ErrZeroAmount},
		{name: "nil", caller: alice, amount: nil, receiver: alice, want: ErrZeroAmount},
		{name: "negative", caller: alice, amount: big.NewInt(-1), receiver: alice, want: policy.ErrNegative},
		{name: "zeroReceiver", caller: alice, amount: usdc(1), receiver: common.Address{}, want: ErrZeroAddress},
		{name: "overBalance", caller: alice, amount: usdc(11), receiver: alice, want: ErrInsufficientBalance},
		{name: "notApproved", caller: bob, amount: usdc(1), receiver: bob, want: ErrInsufficientAllowance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.balances()
			_, err := f.vault.Deposit(ctx, tc.caller, tc.amount, tc.receiver)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, KindValidation, ErrorKind(err))
			assert.Equal(t, before, f.balances())
		})
	}
}

func TestDepositTooSmallForShares(t *testing.T) {
	// 1 base unit of an 18 decimal asset at 1 usd buys 1e-18 of a 6
	// decimal share, which truncates to zero.
	ctx := context.Background()
	asset := token.NewLedger(token.Metadata{Name: "Wrapped", Symbol: "W", Decimals: 18}, owner)
	shares := token.NewLedger(token.Metadata{Name: "Six", Symbol: "SIX", Decimals: 6}, owner)
	require.NoError(t, asset.GrantMinter(owner, owner))
	require.NoError(t, shares.GrantMinter(owner, vaultAddr))
	require.NoError(t, asset.Mint(owner, alice, big.NewInt(10)))
	require.NoError(t, asset.Approve(alice, vaultAddr, big.NewInt(10)))

	feed := oracle.NewStaticFeed(8)
	feed.Set(big.NewInt(1e8), t0)
	logger := zerolog.Nop()
	v, err := New(ctx, Params{
		Address: vaultAddr, Owner: owner, Asset: asset, Shares: shares, Feed: feed,
		Config: defaultConfig(), Clock: func() time.Time { return t0 }, Logger: &logger,
	})
	require.NoError(t, err)

	_, err = v.Deposit(ctx, alice, big.NewInt(1), alice)
	assert.ErrorIs(t, err, ErrZeroShares)
	assert.Equal(t, "10", asset.BalanceOf(alice).String())
}

func TestRedeemValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(10))
	_, err := f.vault.Deposit(ctx, alice, usdc(10), alice)
	require.NoError(t, err)

	cases := []struct {
		name     string
		caller   common.Address
		shares   *big.Int
		receiver common.Address
		owner    common.Address
		want     error
	}{
		{name: "zero", caller: alice, shares: big.NewInt(0), receiver: alice, owner: alice, want: ErrZeroAmount},
		{name: "zeroReceiver", caller: alice, shares: wad(1), receiver: common.Address{}, owner: alice, want: ErrZeroAddress},
		{name: "overBalance", caller: alice, shares: wad(11), receiver: alice, owner: alice, want: ErrInsufficientShares},
		{name: "noAllowance", caller: bob, shares: wad(1), receiver: bob, owner: alice, want: ErrInsufficientAllowance},
		{name: "dust", caller: alice, shares: big.NewInt(1), receiver: alice, owner: alice, want: ErrZeroCollateral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.balances()
			_, err := f.vault.Redeem(ctx, tc.caller, tc.shares, tc.receiver, tc.owner)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, KindValidation, ErrorKind(err))
			assert.Equal(t, before, f.balances())
		})
	}
}

func TestRedeemWithAllowance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(100))
	_, err := f.vault.Deposit(ctx, alice, usdc(100), alice)
	require.NoError(t, err)

	require.NoError(t, f.usdx.Approve(alice, bob, wad(50)))
	out, err := f.vault.Redeem(ctx, bob, wad(40), carol, alice)
	require.NoError(t, err)
	assert.Equal(t, usdc(40).String(), out.String())
	assert.Equal(t, usdc(40).String(), f.usdc.BalanceOf(carol).String())
	assert.Equal(t, wad(60).String(), f.usdx.BalanceOf(alice).String())
	assert.Equal(t, wad(10).String(), f.usdx.Allowance(alice, bob).String())

	before := f.balances()
	_, err = f.vault.Redeem(ctx, bob, wad(11), bob, alice)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Equal(t, before, f.balances())
}

func TestInsufficientReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(100))
	_, err := f.vault.Deposit(ctx, alice, usdc(100), alice)
	require.NoError(t, err)

	// collateral halves in value, so each share now claims twice as much
	f.feed.Set(big.NewInt(5e7), t0)
	before := f.balances()
	_, err = f.vault.Redeem(ctx, alice, wad(100), alice, alice)
	assert.ErrorIs(t, err, ErrInsufficientCollateralReserve)
	assert.Equal(t, before, f.balances())

	out, err := f.vault.Redeem(ctx, alice, wad(50), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, usdc(100).String(), out.String())
	assert.Equal(t, "0", f.vault.Reserve().String())
}

func TestStaleOracle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(10))
	_, err := f.vault.Deposit(ctx, alice, usdc(5), alice)
	require.NoError(t, err)

	f.now = t0.Add(time.Hour)
	_, err = f.vault.PreviewDeposit(ctx, usdc(1))
	require.NoError(t, err, "a reading exactly max delay old is fresh")

	f.now = t0.Add(time.Hour + time.Second)
	before := f.balances()
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrStaleOracle)
	assert.Equal(t, KindOracle, ErrorKind(err))
	_, err = f.vault.Redeem(ctx, alice, wad(1), alice, alice)
	assert.ErrorIs(t, err, ErrStaleOracle)
	_, err = f.vault.PreviewRedeem(ctx, wad(1))
	assert.ErrorIs(t, err, ErrStaleOracle)
	assert.Equal(t, before, f.balances())

	f.feed.Set(big.NewInt(1e8), f.now)
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	require.NoError(t, err)

	f.feed.Set(big.NewInt(0), f.now)
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrInvalidOraclePrice)
}

func TestVaultNotMinter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)
	f.fund(alice, usdc(10))
	_, err := f.vault.Deposit(ctx, alice, usdc(5), alice)
	require.NoError(t, err)

	require.NoError(t, f.usdx.RevokeMinter(owner, vaultAddr))
	before := f.balances()
	_, err = f.vault.Deposit(ctx, alice, usdc(1), alice)
	assert.ErrorIs(t, err, ErrUnauthorizedMinter)
	assert.ErrorIs(t, err, token.ErrUnauthorizedMinter)
	assert.Equal(t, KindAccess, ErrorKind(err))
	_, err = f.vault.Redeem(ctx, alice, wad(1), alice, alice)
	assert.ErrorIs(t, err, ErrUnauthorizedMinter)
	assert.Equal(t, before, f.balances())
}

func TestSetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)

	t.Run("fees", func(t *testing.T) {
		assert.ErrorIs(t, f.vault.SetFees(ctx, alice, policy.Fees{MintBps: 1}), ErrUnauthorized)
		assert.ErrorIs(t, f.vault.SetFees(ctx, owner, policy.Fees{MintBps: policy.MaxBps + 1}), ErrInvalidFee)
		assert.Equal(t, policy.Fees{}, f.vault.Config().Fees)

		fees := policy.Fees{MintBps: 10, RedeemBps: 20}
		require.NoError(t, f.vault.SetFees(ctx, owner, fees))
		assert.Equal(t, fees, f.vault.Config().Fees)
	})

	t.Run("mintCap", func(t *testing.T) {
		assert.ErrorIs(t, f.vault.SetMintCap(ctx, alice, wad(1)), ErrUnauthorized)
		assert.ErrorIs(t, f.vault.SetMintCap(ctx, owner, big.NewInt(-1)), ErrInvalidConfig)
		assert.ErrorIs(t, f.vault.SetMintCap(ctx, owner, nil), ErrInvalidConfig)
		require.NoError(t, f.vault.SetMintCap(ctx, owner, wad(7)))
		assert.Equal(t, wad(7).String(), f.vault.Config().MintCap.String())
	})

	t.Run("configIsACopy", func(t *testing.T) {
		cfg := f.vault.Config()
		cfg.MintCap.SetInt64(1)
		assert.Equal(t, wad(7).String(), f.vault.Config().MintCap.String())
	})

	t.Run("feedDecimalsMatch", func(t *testing.T) {
		wrong := oracle.NewStaticFeed(18)
		wrong.Set(big.NewInt(1e18), t0)
		assert.ErrorIs(t, f.vault.SetOracle(ctx, owner, wrong, time.Hour), ErrDecimalsMismatch)
		assert.ErrorIs(t, f.vault.SetOracle(ctx, owner, nil, time.Hour), ErrInvalidConfig)
	})

	t.Run("ownerReplacesFeed", func(t *testing.T) {
		replacement := oracle.NewStaticFeed(oracle.DefaultDecimals)
		replacement.Set(big.NewInt(2e8), t0)

		assert.ErrorIs(t, f.vault.SetOracle(ctx, alice, replacement, time.Hour), ErrUnauthorized)
		assert.ErrorIs(t, f.vault.SetOracle(ctx, owner, replacement, 0), ErrInvalidConfig)

		require.NoError(t, f.vault.SetOracle(ctx, owner, replacement, 2*time.Hour))
		assert.Equal(t, 2*time.Hour, f.vault.Config().MaxOracleDelay)

		shares, err := f.vault.PreviewDeposit(ctx, usdc(1))
		require.NoError(t, err)
		// 2 usd per usdc less the 10 bps mint fee
		assert.Equal(t, "1998000000000000000", shares.String())

		require.NoError(t, f.vault.SetMaxOracleDelay(ctx, owner, 30*time.Minute))
		assert.Equal(t, 30*time.Minute, f.vault.Config().MaxOracleDelay)
		f.now = t0.Add(31 * time.Minute)
		_, err = f.vault.PreviewDeposit(ctx, usdc(1))
		assert.ErrorIs(t, err, ErrStaleOracle)
	})
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	usdcLedger := token.NewLedger(token.Metadata{Decimals: 6}, owner)
	usdxLedger := token.NewLedger(token.Metadata{Decimals: 18}, owner)
	feed := oracle.NewStaticFeed(8)
	logger := zerolog.Nop()
	base := Params{
		Address: vaultAddr, Owner: owner, Asset: usdcLedger, Shares: usdxLedger, Feed: feed,
		Config: defaultConfig(), Logger: &logger,
	}

	cases := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{name: "noOwner", mutate: func(p *Params) { p.Owner = common.Address{} }, want: ErrInvalidConfig},
		{name: "noFeed", mutate: func(p *Params) { p.Feed = nil }, want: ErrInvalidConfig},
		{name: "noCap", mutate: func(p *Params) { p.Config.MintCap = nil }, want: ErrInvalidConfig},
		{name: "noDelay", mutate: func(p *Params) { p.Config.MaxOracleDelay = 0 }, want: ErrInvalidConfig},
		{name: "badFee", mutate: func(p *Params) { p.Config.Fees.RedeemBps = 10_001 }, want: ErrInvalidFee},
		{name: "feedDecimals", mutate: func(p *Params) { p.OracleDecimals = 18 }, want: ErrDecimalsMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			p.Config = base.Config.clone()
			tc.mutate(&p)
			_, err := New(ctx, p)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, 1e8, func(p *Params) { p.Store = store })
	f.fund(alice, usdc(100))
	_, err = f.vault.Deposit(ctx, alice, usdc(100), alice)
	require.NoError(t, err)
	_, err = f.vault.Redeem(ctx, alice, wad(25), bob, alice)
	require.NoError(t, err)
	require.NoError(t, f.vault.SetFees(ctx, owner, policy.Fees{MintBps: 5, RedeemBps: 7}))
	require.NoError(t, f.vault.GrantOperator(ctx, owner, carol))

	ops, err := store.Operations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "redeem", ops[0].Kind)
	assert.Equal(t, bob.Hex(), ops[0].Receiver)
	assert.Equal(t, usdc(25).String(), ops[0].AmountOut)
	assert.Equal(t, "deposit", ops[1].Kind)

	// a restart picks up the stored state rather than the supplied config
	logger := zerolog.Nop()
	restarted, err := New(ctx, Params{
		Address: vaultAddr, Owner: owner, Asset: f.usdc, Shares: f.usdx, Feed: f.feed,
		Config: defaultConfig(), Store: store, Clock: f.clock, Logger: &logger,
	})
	require.NoError(t, err)
	assert.Equal(t, wad(75).String(), restarted.TotalMinted().String())
	assert.Equal(t, policy.Fees{MintBps: 5, RedeemBps: 7}, restarted.Config().Fees)
	assert.Equal(t, []common.Address{carol}, restarted.Operators())
}

type failingStore struct {
	storage.State
	saved bool
	fail  bool
}

func (s *failingStore) LoadState(context.Context) (storage.State, bool, error) {
	return s.State, s.saved, nil
}

func (s *failingStore) SaveState(_ context.Context, st storage.State) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.State, s.saved = st, true
	return nil
}

func (s *failingStore) CommitOperation(ctx context.Context, st storage.State, _ storage.Operation) error {
	return s.SaveState(ctx, st)
}

func TestPersistFailureReverts(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	f := newFixture(t, 1e8, func(p *Params) {
		p.Store = store
		p.Config.Public = false
		p.Operators = []common.Address{alice}
	})
	f.fund(alice, usdc(100))
	require.NoError(t, f.usdx.Approve(alice, bob, wad(10)))
	_, err := f.vault.Deposit(ctx, alice, usdc(50), alice)
	require.NoError(t, err)
	require.NoError(t, f.vault.GrantOperator(ctx, owner, bob))

	store.fail = true
	before := f.balances()

	_, err = f.vault.Deposit(ctx, alice, usdc(10), alice)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, KindInternal, ErrorKind(err))
	assert.Equal(t, before, f.balances())

	_, err = f.vault.Redeem(ctx, bob, wad(10), bob, alice)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, before, f.balances())

	assert.ErrorIs(t, f.vault.SetPublic(ctx, owner, true), ErrPersist)
	assert.False(t, f.vault.Config().Public)
	assert.ErrorIs(t, f.vault.GrantOperator(ctx, owner, carol), ErrPersist)
	assert.ErrorIs(t, f.vault.RevokeOperator(ctx, owner, bob), ErrPersist)
	assert.Equal(t, []common.Address{alice, bob}, f.vault.Operators())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindNone, ErrorKind(nil))
	assert.Equal(t, KindAccess, ErrorKind(ErrUnauthorized))
	assert.Equal(t, KindPolicy, ErrorKind(policy.ErrOverflow))
	assert.Equal(t, KindOracle, ErrorKind(oracle.ErrAccessDenied))
	assert.Equal(t, KindValidation, ErrorKind(ErrInsufficientShares))
	assert.Equal(t, KindInternal, ErrorKind(errors.New("boom")))
}

func TestSequentialDeposits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 99_985_000)
	f.fund(alice, usdc(600))

	prev := new(big.Int)
	for _, n := range []int64{200, 300, 100} {
		want, err := f.vault.PreviewDeposit(ctx, usdc(n))
		require.NoError(t, err)
		got, err := f.vault.Deposit(ctx, alice, usdc(n), alice)
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.String())

		total := f.vault.TotalMinted()
		require.Equal(t, 1, total.Cmp(prev), "total shares must grow")
		assert.Equal(t, new(big.Int).Add(prev, got).String(), total.String())
		prev = total
	}
	assert.Equal(t, "599910000000000000000", prev.String())

	third := new(big.Int).Quo(f.vault.TotalMinted(), big.NewInt(3))
	out, err := f.vault.Redeem(ctx, alice, third, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, usdc(200).String(), out.String())

	quarter := new(big.Int).Quo(f.vault.TotalMinted(), big.NewInt(4))
	out, err = f.vault.Redeem(ctx, alice, quarter, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, usdc(100).String(), out.String())

	assert.Equal(t, usdc(300).String(), f.vault.Reserve().String())
	assert.Equal(t, usdc(300).String(), f.usdc.BalanceOf(alice).String())
	assert.Equal(t, "299955000000000000000", f.vault.TotalMinted().String())
}

func TestConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1e8)

	accounts := make([]common.Address, 16)
	for i := range accounts {
		accounts[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		f.fund(accounts[i], usdc(10))
	}

	errs := make(chan error, len(accounts)*2)
	done := make(chan struct{})
	for _, a := range accounts {
		go func(a common.Address) {
			defer func() { done <- struct{}{} }()
			if _, err := f.vault.Deposit(ctx, a, usdc(10), a); err != nil {
				errs <- err
				return
			}
			if _, err := f.vault.Redeem(ctx, a, wad(4), a, a); err != nil {
				errs <- err
			}
		}(a)
	}
	for range accounts {
		<-done
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n := int64(len(accounts))
	assert.Equal(t, wad(6*n).String(), f.vault.TotalMinted().String())
	assert.Equal(t, usdc(6*n).String(), f.vault.Reserve().String())
	assert.Equal(t, f.vault.TotalMinted().String(), f.usdx.TotalSupply().String())
}
