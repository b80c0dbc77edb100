package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/fundvault/internal/admission"
	"github.com/terminal-bench/fundvault/internal/control"
	"github.com/terminal-bench/fundvault/internal/fees"
	"github.com/terminal-bench/fundvault/internal/kyc"
	"github.com/terminal-bench/fundvault/internal/oracle"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturingPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type fixture struct {
	vault     *Vault
	oracle    *oracle.Oracle
	schedule  *fees.Schedule
	partners  *fees.Partnership
	admission *admission.Controller
	kyc       *kyc.Registry
	ctrl      *control.Controller
	pub       *capturingPublisher
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl, err := control.NewController("admin", "op")
	require.NoError(t, err)
	require.NoError(t, ctrl.Grant("admin", control.RoleMaintainer, "maint"))

	ts := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	clock := &ts
	now := func() time.Time { return *clock }

	orc, err := oracle.New(oracle.Config{
		Decimals:        8,
		MaxDeviationBps: 100,
		InitialPrice:    decimal.NewFromInt(1),
		InitialNav:      decimal.NewFromInt(1),
	}, ctrl, now)
	require.NoError(t, err)

	schedule, err := fees.NewSchedule(fees.Params{
		WorkdayDepositBps:          5,
		WorkdayWithdrawBps:         5,
		HolidayDepositBps:          10,
		HolidayWithdrawBps:         10,
		MaxHolidayDepositPctBps:    500,
		MaxHolidayAggDepositPctBps: 1000,
		FirstDepositMin:            decimal.NewFromInt(100000),
		MinDeposit:                 decimal.NewFromInt(10000),
		MaxDeposit:                 decimal.NewFromInt(10000000),
		MinWithdraw:                decimal.NewFromInt(500),
		MaxWithdraw:                decimal.NewFromInt(10000000),
		MinTxFee:                   decimal.NewFromInt(25),
		ManagementFeeRateBps:       0,
	}, ctrl)
	require.NoError(t, err)

	partners := fees.NewPartnership(ctrl)

	adm, err := admission.New(schedule, ctrl, 0, now)
	require.NoError(t, err)

	registry := kyc.NewRegistry()
	pub := &capturingPublisher{}

	v := New(Config{
		ShareDecimals: 6,
		AssetDecimals: 6,
		MaxPriceDelay: 7 * 24 * time.Hour,
	}, Deps{
		Oracle:      orc,
		Schedule:    schedule,
		Partnership: partners,
		Admission:   adm,
		Kyc:         registry,
		Control:     ctrl,
		Publisher:   pub,
		Now:         now,
	})

	return &fixture{
		vault:     v,
		oracle:    orc,
		schedule:  schedule,
		partners:  partners,
		admission: adm,
		kyc:       registry,
		ctrl:      ctrl,
		pub:       pub,
		clock:     clock,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("mints net shares at the live price", func(t *testing.T) {
		f := newFixture(t)

		// gross 100000, fee 50 (5bps), net 99950, price 1
		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		require.NoError(t, err)

		assert.True(t, shares.Equal(dec("99950")), shares.String())
		assert.True(t, f.vault.BalanceOf("alice").Equal(dec("99950")))
		assert.True(t, f.vault.TotalAssets().Equal(dec("99950")))
		assert.True(t, f.vault.OnchainAssets().Equal(dec("99950")))
		assert.Equal(t, 1, f.pub.count("vault.deposit.processed"))
	})

	t.Run("rounds share count down", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.oracle.UpdatePrice("op", dec("1.01")))

		// net 99950 / 1.01 = 98960.39603960..., truncated to 6 decimals
		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		require.NoError(t, err)

		assert.True(t, shares.Equal(dec("98960.396039")), shares.String())
		assert.True(t, shares.Mul(dec("1.01")).LessThanOrEqual(dec("99950")))
	})

	t.Run("never rounds shares up across the truncation boundary", func(t *testing.T) {
		f := newFixture(t)

		free, err := fees.NewSchedule(fees.Params{
			FirstDepositMin: decimal.NewFromInt(100000),
			MinDeposit:      decimal.NewFromInt(10000),
			MaxDeposit:      decimal.NewFromInt(10000000),
			MinWithdraw:     decimal.NewFromInt(500),
			MaxWithdraw:     decimal.NewFromInt(10000000),
		}, f.ctrl)
		require.NoError(t, err)

		v := New(Config{ShareDecimals: 6, AssetDecimals: 6}, Deps{
			Oracle:      f.oracle,
			Schedule:    free,
			Partnership: f.partners,
			Admission:   f.admission,
			Kyc:         f.kyc,
			Control:     f.ctrl,
		})

		// A fee-free amount whose digits beyond the share precision
		// would round up if the division were not truncating.
		amount := dec("100000.00000099995")

		previewed, err := v.PreviewDeposit("alice", amount)
		require.NoError(t, err)
		assert.True(t, previewed.Equal(dec("100000")), previewed.String())

		shares, err := v.Deposit(ctx, "alice", amount, "alice")
		require.NoError(t, err)
		assert.True(t, shares.Equal(dec("100000")), shares.String())
	})

	t.Run("credits the receiver, not the sender", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "bob")
		require.NoError(t, err)

		assert.True(t, f.vault.BalanceOf("alice").IsZero())
		assert.True(t, f.vault.BalanceOf("bob").IsPositive())
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.Zero, "alice")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects below the first-deposit minimum", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(50000), "alice")
		assert.ErrorIs(t, err, admission.ErrBelowMinimum)
	})

	t.Run("subsequent deposits use the regular minimum", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		require.NoError(t, err)

		_, err = f.vault.Deposit(ctx, "alice", decimal.NewFromInt(10000), "alice")
		assert.NoError(t, err)
	})

	t.Run("rejects banned accounts", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.kyc.BanBulk([]string{"alice"}))

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		assert.ErrorIs(t, err, ErrKycRequired)
	})

	t.Run("rejects a banned receiver", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.kyc.BanBulk([]string{"bob"}))

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "bob")
		assert.ErrorIs(t, err, ErrKycRequired)
	})

	t.Run("rejects while deposits are paused", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ctrl.PauseDeposit("op"))

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		assert.ErrorIs(t, err, control.ErrDepositsPaused)
		assert.True(t, f.vault.TotalSupply().IsZero())
	})

	t.Run("rejects when the price is stale", func(t *testing.T) {
		f := newFixture(t)
		*f.clock = f.clock.Add(8 * 24 * time.Hour)

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		assert.ErrorIs(t, err, ErrPriceStale)
	})

	t.Run("failed deposit leaves no state change", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(50000), "alice")
		require.Error(t, err)

		assert.True(t, f.vault.TotalSupply().IsZero())
		assert.True(t, f.vault.TotalAssets().IsZero())
		assert.False(t, f.admission.HasDeposited("alice"))
		assert.Equal(t, 0, f.pub.count("vault.deposit.processed"))
	})
}

func TestWeekendDeposits(t *testing.T) {
	ctx := context.Background()

	t.Run("single-deposit cap checks gross", func(t *testing.T) {
		f := newFixture(t)

		// Build a TVL of ~999500 on a workday.
		_, err := f.vault.Deposit(ctx, "whale", decimal.NewFromInt(1000000), "whale")
		require.NoError(t, err)
		tvl := f.vault.TotalAssets()

		require.NoError(t, f.admission.SetWeekendFlag("op", true))

		// 5% of TVL
		cap := tvl.Mul(dec("0.05"))
		over := cap.Add(decimal.NewFromInt(1))
		_, err = f.vault.Deposit(ctx, "whale", over.Truncate(0), "whale")
		assert.ErrorIs(t, err, admission.ErrDepositTooLarge)
	})

	t.Run("aggregate accumulates net amounts", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.vault.Deposit(ctx, "whale", decimal.NewFromInt(1000000), "whale")
		require.NoError(t, err)

		require.NoError(t, f.admission.SetWeekendFlag("op", true))

		_, err = f.vault.Deposit(ctx, "whale", decimal.NewFromInt(10000), "whale")
		require.NoError(t, err)

		// Holiday 10 bps on 10000 is 10, floored to the 25 minimum.
		assert.True(t, f.admission.WeekendAggregate().Equal(dec("9975")),
			f.admission.WeekendAggregate().String())
	})
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, f *fixture) decimal.Decimal {
		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		return shares
	}

	t.Run("settles immediately when liquidity covers", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		queued, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)

		assert.False(t, queued)
		assert.Equal(t, 0, f.vault.WithdrawalQueueLength())
		assert.Equal(t, 1, f.pub.count("vault.redeem.settled"))
	})

	t.Run("burns shares and reduces assets on settlement", func(t *testing.T) {
		f := newFixture(t)
		shares := seed(t, f)

		before := f.vault.TotalAssets()
		queued, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)
		require.False(t, queued)

		assert.True(t, f.vault.BalanceOf("alice").Equal(shares.Sub(decimal.NewFromInt(10000))))
		assert.True(t, f.vault.TotalAssets().Equal(before.Sub(decimal.NewFromInt(10000))))
	})

	t.Run("queues when liquidity is short", func(t *testing.T) {
		f := newFixture(t)
		shares := seed(t, f)

		// Drain liquidity to custody.
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))

		queued, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)

		assert.True(t, queued)
		assert.Equal(t, 1, f.vault.WithdrawalQueueLength())
		assert.True(t, f.vault.LockedShares().Equal(decimal.NewFromInt(10000)))
		assert.True(t, f.vault.BalanceOf("alice").Equal(shares.Sub(decimal.NewFromInt(10000))))
		assert.True(t, f.vault.PendingShares("alice").Equal(decimal.NewFromInt(10000)))
		assert.Equal(t, 1, f.pub.count("vault.queue.added"))
	})

	t.Run("total supply includes locked shares", func(t *testing.T) {
		f := newFixture(t)
		shares := seed(t, f)
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))

		_, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)

		assert.True(t, f.vault.TotalSupply().Equal(shares))
	})

	t.Run("rejects more shares than held", func(t *testing.T) {
		f := newFixture(t)
		shares := seed(t, f)

		_, err := f.vault.Redeem(ctx, "alice", shares.Add(decimal.NewFromInt(1000)), "alice")
		assert.ErrorIs(t, err, ErrInsufficientShares)
	})

	t.Run("rejects below the withdrawal minimum", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		_, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(100), "alice")
		assert.ErrorIs(t, err, admission.ErrBelowMinimum)
	})

	t.Run("rejects while withdrawals are paused", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)
		require.NoError(t, f.ctrl.PauseWithdraw("op"))

		_, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		assert.ErrorIs(t, err, control.ErrWithdrawalsPaused)
	})

	t.Run("rejects banned senders", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)
		require.NoError(t, f.kyc.BanBulk([]string{"alice"}))

		_, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		assert.ErrorIs(t, err, ErrKycRequired)
	})
}

func TestRedeemInstant(t *testing.T) {
	ctx := context.Background()

	t.Run("pays out net immediately", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		// assets 10000, fee 5bps = 5 < floor 25, net 9975
		net, err := f.vault.RedeemInstant(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)
		assert.True(t, net.Equal(dec("9975")), net.String())
	})

	t.Run("fails instead of queueing on a liquidity shortfall", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))

		_, err = f.vault.RedeemInstant(ctx, "alice", decimal.NewFromInt(10000), "alice")
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
		assert.Equal(t, 0, f.vault.WithdrawalQueueLength())
	})
}

func TestDepositRedeemRoundTrip(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip never profits the account", func(t *testing.T) {
		f := newFixture(t)

		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		net, err := f.vault.RedeemInstant(ctx, "alice", shares, "alice")
		require.NoError(t, err)

		assert.True(t, net.LessThan(decimal.NewFromInt(1000000)), net.String())
	})

	t.Run("round trip at a moved price still rounds against the account", func(t *testing.T) {
		f := newFixture(t)

		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		require.NoError(t, f.oracle.UpdatePrice("op", dec("1.01")))
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(100000)))

		net, err := f.vault.RedeemInstant(ctx, "alice", shares, "alice")
		require.NoError(t, err)

		gross := shares.Mul(dec("1.01")).Truncate(6)
		assert.True(t, net.LessThan(gross))
	})
}

func TestProcessWithdrawalQueue(t *testing.T) {
	ctx := context.Background()

	// seedQueue deposits for three accounts and queues a redemption for
	// each by draining liquidity first.
	seedQueue := func(t *testing.T, f *fixture) {
		for _, a := range []string{"alice", "bob", "carol"} {
			_, err := f.vault.Deposit(ctx, a, decimal.NewFromInt(1000000), a)
			require.NoError(t, err)
		}
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))

		for _, a := range []string{"alice", "bob", "carol"} {
			queued, err := f.vault.Redeem(ctx, a, decimal.NewFromInt(10000), a)
			require.NoError(t, err)
			require.True(t, queued)
		}
	}

	t.Run("settles in fifo order", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(1000000)))

		settled, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, settled)

		// carol's request remains
		req, err := f.vault.WithdrawalQueueInfo(0)
		require.NoError(t, err)
		assert.Equal(t, "carol", req.Account)
	})

	t.Run("zero count settles everything", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(1000000)))

		settled, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 0)
		require.NoError(t, err)
		assert.Equal(t, 3, settled)
		assert.Equal(t, 0, f.vault.WithdrawalQueueLength())
		assert.True(t, f.vault.LockedShares().IsZero())
	})

	t.Run("stops at the first unpayable request without skipping", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)

		// Enough for one 10000-share payout only.
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(15000)))

		settled, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, settled)

		// bob is still at the front; carol was not skipped past him.
		req, err := f.vault.WithdrawalQueueInfo(0)
		require.NoError(t, err)
		assert.Equal(t, "bob", req.Account)
		assert.Equal(t, 2, f.vault.WithdrawalQueueLength())
	})

	t.Run("settles at the processing-time price", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)
		require.NoError(t, f.oracle.UpdatePrice("op", dec("1.01")))
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(1000000)))

		before := f.vault.OnchainAssets()
		settled, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 1)
		require.NoError(t, err)
		require.Equal(t, 1, settled)

		paid := before.Sub(f.vault.OnchainAssets())
		assert.True(t, paid.Equal(dec("10100")), paid.String())
	})

	t.Run("empty queue fails", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 0)
		assert.ErrorIs(t, err, ErrEmptyQueue)
	})

	t.Run("count beyond the queue length fails", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)

		_, err := f.vault.ProcessWithdrawalQueue(ctx, "op", 4)
		assert.ErrorIs(t, err, ErrInvalidLength)

		_, err = f.vault.ProcessWithdrawalQueue(ctx, "op", -1)
		assert.ErrorIs(t, err, ErrInvalidLength)
	})

	t.Run("operator only", func(t *testing.T) {
		f := newFixture(t)
		seedQueue(t, f)
		_, err := f.vault.ProcessWithdrawalQueue(ctx, "alice", 0)
		assert.ErrorIs(t, err, control.ErrNoPermission)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	seedQueued := func(t *testing.T, f *fixture) {
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))
		queued, err := f.vault.Redeem(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)
		require.True(t, queued)
	}

	t.Run("refunds a banned account's queued shares", func(t *testing.T) {
		f := newFixture(t)
		seedQueued(t, f)
		before := f.vault.BalanceOf("alice")

		require.NoError(t, f.kyc.BanBulk([]string{"alice"}))
		require.NoError(t, f.vault.Cancel(ctx, "maint", 0))

		assert.Equal(t, 0, f.vault.WithdrawalQueueLength())
		assert.True(t, f.vault.LockedShares().IsZero())
		assert.True(t, f.vault.BalanceOf("alice").Equal(before.Add(decimal.NewFromInt(10000))))
		assert.True(t, f.vault.PendingShares("alice").IsZero())
		assert.Equal(t, 1, f.pub.count("vault.queue.cancelled"))
	})

	t.Run("refuses for accounts that are not banned", func(t *testing.T) {
		f := newFixture(t)
		seedQueued(t, f)

		err := f.vault.Cancel(ctx, "maint", 0)
		assert.ErrorIs(t, err, ErrNotEligibleForCancellation)
		assert.Equal(t, 1, f.vault.WithdrawalQueueLength())
	})

	t.Run("maintainer only", func(t *testing.T) {
		f := newFixture(t)
		seedQueued(t, f)
		require.NoError(t, f.kyc.BanBulk([]string{"alice"}))

		assert.ErrorIs(t, f.vault.Cancel(ctx, "op", 0), control.ErrNoPermission)
	})

	t.Run("out of range index", func(t *testing.T) {
		f := newFixture(t)
		seedQueued(t, f)
		assert.ErrorIs(t, f.vault.Cancel(ctx, "maint", 5), ErrInvalidIndex)
	})

	t.Run("preserves order of remaining requests", func(t *testing.T) {
		f := newFixture(t)
		for _, a := range []string{"alice", "bob", "carol"} {
			_, err := f.vault.Deposit(ctx, a, decimal.NewFromInt(1000000), a)
			require.NoError(t, err)
		}
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))
		for _, a := range []string{"alice", "bob", "carol"} {
			_, err := f.vault.Redeem(ctx, a, decimal.NewFromInt(10000), a)
			require.NoError(t, err)
		}

		require.NoError(t, f.kyc.BanBulk([]string{"bob"}))
		require.NoError(t, f.vault.Cancel(ctx, "maint", 1))

		first, err := f.vault.WithdrawalQueueInfo(0)
		require.NoError(t, err)
		second, err := f.vault.WithdrawalQueueInfo(1)
		require.NoError(t, err)
		assert.Equal(t, "alice", first.Account)
		assert.Equal(t, "carol", second.Account)
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves shares between eligible accounts", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		supply := f.vault.TotalSupply()

		require.NoError(t, f.vault.Transfer(ctx, "alice", "bob", decimal.NewFromInt(1000)))

		assert.True(t, f.vault.BalanceOf("bob").Equal(decimal.NewFromInt(1000)))
		assert.True(t, f.vault.TotalSupply().Equal(supply))
	})

	t.Run("rejects banned counterparties", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		require.NoError(t, f.kyc.BanBulk([]string{"bob"}))

		err = f.vault.Transfer(ctx, "alice", "bob", decimal.NewFromInt(1000))
		assert.ErrorIs(t, err, ErrKycRequired)
	})

	t.Run("rejects overdrafts", func(t *testing.T) {
		f := newFixture(t)
		err := f.vault.Transfer(ctx, "alice", "bob", decimal.NewFromInt(1000))
		assert.ErrorIs(t, err, ErrInsufficientShares)
	})
}

func TestTreasury(t *testing.T) {
	ctx := context.Background()

	t.Run("on-ramp adds liquidity without minting", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(50000)))
		assert.True(t, f.vault.OnchainAssets().Equal(decimal.NewFromInt(50000)))
		assert.True(t, f.vault.TotalSupply().IsZero())
	})

	t.Run("off-ramp is bounded by liquidity", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(50000)))

		err := f.vault.OffRamp(ctx, "op", decimal.NewFromInt(60000))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)

		require.NoError(t, f.vault.OffRamp(ctx, "op", decimal.NewFromInt(50000)))
		assert.True(t, f.vault.OnchainAssets().IsZero())
	})

	t.Run("the share token can never be off-ramped", func(t *testing.T) {
		f := newFixture(t)
		err := f.vault.OffRampQ(ctx, "op", ShareAsset, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrInvalidAsset)
	})

	t.Run("foreign assets pass through without touching cash", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.vault.OnRamp(ctx, "op", decimal.NewFromInt(50000)))

		require.NoError(t, f.vault.OffRampQ(ctx, "op", "WETH", decimal.NewFromInt(3)))
		assert.True(t, f.vault.OnchainAssets().Equal(decimal.NewFromInt(50000)))
	})

	t.Run("operator only", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.vault.OnRamp(ctx, "alice", decimal.NewFromInt(1)), control.ErrNoPermission)
		assert.ErrorIs(t, f.vault.OffRamp(ctx, "alice", decimal.NewFromInt(1)), control.ErrNoPermission)
	})
}

func TestManagementFee(t *testing.T) {
	ctx := context.Background()

	withRate := func(t *testing.T) *fixture {
		f := newFixture(t)
		require.NoError(t, f.schedule.SetManagementFeeRate("admin", 40))
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		return f
	}

	t.Run("accrues continuously against tvl", func(t *testing.T) {
		f := withRate(t)

		*f.clock = f.clock.Add(365 * 24 * time.Hour)

		// 999500 * 40/10000 over a full year = 3998
		fee := f.vault.AccruedManagementFee()
		assert.True(t, fee.Equal(dec("3998")), fee.String())
	})

	t.Run("half a year accrues half", func(t *testing.T) {
		f := withRate(t)

		*f.clock = f.clock.Add(365 * 12 * time.Hour)
		fee := f.vault.AccruedManagementFee()
		assert.True(t, fee.Equal(dec("1999")), fee.String())
	})

	t.Run("claim reduces liability, cash, and tvl", func(t *testing.T) {
		f := withRate(t)
		*f.clock = f.clock.Add(365 * 24 * time.Hour)

		cash := f.vault.OnchainAssets()
		tvl := f.vault.TotalAssets()
		require.NoError(t, f.vault.ClaimServiceFee(ctx, "op", decimal.NewFromInt(1000)))

		assert.True(t, f.vault.AccruedManagementFee().Equal(dec("2998")))
		assert.True(t, f.vault.OnchainAssets().Equal(cash.Sub(decimal.NewFromInt(1000))))
		assert.True(t, f.vault.TotalAssets().Equal(tvl.Sub(decimal.NewFromInt(1000))))
	})

	t.Run("claimed fees do not accrue further fees", func(t *testing.T) {
		f := withRate(t)
		*f.clock = f.clock.Add(365 * 24 * time.Hour)

		require.NoError(t, f.vault.ClaimServiceFee(ctx, "op", dec("3998")))
		assert.True(t, f.vault.AccruedManagementFee().IsZero())
		assert.True(t, f.vault.TotalAssets().Equal(dec("995502")))

		// The next year accrues against the reduced tvl:
		// 995502 * 40 / 10000 = 3982.008
		*f.clock = f.clock.Add(365 * 24 * time.Hour)
		assert.True(t, f.vault.AccruedManagementFee().Equal(dec("3982.008")),
			f.vault.AccruedManagementFee().String())
	})

	t.Run("claim may not exceed the accrual", func(t *testing.T) {
		f := withRate(t)
		*f.clock = f.clock.Add(365 * 24 * time.Hour)

		err := f.vault.ClaimServiceFee(ctx, "op", decimal.NewFromInt(5000))
		assert.ErrorIs(t, err, ErrExceedsAccruedFee)
	})

	t.Run("claim is bounded by liquidity", func(t *testing.T) {
		f := withRate(t)
		*f.clock = f.clock.Add(365 * 24 * time.Hour)
		require.NoError(t, f.vault.OffRamp(ctx, "op", f.vault.OnchainAssets()))

		err := f.vault.ClaimServiceFee(ctx, "op", decimal.NewFromInt(1000))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("zero rate accrues nothing", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		*f.clock = f.clock.Add(365 * 24 * time.Hour)
		assert.True(t, f.vault.AccruedManagementFee().IsZero())
	})
}

func TestPreviews(t *testing.T) {
	ctx := context.Background()

	t.Run("preview deposit matches the real deposit", func(t *testing.T) {
		f := newFixture(t)

		previewed, err := f.vault.PreviewDeposit("alice", decimal.NewFromInt(1000000))
		require.NoError(t, err)

		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		assert.True(t, previewed.Equal(shares))
	})

	t.Run("preview redeem matches the instant payout", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)

		previewed, err := f.vault.PreviewRedeem("alice", decimal.NewFromInt(10000))
		require.NoError(t, err)

		net, err := f.vault.RedeemInstant(ctx, "alice", decimal.NewFromInt(10000), "alice")
		require.NoError(t, err)
		assert.True(t, previewed.Equal(net))
	})

	t.Run("previews do not mutate", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.vault.PreviewDeposit("alice", decimal.NewFromInt(1000000))
		require.NoError(t, err)
		assert.True(t, f.vault.TotalSupply().IsZero())
		assert.False(t, f.admission.HasDeposited("alice"))
	})
}

func TestPartnerFeesInVault(t *testing.T) {
	ctx := context.Background()

	t.Run("partner adjustment raises the deposit fee", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.partners.Create("admin", []string{"alice"}, "broker"))
		require.NoError(t, f.partners.SetFees("admin", "broker", 5, 0))

		// base 500 + partner 500 = 1000 fee on 1M
		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(1000000), "alice")
		require.NoError(t, err)
		assert.True(t, shares.Equal(dec("999000")), shares.String())
	})

	t.Run("rebate lowers the fee but keeps the floor", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.partners.Create("admin", []string{"alice"}, "broker"))
		require.NoError(t, f.partners.SetFees("admin", "broker", -4, 0))

		// base 50 - rebate 40 = 10, floored to 25
		shares, err := f.vault.Deposit(ctx, "alice", decimal.NewFromInt(100000), "alice")
		require.NoError(t, err)
		assert.True(t, shares.Equal(dec("99975")), shares.String())
	})
}
