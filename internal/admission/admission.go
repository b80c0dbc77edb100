package admission

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/fundvault/internal/control"
	"github.com/terminal-bench/fundvault/internal/fees"
)

var (
	ErrBelowMinimum       = errors.New("amount below minimum")
	ErrAboveMaximum       = errors.New("amount above maximum")
	ErrDepositTooLarge    = errors.New("deposit exceeds holiday cap")
	ErrWeekendLimitHit    = errors.New("weekend aggregate limit reached")
	ErrUpdateTooEarly     = errors.New("epoch update too early")
	ErrNegativeTimeBuffer = errors.New("negative time buffer")
)

// Controller enforces per-transaction and weekend-aggregate admission
// limits. The calendar regime is an explicit operator-supplied flag,
// never derived from the wall clock, so testers can set it freely.
type Controller struct {
	mu sync.Mutex

	epoch            uint64
	weekend          bool
	weekendAggregate decimal.Decimal // net deposits while the flag is set
	lastUpdate       time.Time
	timeBuffer       time.Duration

	firstDepositDone map[string]bool

	schedule *fees.Schedule
	ctrl     *control.Controller
	now      func() time.Time
}

// New creates a controller driven by the given schedule's limits.
func New(schedule *fees.Schedule, ctrl *control.Controller, timeBuffer time.Duration, now func() time.Time) (*Controller, error) {
	if timeBuffer < 0 {
		return nil, ErrNegativeTimeBuffer
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{
		weekendAggregate: decimal.Zero,
		timeBuffer:       timeBuffer,
		firstDepositDone: make(map[string]bool),
		schedule:         schedule,
		ctrl:             ctrl,
		now:              now,
	}, nil
}

// SetTimeBuffer updates the minimum gap between epoch advances.
// Maintainer only.
func (c *Controller) SetTimeBuffer(caller string, d time.Duration) error {
	if err := c.ctrl.Require(caller, control.RoleMaintainer); err != nil {
		return err
	}
	if d < 0 {
		return ErrNegativeTimeBuffer
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeBuffer = d
	return nil
}

// UpdateEpoch advances the trading-day counter and applies the weekend
// flag. Operator only; gated by the configured time buffer. Advancing
// resets the weekend deposit aggregate.
func (c *Controller) UpdateEpoch(caller string, weekend bool) error {
	if err := c.ctrl.Require(caller, control.RoleOperator); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if !c.lastUpdate.IsZero() && ts.Sub(c.lastUpdate) < c.timeBuffer {
		return ErrUpdateTooEarly
	}

	c.epoch++
	c.weekend = weekend
	c.weekendAggregate = decimal.Zero
	c.lastUpdate = ts
	return nil
}

// SetWeekendFlag toggles the regime directly without advancing the
// epoch or resetting the aggregate. Operator only.
func (c *Controller) SetWeekendFlag(caller string, weekend bool) error {
	if err := c.ctrl.Require(caller, control.RoleOperator); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.weekend = weekend
	return nil
}

// Epoch returns the current epoch number.
func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// IsWeekend reports the current calendar regime.
func (c *Controller) IsWeekend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weekend
}

// WeekendAggregate returns the net deposits accumulated during the
// current weekend regime.
func (c *Controller) WeekendAggregate() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weekendAggregate
}

// LastUpdate returns when the epoch last advanced.
func (c *Controller) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// HasDeposited reports whether account has completed a first deposit.
func (c *Controller) HasDeposited(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstDepositDone[account]
}

// ValidateDeposit checks the gross amount against the minimum (the
// first-deposit minimum for fresh accounts), the per-transaction
// maximum, and during weekends the single and aggregate pct-of-TVL
// caps.
func (c *Controller) ValidateDeposit(account string, gross, tvl decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	min, max := c.schedule.MinMaxDeposit()
	if !c.firstDepositDone[account] {
		min = c.schedule.FirstDepositMin()
	}
	if gross.LessThan(min) {
		return ErrBelowMinimum
	}
	if gross.GreaterThan(max) {
		return ErrAboveMaximum
	}

	if !c.weekend {
		return nil
	}

	singleBps, aggBps := c.schedule.MaxHolidayDepositPct()
	bpsUnit := decimal.NewFromInt(fees.BpsUnit)
	singleCap := tvl.Mul(decimal.NewFromInt(singleBps)).Div(bpsUnit)
	aggCap := tvl.Mul(decimal.NewFromInt(aggBps)).Div(bpsUnit)

	if gross.GreaterThan(singleCap) {
		return ErrDepositTooLarge
	}
	if c.weekendAggregate.Add(gross).GreaterThan(aggCap) {
		return ErrWeekendLimitHit
	}
	return nil
}

// ValidateWithdrawal checks the underlying amount against the
// withdrawal bounds.
func (c *Controller) ValidateWithdrawal(amount decimal.Decimal) error {
	min, max := c.schedule.MinMaxWithdraw()
	if amount.LessThan(min) {
		return ErrBelowMinimum
	}
	if amount.GreaterThan(max) {
		return ErrAboveMaximum
	}
	return nil
}

// RecordDeposit marks the account's first deposit done and, while the
// weekend flag is set, accumulates the net amount into the aggregate.
func (c *Controller) RecordDeposit(account string, net decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.firstDepositDone[account] = true
	if c.weekend {
		c.weekendAggregate = c.weekendAggregate.Add(net)
	}
}

// RecordWithdrawal offsets the weekend aggregate by a redemption's net
// amount, floored at zero.
func (c *Controller) RecordWithdrawal(net decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.weekend {
		return
	}
	c.weekendAggregate = c.weekendAggregate.Sub(net)
	if c.weekendAggregate.IsNegative() {
		c.weekendAggregate = decimal.Zero
	}
}
