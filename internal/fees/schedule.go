package fees

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/fundvault/internal/control"
)

// BpsUnit is the basis-point denominator shared by every rate in the
// schedule.
const BpsUnit = 10000

// Action distinguishes the fee legs of the schedule.
type Action int

const (
	ActionDeposit Action = iota
	ActionRedeem
)

var ErrInvalidParameter = errors.New("invalid fee parameter")

// Params is the full fee and limit configuration. All percentage fields
// are basis points.
type Params struct {
	WorkdayDepositBps  int64
	WorkdayWithdrawBps int64
	HolidayDepositBps  int64
	HolidayWithdrawBps int64

	MaxHolidayDepositPctBps    int64 // single-deposit cap, pct of TVL
	MaxHolidayAggDepositPctBps int64 // weekend aggregate cap, pct of TVL

	FirstDepositMin decimal.Decimal
	MinDeposit      decimal.Decimal
	MaxDeposit      decimal.Decimal
	MinWithdraw     decimal.Decimal
	MaxWithdraw     decimal.Decimal

	MinTxFee             decimal.Decimal
	ManagementFeeRateBps int64
}

func (p Params) validate() error {
	for _, bps := range []int64{
		p.WorkdayDepositBps, p.WorkdayWithdrawBps,
		p.HolidayDepositBps, p.HolidayWithdrawBps,
		p.MaxHolidayDepositPctBps, p.MaxHolidayAggDepositPctBps,
		p.ManagementFeeRateBps,
	} {
		if bps < 0 || bps > BpsUnit {
			return ErrInvalidParameter
		}
	}
	if p.MinDeposit.GreaterThan(p.MaxDeposit) {
		return ErrInvalidParameter
	}
	if p.MinWithdraw.GreaterThan(p.MaxWithdraw) {
		return ErrInvalidParameter
	}
	if p.MinTxFee.IsNegative() || p.FirstDepositMin.IsNegative() {
		return ErrInvalidParameter
	}
	return nil
}

// Schedule computes transaction fees split by workday/holiday regime
// and holds the vault's admission limits. Setters are admin-gated.
type Schedule struct {
	mu   sync.RWMutex
	p    Params
	ctrl *control.Controller
}

// NewSchedule validates and stores the initial parameters.
func NewSchedule(p Params, ctrl *control.Controller) (*Schedule, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Schedule{p: p, ctrl: ctrl}, nil
}

// TxFeeBps returns the basis-point rate for an action under the given
// calendar regime.
func (s *Schedule) TxFeeBps(action Action, holiday bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case action == ActionDeposit && holiday:
		return s.p.HolidayDepositBps
	case action == ActionDeposit:
		return s.p.WorkdayDepositBps
	case holiday:
		return s.p.HolidayWithdrawBps
	default:
		return s.p.WorkdayWithdrawBps
	}
}

// ComputeFee returns max(gross * bps / 10000, minTxFee). The floor is
// applied here only for standalone use; the vault applies it to the
// combined base+partner total instead.
func (s *Schedule) ComputeFee(action Action, gross decimal.Decimal, holiday bool) decimal.Decimal {
	fee := s.BaseFee(action, gross, holiday)
	min := s.MinTxFee()
	if fee.LessThan(min) {
		return min
	}
	return fee
}

// BaseFee returns gross * bps / 10000 without the minimum-fee floor.
func (s *Schedule) BaseFee(action Action, gross decimal.Decimal, holiday bool) decimal.Decimal {
	bps := s.TxFeeBps(action, holiday)
	return gross.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(BpsUnit))
}

// Getters.

func (s *Schedule) MinMaxDeposit() (decimal.Decimal, decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.MinDeposit, s.p.MaxDeposit
}

func (s *Schedule) MinMaxWithdraw() (decimal.Decimal, decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.MinWithdraw, s.p.MaxWithdraw
}

func (s *Schedule) FirstDepositMin() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.FirstDepositMin
}

func (s *Schedule) MaxHolidayDepositPct() (int64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.MaxHolidayDepositPctBps, s.p.MaxHolidayAggDepositPctBps
}

func (s *Schedule) MinTxFee() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.MinTxFee
}

func (s *Schedule) ManagementFeeRateBps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.ManagementFeeRateBps
}

// Setters. Each is admin-gated and re-validates the modified parameter
// set before applying it.

func (s *Schedule) SetWorkdayDepositBps(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.WorkdayDepositBps = bps })
}

func (s *Schedule) SetWorkdayWithdrawBps(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.WorkdayWithdrawBps = bps })
}

func (s *Schedule) SetHolidayDepositBps(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.HolidayDepositBps = bps })
}

func (s *Schedule) SetHolidayWithdrawBps(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.HolidayWithdrawBps = bps })
}

func (s *Schedule) SetMaxHolidayDepositPct(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.MaxHolidayDepositPctBps = bps })
}

func (s *Schedule) SetMaxHolidayAggDepositPct(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.MaxHolidayAggDepositPctBps = bps })
}

func (s *Schedule) SetFirstDepositMin(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.FirstDepositMin = v })
}

func (s *Schedule) SetMinDeposit(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.MinDeposit = v })
}

func (s *Schedule) SetMaxDeposit(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.MaxDeposit = v })
}

func (s *Schedule) SetMinWithdraw(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.MinWithdraw = v })
}

func (s *Schedule) SetMaxWithdraw(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.MaxWithdraw = v })
}

func (s *Schedule) SetMinTxFee(caller string, v decimal.Decimal) error {
	return s.update(caller, func(p *Params) { p.MinTxFee = v })
}

func (s *Schedule) SetManagementFeeRate(caller string, bps int64) error {
	return s.update(caller, func(p *Params) { p.ManagementFeeRateBps = bps })
}

func (s *Schedule) update(caller string, apply func(*Params)) error {
	if err := s.ctrl.Require(caller, control.RoleAdmin); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.p
	apply(&next)
	if err := next.validate(); err != nil {
		return err
	}
	s.p = next
	return nil
}
