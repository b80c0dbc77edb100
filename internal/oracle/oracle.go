package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/fundvault/internal/control"
)

const bpsUnit = 10000

var (
	ErrDeviationExceeded    = errors.New("price update deviates too much")
	ErrNavDeviationExceeded = errors.New("closing nav update deviates too much")
	ErrInvalidDeviation     = errors.New("invalid max price deviation")
	ErrNegativePrice        = errors.New("price must not be negative")
)

// RoundData mirrors a feed round: id, answer and its timestamps.
type RoundData struct {
	RoundID   uint64
	Answer    decimal.Decimal
	StartedAt time.Time
	UpdatedAt time.Time
}

// Oracle tracks the live share-asset price and an independent closing
// NAV series. Both series only accept updates within maxDeviationBps of
// their previous value. Staleness is enforced by consumers against
// UpdatedAt; the oracle itself just records timestamps.
type Oracle struct {
	mu sync.RWMutex

	decimals        int32
	maxDeviationBps int64

	price          decimal.Decimal
	round          uint64
	priceStartedAt time.Time
	priceUpdatedAt time.Time

	closingNav          decimal.Decimal
	closingNavUpdatedAt time.Time

	ctrl *control.Controller
	now  func() time.Time
}

// Config seeds the oracle.
type Config struct {
	Decimals        int32
	MaxDeviationBps int64
	InitialPrice    decimal.Decimal
	InitialNav      decimal.Decimal
}

// New creates an oracle with an initial price round.
func New(cfg Config, ctrl *control.Controller, now func() time.Time) (*Oracle, error) {
	if ctrl == nil {
		return nil, control.ErrZeroAddress
	}
	if cfg.MaxDeviationBps < 0 || cfg.MaxDeviationBps > bpsUnit {
		return nil, ErrInvalidDeviation
	}
	if cfg.InitialPrice.IsNegative() || cfg.InitialNav.IsNegative() {
		return nil, ErrNegativePrice
	}
	if now == nil {
		now = time.Now
	}

	ts := now()
	return &Oracle{
		decimals:            cfg.Decimals,
		maxDeviationBps:     cfg.MaxDeviationBps,
		price:               cfg.InitialPrice,
		round:               1,
		priceStartedAt:      ts,
		priceUpdatedAt:      ts,
		closingNav:          cfg.InitialNav,
		closingNavUpdatedAt: ts,
		ctrl:                ctrl,
		now:                 now,
	}, nil
}

// Decimals returns the price precision.
func (o *Oracle) Decimals() int32 { return o.decimals }

// MaxDeviationBps returns the allowed update deviation.
func (o *Oracle) MaxDeviationBps() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.maxDeviationBps
}

// SetMaxDeviation updates the deviation bound. Admin only. The bound is
// capped at 10000 bps so the check can never be disabled outright.
func (o *Oracle) SetMaxDeviation(caller string, bps int64) error {
	if err := o.ctrl.Require(caller, control.RoleAdmin); err != nil {
		return err
	}
	if bps < 0 || bps > bpsUnit {
		return ErrInvalidDeviation
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxDeviationBps = bps
	return nil
}

// UpdatePrice records a new live price round. Operator or admin.
func (o *Oracle) UpdatePrice(caller string, newPrice decimal.Decimal) error {
	if err := o.ctrl.Require(caller, control.RoleOperator); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !withinDeviation(o.price, newPrice, o.maxDeviationBps) {
		return ErrDeviationExceeded
	}

	ts := o.now()
	o.price = newPrice
	o.round++
	o.priceStartedAt = ts
	o.priceUpdatedAt = ts
	return nil
}

// UpdateClosingNav records a new closing NAV, deviation-bounded against
// the previous NAV. Operator or admin.
func (o *Oracle) UpdateClosingNav(caller string, nav decimal.Decimal) error {
	if err := o.ctrl.Require(caller, control.RoleOperator); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !withinDeviation(o.closingNav, nav, o.maxDeviationBps) {
		return ErrNavDeviationExceeded
	}
	o.closingNav = nav
	o.closingNavUpdatedAt = o.now()
	return nil
}

// UpdateClosingNavManually overrides the closing NAV without the
// deviation check, for correcting a bad settlement print. Admin only.
func (o *Oracle) UpdateClosingNavManually(caller string, nav decimal.Decimal) error {
	if err := o.ctrl.Require(caller, control.RoleAdmin); err != nil {
		return err
	}
	if nav.IsNegative() {
		return ErrNegativePrice
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.closingNav = nav
	o.closingNavUpdatedAt = o.now()
	return nil
}

// IsValidPriceUpdate reports whether newPrice would pass the deviation
// check without applying it.
func (o *Oracle) IsValidPriceUpdate(newPrice decimal.Decimal) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return withinDeviation(o.price, newPrice, o.maxDeviationBps)
}

// LatestAnswer returns the current live price.
func (o *Oracle) LatestAnswer() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price
}

// LatestRound returns the current round counter.
func (o *Oracle) LatestRound() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.round
}

// LatestRoundData returns the full current round.
func (o *Oracle) LatestRoundData() RoundData {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return RoundData{
		RoundID:   o.round,
		Answer:    o.price,
		StartedAt: o.priceStartedAt,
		UpdatedAt: o.priceUpdatedAt,
	}
}

// ClosingNav returns the current closing NAV and its update time.
func (o *Oracle) ClosingNav() (decimal.Decimal, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closingNav, o.closingNavUpdatedAt
}

// UpdatedAt returns when the live price was last set.
func (o *Oracle) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.priceUpdatedAt
}

// withinDeviation checks |new-old|/old <= bps/10000. A zero previous
// value accepts any non-negative update so a fresh series can bootstrap.
func withinDeviation(old, new decimal.Decimal, bps int64) bool {
	if new.IsNegative() {
		return false
	}
	if old.IsZero() {
		return true
	}
	diff := new.Sub(old).Abs()
	// diff * 10000 <= old * bps
	return diff.Mul(decimal.NewFromInt(bpsUnit)).
		Cmp(old.Mul(decimal.NewFromInt(bps))) <= 0
}
