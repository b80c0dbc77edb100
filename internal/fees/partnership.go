package fees

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/fundvault/internal/control"
)

var (
	ErrChildZeroAddress  = errors.New("partnership: child is zero address")
	ErrParentZeroAddress = errors.New("partnership: parent is zero address")
)

type parentFees struct {
	depositBps int64 // signed, may be a rebate
	redeemBps  int64
}

// Partnership maps child accounts to a referring parent whose signed
// fee adjustment is added on top of the schedule's base fee.
type Partnership struct {
	mu      sync.RWMutex
	parents map[string]string // child -> parent
	fees    map[string]parentFees
	ctrl    *control.Controller
}

func NewPartnership(ctrl *control.Controller) *Partnership {
	return &Partnership{
		parents: make(map[string]string),
		fees:    make(map[string]parentFees),
		ctrl:    ctrl,
	}
}

// Create links children to parent. Admin only. A child has exactly one
// parent; re-linking overwrites.
func (p *Partnership) Create(caller string, children []string, parent string) error {
	if err := p.ctrl.Require(caller, control.RoleAdmin); err != nil {
		return err
	}
	if parent == "" {
		return ErrParentZeroAddress
	}
	for _, c := range children {
		if c == "" {
			return ErrChildZeroAddress
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range children {
		p.parents[c] = parent
	}
	return nil
}

// SetFees records the signed per-action adjustments for parent. Admin
// only.
func (p *Partnership) SetFees(caller, parent string, depositBps, redeemBps int64) error {
	if err := p.ctrl.Require(caller, control.RoleAdmin); err != nil {
		return err
	}
	if parent == "" {
		return ErrParentZeroAddress
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees[parent] = parentFees{depositBps: depositBps, redeemBps: redeemBps}
	return nil
}

// Parent returns the parent of child, empty when unlinked.
func (p *Partnership) Parent(child string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.parents[child]
}

// HasParent reports whether child is linked.
func (p *Partnership) HasParent(child string) bool {
	return p.Parent(child) != ""
}

// ParentFees returns the signed adjustments configured for parent.
func (p *Partnership) ParentFees(parent string) (int64, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f := p.fees[parent]
	return f.depositBps, f.redeemBps
}

// FeeBpsForChild resolves the signed adjustment applying to child for
// the given action; zero for unlinked children.
func (p *Partnership) FeeBpsForChild(child string, action Action) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	parent, ok := p.parents[child]
	if !ok {
		return 0
	}
	f := p.fees[parent]
	if action == ActionDeposit {
		return f.depositBps
	}
	return f.redeemBps
}

// AdjustedFee combines the schedule base fee with the partner leg.
// partnerFee = gross * adjBps / 10000 (signed). The total is clamped to
// the schedule's minimum absolute fee and never goes negative. The
// floor applies only to the sum, not per leg.
func AdjustedFee(s *Schedule, p *Partnership, child string, action Action, gross decimal.Decimal, holiday bool) (base, partner, total decimal.Decimal) {
	base = s.BaseFee(action, gross, holiday)

	if p != nil && p.HasParent(child) {
		adj := p.FeeBpsForChild(child, action)
		partner = gross.Mul(decimal.NewFromInt(adj)).Div(decimal.NewFromInt(BpsUnit))
	} else {
		partner = decimal.Zero
	}

	total = base.Add(partner)
	if min := s.MinTxFee(); total.LessThan(min) {
		total = min
	}
	return base, partner, total
}
