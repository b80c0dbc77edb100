package control

import (
	"errors"
	"sync"
)

// Role names a capability checked at vault entry points.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleMaintainer Role = "maintainer"
)

var (
	ErrNoPermission      = errors.New("permission denied")
	ErrDepositsPaused    = errors.New("deposits are paused")
	ErrWithdrawalsPaused = errors.New("withdrawals are paused")
	ErrZeroAddress       = errors.New("zero address")
)

// Controller holds the role table and the deposit/withdraw pause flags.
// All vault mutation paths check it before touching economic state.
type Controller struct {
	mu sync.RWMutex

	roles map[Role]map[string]bool

	depositPaused  bool
	withdrawPaused bool
}

// NewController creates a controller with the given admin and operator
// accounts already granted.
func NewController(admin, operator string) (*Controller, error) {
	if admin == "" {
		return nil, ErrZeroAddress
	}

	c := &Controller{
		roles: map[Role]map[string]bool{
			RoleAdmin:      {admin: true},
			RoleOperator:   {},
			RoleMaintainer: {},
		},
	}
	if operator != "" {
		c.roles[RoleOperator][operator] = true
	}
	return c, nil
}

// Grant adds account to role. Only an admin may grant.
func (c *Controller) Grant(caller string, role Role, account string) error {
	if err := c.Require(caller, RoleAdmin); err != nil {
		return err
	}
	if account == "" {
		return ErrZeroAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roles[role] == nil {
		c.roles[role] = make(map[string]bool)
	}
	c.roles[role][account] = true
	return nil
}

// Revoke removes account from role. Only an admin may revoke.
func (c *Controller) Revoke(caller string, role Role, account string) error {
	if err := c.Require(caller, RoleAdmin); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.roles[role], account)
	return nil
}

// HasRole reports whether account holds role. Admins implicitly hold
// every role.
func (c *Controller) HasRole(account string, role Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.roles[RoleAdmin][account] {
		return true
	}
	return c.roles[role][account]
}

// Require fails with ErrNoPermission unless account holds role.
func (c *Controller) Require(account string, role Role) error {
	if !c.HasRole(account, role) {
		return ErrNoPermission
	}
	return nil
}

// PauseDeposit stops new deposits. Operator only.
func (c *Controller) PauseDeposit(caller string) error {
	return c.setPause(caller, &c.depositPaused, true)
}

// UnpauseDeposit resumes deposits. Operator only.
func (c *Controller) UnpauseDeposit(caller string) error {
	return c.setPause(caller, &c.depositPaused, false)
}

// PauseWithdraw stops new redemptions. Operator only.
func (c *Controller) PauseWithdraw(caller string) error {
	return c.setPause(caller, &c.withdrawPaused, true)
}

// UnpauseWithdraw resumes redemptions. Operator only.
func (c *Controller) UnpauseWithdraw(caller string) error {
	return c.setPause(caller, &c.withdrawPaused, false)
}

// PauseAll pauses both deposits and withdrawals. Operator only.
func (c *Controller) PauseAll(caller string) error {
	if err := c.Require(caller, RoleOperator); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.depositPaused = true
	c.withdrawPaused = true
	return nil
}

func (c *Controller) setPause(caller string, flag *bool, v bool) error {
	if err := c.Require(caller, RoleOperator); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	*flag = v
	return nil
}

// DepositPaused reports the deposit pause flag.
func (c *Controller) DepositPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.depositPaused
}

// WithdrawPaused reports the withdraw pause flag.
func (c *Controller) WithdrawPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.withdrawPaused
}

// RequireNotPausedDeposit fails when deposits are paused.
func (c *Controller) RequireNotPausedDeposit() error {
	if c.DepositPaused() {
		return ErrDepositsPaused
	}
	return nil
}

// RequireNotPausedWithdraw fails when withdrawals are paused.
func (c *Controller) RequireNotPausedWithdraw() error {
	if c.WithdrawPaused() {
		return ErrWithdrawalsPaused
	}
	return nil
}
