package vault

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyQueue    = errors.New("withdrawal queue is empty")
	ErrInvalidLength = errors.New("count exceeds queue length")
	ErrInvalidIndex  = errors.New("queue index out of bounds")
)

// WithdrawalRequest is one queued redemption.
type WithdrawalRequest struct {
	ID          uint64          `json:"id"`
	Account     string          `json:"account"`
	Receiver    string          `json:"receiver"`
	Shares      decimal.Decimal `json:"shares"`
	RequestedAt time.Time       `json:"requested_at"`
}

// withdrawalQueue keeps redemption requests in strict FIFO order with a
// per-account pending-shares index. Both structures change together in
// every mutation. Not concurrency-safe on its own; guarded by the
// Vault's lock.
type withdrawalQueue struct {
	requests []WithdrawalRequest
	pending  map[string]decimal.Decimal
	nextID   uint64
}

func newWithdrawalQueue() *withdrawalQueue {
	return &withdrawalQueue{
		pending: make(map[string]decimal.Decimal),
		nextID:  1,
	}
}

func (q *withdrawalQueue) len() int { return len(q.requests) }

func (q *withdrawalQueue) enqueue(account, receiver string, shares decimal.Decimal, ts time.Time) WithdrawalRequest {
	req := WithdrawalRequest{
		ID:          q.nextID,
		Account:     account,
		Receiver:    receiver,
		Shares:      shares,
		RequestedAt: ts,
	}
	q.nextID++
	q.requests = append(q.requests, req)
	q.pending[account] = q.pendingShares(account).Add(shares)
	return req
}

func (q *withdrawalQueue) front() (WithdrawalRequest, error) {
	if len(q.requests) == 0 {
		return WithdrawalRequest{}, ErrEmptyQueue
	}
	return q.requests[0], nil
}

func (q *withdrawalQueue) popFront() {
	req := q.requests[0]
	q.requests = q.requests[1:]
	q.reducePending(req.Account, req.Shares)
}

// removeAt deletes the request at index from any position, shifting the
// tail left so the remaining entries keep their relative order.
func (q *withdrawalQueue) removeAt(index int) (WithdrawalRequest, error) {
	if index < 0 || index >= len(q.requests) {
		return WithdrawalRequest{}, ErrInvalidIndex
	}
	req := q.requests[index]
	q.requests = append(q.requests[:index], q.requests[index+1:]...)
	q.reducePending(req.Account, req.Shares)
	return req, nil
}

func (q *withdrawalQueue) info(index int) (WithdrawalRequest, error) {
	if index < 0 || index >= len(q.requests) {
		return WithdrawalRequest{}, ErrInvalidIndex
	}
	return q.requests[index], nil
}

func (q *withdrawalQueue) pendingShares(account string) decimal.Decimal {
	if p, ok := q.pending[account]; ok {
		return p
	}
	return decimal.Zero
}

func (q *withdrawalQueue) reducePending(account string, shares decimal.Decimal) {
	p := q.pendingShares(account).Sub(shares)
	if p.IsZero() || p.IsNegative() {
		delete(q.pending, account)
		return
	}
	q.pending[account] = p
}
