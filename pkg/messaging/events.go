package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the vault service.
const (
	EventTypeDepositProcessed = "vault.deposit.processed"
	EventTypeRedeemSettled    = "vault.redeem.settled"
	EventTypeQueueAdded       = "vault.queue.added"
	EventTypeQueueSettled     = "vault.queue.settled"
	EventTypeQueueCancelled   = "vault.queue.cancelled"
	EventTypeSharesMoved      = "vault.shares.transferred"
	EventTypeOffRamp          = "vault.treasury.offramp"
	EventTypeOnRamp           = "vault.treasury.onramp"
	EventTypeFeeClaimed       = "vault.fees.claimed"
	EventTypeEpochUpdated     = "vault.epoch.updated"
	EventTypePriceUpdated     = "oracle.price.updated"
	EventTypeNavUpdated       = "oracle.nav.updated"
)

// VaultEvents matches every vault.* subject for wildcard subscribers.
const VaultEvents = "vault.>"

// Event is the envelope every payload travels in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DepositEvent reports a processed deposit. Amounts travel as strings
// to keep decimal precision across the wire.
type DepositEvent struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Gross    string `json:"gross"`
	Fee      string `json:"fee"`
	Shares   string `json:"shares"`
	Price    string `json:"price"`
}

// RedeemEvent reports an immediately settled redemption.
type RedeemEvent struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Shares   string `json:"shares"`
	Assets   string `json:"assets"`
	Fee      string `json:"fee"`
	Price    string `json:"price"`
}

// QueueEvent reports a withdrawal-queue mutation.
type QueueEvent struct {
	RequestID uint64 `json:"request_id"`
	Account   string `json:"account"`
	Receiver  string `json:"receiver"`
	Shares    string `json:"shares"`
	Assets    string `json:"assets,omitempty"`
	Fee       string `json:"fee,omitempty"`
}

// TransferEvent reports a share transfer between accounts.
type TransferEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Shares string `json:"shares"`
}

// TreasuryEvent reports liquidity moved to or from external custody.
type TreasuryEvent struct {
	Operator string `json:"operator"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

// FeeClaimEvent reports a management-fee claim.
type FeeClaimEvent struct {
	Operator string `json:"operator"`
	Amount   string `json:"amount"`
}

// EpochEvent reports an epoch advance or weekend-flag change.
type EpochEvent struct {
	Epoch   uint64 `json:"epoch"`
	Weekend bool   `json:"weekend"`
}

// PriceEvent reports an oracle round.
type PriceEvent struct {
	Round     uint64    `json:"round"`
	Answer    string    `json:"answer"`
	UpdatedAt time.Time `json:"updated_at"`
}
