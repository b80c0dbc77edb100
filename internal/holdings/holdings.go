package holdings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/fundvault/internal/vault"
	"github.com/terminal-bench/fundvault/pkg/messaging"
)

// Manager serves cached per-account holdings snapshots. Snapshots are
// rebuilt from the vault on cache miss and invalidated when a vault
// event touches the account.
type Manager struct {
	vault   *vault.Vault
	redis   *redis.Client
	log     *logrus.Logger
	ttl     time.Duration
	cache   map[string]*Snapshot
	cacheMu sync.RWMutex
}

// Snapshot is one account's view of the fund.
type Snapshot struct {
	Account       string    `json:"account"`
	Shares        string    `json:"shares"`
	PendingShares string    `json:"pending_shares"`
	SharePrice    string    `json:"share_price"`
	Value         string    `json:"value"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewManager(v *vault.Vault, redisAddr string, ttl time.Duration, log *logrus.Logger) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	return &Manager{
		vault: v,
		redis: rdb,
		log:   log,
		ttl:   ttl,
		cache: make(map[string]*Snapshot),
	}
}

// Get returns the holdings snapshot for an account, preferring the
// in-process cache, then Redis, then the vault itself.
func (m *Manager) Get(ctx context.Context, account string) (*Snapshot, error) {
	m.cacheMu.RLock()
	if cached, ok := m.cache[account]; ok && time.Since(cached.UpdatedAt) < m.ttl {
		m.cacheMu.RUnlock()
		return cached, nil
	}
	m.cacheMu.RUnlock()

	cacheKey := "holdings:" + account
	cached, err := m.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		var snap Snapshot
		if json.Unmarshal([]byte(cached), &snap) == nil {
			return &snap, nil
		}
	}

	snap := m.build(account)

	m.cacheMu.Lock()
	m.cache[account] = snap
	m.cacheMu.Unlock()

	snapJSON, _ := json.Marshal(snap)
	m.redis.Set(ctx, cacheKey, snapJSON, m.ttl)

	return snap, nil
}

func (m *Manager) build(account string) *Snapshot {
	shares := m.vault.BalanceOf(account)
	pending := m.vault.PendingShares(account)
	price := m.vault.SharePrice()
	value := shares.Add(pending).Mul(price)

	return &Snapshot{
		Account:       account,
		Shares:        shares.String(),
		PendingShares: pending.String(),
		SharePrice:    price.String(),
		Value:         value.String(),
		UpdatedAt:     time.Now(),
	}
}

// FundSummary is a fund-wide view, uncached.
type FundSummary struct {
	TotalSupply   string `json:"total_supply"`
	LockedShares  string `json:"locked_shares"`
	TotalAssets   string `json:"total_assets"`
	OnchainAssets string `json:"onchain_assets"`
	AccruedFee    string `json:"accrued_fee"`
	SharePrice    string `json:"share_price"`
	QueueLength   int    `json:"queue_length"`
}

func (m *Manager) Summary() *FundSummary {
	return &FundSummary{
		TotalSupply:   m.vault.TotalSupply().String(),
		LockedShares:  m.vault.LockedShares().String(),
		TotalAssets:   m.vault.TotalAssets().String(),
		OnchainAssets: m.vault.OnchainAssets().String(),
		AccruedFee:    m.vault.AccruedManagementFee().String(),
		SharePrice:    m.vault.SharePrice().String(),
		QueueLength:   m.vault.WithdrawalQueueLength(),
	}
}

// Start invalidates cached snapshots as vault events arrive.
func (m *Manager) Start(mc *messaging.Client) error {
	return mc.Subscribe(messaging.VaultEvents, func(msg *nats.Msg) {
		var event messaging.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			m.log.WithError(err).Warn("failed to decode event")
			return
		}
		for _, account := range touchedAccounts(event.Data) {
			m.Invalidate(account)
		}
	})
}

func touchedAccounts(data json.RawMessage) []string {
	var probe struct {
		Account  string `json:"account"`
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	var accounts []string
	for _, a := range []string{probe.Account, probe.Sender, probe.Receiver} {
		if a != "" {
			accounts = append(accounts, a)
		}
	}
	return accounts
}

// Invalidate drops an account from both cache layers.
func (m *Manager) Invalidate(account string) {
	m.cacheMu.Lock()
	delete(m.cache, account)
	m.cacheMu.Unlock()

	ctx := context.Background()
	m.redis.Del(ctx, "holdings:"+account)
}

// Close shuts down the Redis connection.
func (m *Manager) Close() error {
	return m.redis.Close()
}
