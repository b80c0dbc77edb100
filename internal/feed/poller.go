package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/fundvault/internal/oracle"
	"github.com/terminal-bench/fundvault/pkg/circuit"
	"github.com/terminal-bench/fundvault/pkg/messaging"
)

// Poller pulls NAV quotes from an external fund administrator feed
// and pushes accepted updates into the oracle. Upstream failures trip
// a circuit breaker so a flapping feed does not hammer the endpoint.
type Poller struct {
	url      string
	interval time.Duration
	operator string

	client  *http.Client
	breaker *circuit.Breaker
	oracle  *oracle.Oracle
	mc      *messaging.Client
	writer  influxapi.WriteAPIBlocking
	influx  influxdb2.Client
	log     *logrus.Logger
}

// Config configures the feed poller.
type Config struct {
	URL          string
	PollInterval time.Duration
	Operator     string
	MaxFailures  int
	OpenTimeout  time.Duration

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

type quote struct {
	Price string `json:"price"`
	Nav   string `json:"nav"`
}

func NewPoller(cfg Config, o *oracle.Oracle, mc *messaging.Client, log *logrus.Logger) *Poller {
	p := &Poller{
		url:      cfg.URL,
		interval: cfg.PollInterval,
		operator: cfg.Operator,
		client:   &http.Client{Timeout: 10 * time.Second},
		oracle:   o,
		mc:       mc,
		log:      log,
	}

	p.breaker = circuit.NewBreaker(circuit.Config{
		Name:        "nav-feed",
		MaxFailures: cfg.MaxFailures,
		Timeout:     cfg.OpenTimeout,
		OnStateChange: func(from, to circuit.State) {
			log.WithFields(logrus.Fields{
				"breaker": "nav-feed",
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("feed breaker state change")
		},
	})

	if cfg.InfluxURL != "" {
		p.influx = influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		p.writer = p.influx.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)
	}

	return p
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if p.influx != nil {
				p.influx.Close()
			}
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.log.WithError(err).Warn("feed poll failed")
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	var q quote
	err := p.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("feed returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&q)
	})
	if err != nil {
		return err
	}

	price, err := decimal.NewFromString(q.Price)
	if err != nil {
		return fmt.Errorf("bad feed price %q: %w", q.Price, err)
	}

	if !p.oracle.IsValidPriceUpdate(price) {
		p.log.WithField("price", price.String()).Warn("feed price outside deviation band, skipping")
		p.recordRound(ctx, price, false)
		return nil
	}

	if err := p.oracle.UpdatePrice(p.operator, price); err != nil {
		return fmt.Errorf("failed to update price: %w", err)
	}

	if q.Nav != "" {
		nav, err := decimal.NewFromString(q.Nav)
		if err == nil {
			// UpdateClosingNav bounds the move against the nav series.
			if err := p.oracle.UpdateClosingNav(p.operator, nav); err != nil {
				p.log.WithError(err).Warn("failed to update closing nav")
			}
		}
	}

	p.recordRound(ctx, price, true)

	if err := p.mc.Publish(ctx, messaging.EventTypePriceUpdated, messaging.PriceEvent{
		Round:     p.oracle.LatestRound(),
		Answer:    price.String(),
		UpdatedAt: p.oracle.UpdatedAt(),
	}); err != nil {
		p.log.WithError(err).Warn("failed to publish price event")
	}

	return nil
}

// recordRound writes the observed quote to the time series store.
func (p *Poller) recordRound(ctx context.Context, price decimal.Decimal, accepted bool) {
	if p.writer == nil {
		return
	}

	f, _ := price.Float64()
	point := influxdb2.NewPoint("nav_round",
		map[string]string{"accepted": fmt.Sprintf("%t", accepted)},
		map[string]interface{}{"price": f, "round": int64(p.oracle.LatestRound())},
		time.Now(),
	)
	if err := p.writer.WritePoint(ctx, point); err != nil {
		p.log.WithError(err).Warn("failed to record nav round")
	}
}

// BreakerState exposes the feed breaker state for health checks.
func (p *Poller) BreakerState() circuit.State {
	return p.breaker.State()
}
