package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/fundvault/internal/admission"
	"github.com/terminal-bench/fundvault/internal/api"
	"github.com/terminal-bench/fundvault/internal/config"
	"github.com/terminal-bench/fundvault/internal/control"
	"github.com/terminal-bench/fundvault/internal/feed"
	"github.com/terminal-bench/fundvault/internal/fees"
	"github.com/terminal-bench/fundvault/internal/holdings"
	"github.com/terminal-bench/fundvault/internal/journal"
	"github.com/terminal-bench/fundvault/internal/kyc"
	"github.com/terminal-bench/fundvault/internal/oracle"
	"github.com/terminal-bench/fundvault/internal/vault"
	"github.com/terminal-bench/fundvault/pkg/messaging"
)

func main() {
	godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctrl, err := control.NewController(cfg.Vault.Admin, cfg.Vault.Operator)
	if err != nil {
		log.WithError(err).Fatal("failed to create controller")
	}
	if cfg.Vault.Maintainer != "" {
		if err := ctrl.Grant(cfg.Vault.Admin, control.RoleMaintainer, cfg.Vault.Maintainer); err != nil {
			log.WithError(err).Fatal("failed to grant maintainer role")
		}
	}

	registry := kyc.NewRegistry()

	initialPrice, err := decimal.NewFromString(cfg.Oracle.InitialPrice)
	if err != nil {
		log.WithError(err).Fatal("invalid initial price")
	}
	initialNav, err := decimal.NewFromString(cfg.Oracle.InitialNav)
	if err != nil {
		log.WithError(err).Fatal("invalid initial nav")
	}

	orc, err := oracle.New(oracle.Config{
		Decimals:        cfg.Oracle.Decimals,
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
		InitialPrice:    initialPrice,
		InitialNav:      initialNav,
	}, ctrl, time.Now)
	if err != nil {
		log.WithError(err).Fatal("failed to create oracle")
	}

	params, err := feeParams(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid fee parameters")
	}
	schedule, err := fees.NewSchedule(params, ctrl)
	if err != nil {
		log.WithError(err).Fatal("failed to create fee schedule")
	}
	partners := fees.NewPartnership(ctrl)

	adm, err := admission.New(schedule, ctrl, cfg.Vault.EpochBuffer, time.Now)
	if err != nil {
		log.WithError(err).Fatal("failed to create admission controller")
	}

	var mc *messaging.Client
	if cfg.NATS.URL != "" {
		mc, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer mc.Close()
	}

	vaultDeps := vault.Deps{
		Oracle:      orc,
		Schedule:    schedule,
		Partnership: partners,
		Admission:   adm,
		Kyc:         registry,
		Control:     ctrl,
		Logger:      log,
	}
	if mc != nil {
		vaultDeps.Publisher = mc
	}
	v := vault.New(vault.Config{
		ShareDecimals: cfg.Vault.ShareDecimals,
		AssetDecimals: cfg.Vault.AssetDecimals,
		MaxPriceDelay: cfg.Oracle.MaxPriceDelay,
	}, vaultDeps)

	var jnl *journal.Journal
	if cfg.Database.URL != "" && mc != nil {
		jnl, err = journal.Open(cfg.Database.URL, log)
		if err != nil {
			log.WithError(err).Fatal("failed to open journal")
		}
		defer jnl.Close()
		if err := jnl.Start(mc); err != nil {
			log.WithError(err).Fatal("failed to start journal")
		}
	}

	hld := holdings.NewManager(v, cfg.Redis.Addr, cfg.Redis.TTL, log)
	defer hld.Close()
	if mc != nil {
		if err := hld.Start(mc); err != nil {
			log.WithError(err).Fatal("failed to start holdings manager")
		}
	}

	tokens := api.NewTokenService(cfg.Server.JWTSecret, 24*time.Hour)
	server := api.NewServer(api.Deps{
		Tokens:    tokens,
		Vault:     v,
		Oracle:    orc,
		Admission: adm,
		Schedule:  schedule,
		Partners:  partners,
		Kyc:       registry,
		Control:   ctrl,
		Holdings:  hld,
		Journal:   jnl,
		Messaging: mc,
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Feed.URL != "" && mc != nil {
		poller := feed.NewPoller(feed.Config{
			URL:          cfg.Feed.URL,
			PollInterval: cfg.Feed.PollInterval,
			Operator:     cfg.Vault.Operator,
			MaxFailures:  cfg.Feed.MaxFailures,
			OpenTimeout:  cfg.Feed.OpenTimeout,
			InfluxURL:    cfg.Influx.URL,
			InfluxToken:  cfg.Influx.Token,
			InfluxOrg:    cfg.Influx.Org,
			InfluxBucket: cfg.Influx.Bucket,
		}, orc, mc, log)

		g.Go(func() error {
			err := poller.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("starting server")
		return server.Start(":" + cfg.Server.Port)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("service exited")
	}
}

func feeParams(cfg *config.Config) (fees.Params, error) {
	parse := func(s string, dst *decimal.Decimal) error {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}

	p := fees.Params{
		WorkdayDepositBps:          cfg.Fees.WorkdayDepositBps,
		WorkdayWithdrawBps:         cfg.Fees.WorkdayWithdrawBps,
		HolidayDepositBps:          cfg.Fees.HolidayDepositBps,
		HolidayWithdrawBps:         cfg.Fees.HolidayWithdrawBps,
		MaxHolidayDepositPctBps:    cfg.Fees.MaxHolidayDepositPctBps,
		MaxHolidayAggDepositPctBps: cfg.Fees.MaxHolidayAggDepositPctBps,
		ManagementFeeRateBps:       cfg.Fees.ManagementFeeRateBps,
	}

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{cfg.Fees.FirstDepositMin, &p.FirstDepositMin},
		{cfg.Fees.MinDeposit, &p.MinDeposit},
		{cfg.Fees.MaxDeposit, &p.MaxDeposit},
		{cfg.Fees.MinWithdraw, &p.MinWithdraw},
		{cfg.Fees.MaxWithdraw, &p.MaxWithdraw},
		{cfg.Fees.MinTxFee, &p.MinTxFee},
	} {
		if err := parse(f.raw, f.dst); err != nil {
			return fees.Params{}, err
		}
	}

	return p, nil
}
