package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_relay/internal/alert"
	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/ratelimit"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/store/redisstore"
	"github.com/austindbirch/harbor_relay/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// app holds the wired relay: store, breakers, worker pool, dispatcher,
// alert loop, inbound commands and the HTTP router.
type app struct {
	cfg    config.Config
	logger *logging.Logger

	repos      store.Repos
	breakers   *circuit.Registry
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	evaluator  *alert.Evaluator
	inbound    *inbound.Service
	server     *http.Server

	consumer *nsq.Consumer
	closers  []func()
}

func newApp(ctx context.Context, cfg config.Config, reg *prometheus.Registry, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	checker := health.Checker{Timeout: 2 * time.Second}

	switch cfg.Store {
	case "memory":
		a.repos = memory.New()
		logger.Plain().Warn("using in-memory store, delivery log is lost on restart")
	default:
		pgPool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pgPool.Close)
		a.repos = postgres.New(pgPool)
		checker.DB = pgPool
	}

	masterKey := cfg.Signing.MasterKey
	if masterKey == "" {
		if cfg.Store != "memory" {
			return nil, errors.New("signing.master_key is required with the postgres store")
		}
		var err error
		if masterKey, err = signing.GenerateMasterKey(); err != nil {
			return nil, err
		}
		logger.Plain().Warn("no signing master key configured, generated an ephemeral one")
	}
	box, err := signing.NewSecretBox(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secret box: %w", err)
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	commands := a.repos.Commands
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Redis.Prefix)
		commands = redisstore.NewOutcomeCache(commands, rdb, cfg.Redis.Prefix, 0)
		checker.Redis = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	a.breakers = circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Window:           cfg.Circuit.Window,
		Cooldown:         cfg.Circuit.Cooldown,
		MaxCooldown:      cfg.Circuit.MaxCooldown,
	}, a.repos.Endpoints, logging.New(cfg.AppName+"-circuit"))

	var deadLetters worker.DeadLetterPublisher = worker.LogDeadLetters{Logger: logger}
	if cfg.NSQ.Enabled {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
		a.closers = append(a.closers, producer.Stop)
		deadLetters = worker.NewNSQDeadLetters(producer, cfg.NSQ.DLQTopic)
	}

	a.pool = worker.New(worker.ConfigFrom(cfg.Worker), worker.Deps{
		Attempts:    a.repos.Attempts,
		Endpoints:   a.repos.Endpoints,
		Breakers:    a.breakers,
		Secrets:     box,
		DeadLetters: deadLetters,
		Logger:      logging.New(cfg.AppName + "-worker"),
	})

	a.dispatcher = dispatch.New(cfg.Worker.IntakeBuffer, dispatch.Deps{
		Attempts:  a.repos.Attempts,
		Endpoints: a.repos.Endpoints,
		Breakers:  a.breakers,
		Pool:      a.pool,
		Logger:    logging.New(cfg.AppName + "-dispatch"),
	})

	if cfg.NSQ.Enabled {
		handler := dispatch.NewNSQHandler(a.dispatcher, logging.New(cfg.AppName+"-nsq"))
		a.consumer, err = dispatch.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.EventsChannel, cfg.NSQ.MaxInFlight, handler)
		if err != nil {
			return nil, err
		}
	}

	var alerts api.AlertTicker
	if rules := alert.RulesFromConfig(cfg.Alert); len(rules) > 0 {
		deps := alert.Deps{Source: a.repos.Attempts, Logger: logging.New(cfg.AppName + "-alert")}
		if cfg.Alert.AutoMitigate {
			deps.Mitigator = a.breakers
		}
		if a.evaluator, err = alert.NewEvaluator(rules, deps); err != nil {
			return nil, fmt.Errorf("alert rules: %w", err)
		}
		alerts = a.evaluator
	}

	a.inbound = inbound.NewService(inbound.Deps{
		Installs: a.repos.Installs,
		Commands: commands,
		Secrets:  box,
		Verifier: signing.NewVerifier(cfg.Signing.Tolerance),
		Limiter: ratelimit.NewPolicy(limiter, ratelimit.PolicyConfig{
			PerInstall:       cfg.RateLimit.PerInstall,
			PerInstallWindow: cfg.RateLimit.PerInstallWindow,
			PerCommand:       cfg.RateLimit.PerCommand,
			PerCommandWindow: cfg.RateLimit.PerCommandWindow,
		}, logging.New(cfg.AppName+"-ratelimit")),
		Logger: logging.New(cfg.AppName + "-inbound"),
	})
	if err := inbound.RegisterDefaults(a.inbound, a.dispatcher); err != nil {
		return nil, err
	}

	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		if validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience); err != nil {
			return nil, fmt.Errorf("jwt validator: %w", err)
		}
	}

	router := api.NewRouter(api.Deps{
		Endpoints:         a.repos.Endpoints,
		Installs:          a.repos.Installs,
		Attempts:          a.repos.Attempts,
		Secrets:           box,
		Breakers:          a.breakers,
		Pool:              a.pool,
		Dispatcher:        a.dispatcher,
		Alerts:            alerts,
		Commands:          a.inbound,
		Validator:         validator,
		Health:            checker,
		Gatherer:          reg,
		RetentionWindow:   cfg.Retention.Window,
		AllowInsecureURLs: cfg.Worker.AllowInsecureURLs,
		Logger:            logging.New(cfg.AppName + "-api"),
	})
	a.server = &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return a, nil
}

// run starts every component and blocks until ctx is done or one of them fails.
func (a *app) run(ctx context.Context) error {
	if a.consumer != nil {
		// Connecting directly to nsqd creates the channel before the first publish
		if err := a.consumer.ConnectToNSQD(a.cfg.NSQ.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
		if err := a.consumer.ConnectToNSQLookupd(a.cfg.NSQ.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	a.pool.Start(gctx)
	if _, err := a.dispatcher.Recover(gctx); err != nil {
		a.logger.Plain().WithError(err).Error("delivery recovery failed")
	}

	g.Go(func() error { return a.dispatcher.Run(gctx) })

	if a.evaluator != nil && a.cfg.Alert.Interval > 0 {
		g.Go(func() error { return a.evaluator.Run(gctx, a.cfg.Alert.Interval) })
	}

	g.Go(func() error {
		a.logger.Plain().WithField("addr", a.server.Addr).Info("relay HTTP server starting")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Plain().Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.consumer != nil {
			a.consumer.Stop()
			select {
			case <-a.consumer.StopChan:
			case <-shutdownCtx.Done():
			}
		}
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Plain().WithError(err).Warn("http shutdown incomplete")
		}
		if err := a.pool.Stop(shutdownCtx); err != nil {
			a.logger.Plain().WithError(err).Warn("worker pool did not drain before timeout")
		}
		return nil
	})

	err := g.Wait()
	a.logger.Plain().Info("relay stopped")
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
