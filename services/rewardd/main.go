package rewardd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vendorvote/observability"
	"vendorvote/observability/logging"
	telemetry "vendorvote/observability/otel"
	"vendorvote/services/rewardd/admission"
	"vendorvote/services/rewardd/binding"
	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/retry"
	"vendorvote/services/rewardd/server"
	"vendorvote/services/rewardd/signer"
	"vendorvote/services/rewardd/store"
)

// Options carries process-level collaborators that cannot come from the
// config file.
type Options struct {
	// Passphrase unlocks chain.signer.keystore when configured.
	Passphrase ledger.PassphraseSource
}

// Main initialises and runs the reward daemon.
func Main(opts Options) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if override := strings.TrimSpace(os.Getenv("VENDORVOTE_ENV")); override != "" {
		env = override
	}
	logger := logging.Setup("rewardd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ApplyEnv(telemetry.Config{
		ServiceName: "rewardd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
		SlowThreshold:   cfg.Database.SlowThreshold.Duration,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close(db) }()

	key, err := loadSignerKey(cfg.Chain.Signer, opts.Passphrase)
	if err != nil {
		return err
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ledger.DialEVMClient(dialCtx, cfg.Chain.RPCURL)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	if !common.IsHexAddress(cfg.Chain.TokenAddress) {
		return fmt.Errorf("chain token_address %q is not a hex address", cfg.Chain.TokenAddress)
	}
	chain, err := ledger.NewEVMLedger(client, key, ledger.EVMConfig{
		ChainID:      big.NewInt(cfg.Chain.ChainID),
		Token:        common.HexToAddress(cfg.Chain.TokenAddress),
		GasLimit:     cfg.Chain.GasLimit,
		PollInterval: cfg.Chain.ReceiptPoll.Duration,
	})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	units, err := ledger.NewUnits(*cfg.Chain.TokenDecimals)
	if err != nil {
		return fmt.Errorf("token units: %w", err)
	}

	metrics := NewMetrics()
	queue := signer.NewQueue(cfg.Distribution.SignerQueue,
		signer.WithDepthObserver(metrics.SetQueueDepth),
		signer.WithLogger(logger))
	defer queue.Close()

	scheduler, err := retry.NewScheduler(cfg.RetryPolicy())
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	engine, err := distribution.NewEngine(db, chain, queue, scheduler, distribution.Config{
		GasBufferPercent: *cfg.Chain.GasBufferPercent,
		ConfirmTimeout:   cfg.Chain.ConfirmTimeout.Duration,
		ProbeTimeout:     cfg.Chain.ProbeTimeout.Duration,
		Units:            units,
	}, distribution.WithLogger(logger), distribution.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init distribution engine: %w", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	dispatcher := distribution.NewDispatcher(engine, cfg.Distribution.DispatchBuffer, cfg.Distribution.DispatchWorkers, logger)
	dispatcher.Start(workerCtx)
	defer dispatcher.Stop()

	binder, err := binding.NewService(binding.Config{
		DB:      db,
		Engine:  engine,
		Ledger:  chain,
		Units:   units,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("init binding service: %w", err)
	}

	pause := admission.NewPauseGuard(chain, metrics)
	if cfg.Rewards.PauseOnStart {
		pause.Pause("paused on start")
	}
	controller, err := admission.NewController(admission.Config{
		DB:                  db,
		Schedule:            cfg.Schedule(),
		Location:            cfg.Location(),
		Pause:               pause,
		AutoRegisterVendors: cfg.Rewards.AutoRegisterVendors,
		OnAdmitted: func(a admission.Admission) {
			if !a.WalletBound {
				return
			}
			if !dispatcher.Enqueue(a.RecordID) {
				logger.Debug("dispatch buffer full; leaving record for sweeper",
					slog.String("record_id", a.RecordID.String()))
			}
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("init admission: %w", err)
	}

	sweeper := binding.NewSweeper(binding.SweeperConfig{
		Service:   binder,
		Interval:  cfg.Distribution.SweepInterval.Duration,
		Batch:     engine,
		BatchSize: cfg.Distribution.SweepBatchSize,
		Logger:    logger,
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Start(workerCtx)
	}()

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
		AdminToken: cfg.Admin.BearerToken,
	}, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	api, err := server.New(server.Config{
		DB:        db,
		Admission: controller,
		Binding:   binder,
		Pause:     pause,
		Auth:      auth,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		QueueDepth: queue.Depth,
		Logger:     logger,
		Metrics:    observability.HTTP(),
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), "rewardd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Chain.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("rewardd listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("signer", chain.Signer().Hex()),
			slog.String("database", cfg.Database.Driver),
			logging.MaskField("database_dsn", cfg.Database.DSN),
			logging.MaskField("rpc_url", cfg.Chain.RPCURL))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
		logger.Info("shutting down rewardd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			runErr = err
		}
		cancel()
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopWorkers()
	<-sweepDone
	dispatcher.Stop()
	queue.Close()
	return runErr
}

func loadSignerKey(cfg SignerConfig, passphrase ledger.PassphraseSource) (*ecdsa.PrivateKey, error) {
	if cfg.Keystore != "" {
		key, err := ledger.LoadKeystoreKey(cfg.Keystore, passphrase)
		if err != nil {
			return nil, fmt.Errorf("load signer keystore: %w", err)
		}
		return key, nil
	}
	key, err := ledger.ParseHexKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	return key, nil
}
