package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/404-not-find/SipVoice/internal/baresip"
	"github.com/404-not-find/SipVoice/internal/callhistory"
	"github.com/404-not-find/SipVoice/internal/config"
	"github.com/404-not-find/SipVoice/internal/dispatcher"
	"github.com/404-not-find/SipVoice/internal/health"
	"github.com/404-not-find/SipVoice/internal/metrics"
	"github.com/404-not-find/SipVoice/internal/sipevent"
	"github.com/404-not-find/SipVoice/internal/sipservice"
)

const shutdownTimeout = 5 * time.Second

func main() {
	envFile := flag.String("env", "", "Path to .env file (overrides ENV_FILE)")
	baresipAddr := flag.String("baresip", "", "baresip ctrl_tcp address (overrides BARESIP_ADDR)")
	account := flag.String("account", "", "SIP account AOR (overrides ACCOUNT_AOR)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	console := flag.Bool("console", true, "Read commands from stdin")
	flag.Parse()

	if *envFile != "" {
		os.Setenv("ENV_FILE", *envFile)
	}
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.New[config.ServiceConfig]()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *baresipAddr != "" {
		cfg.BaresipAddr = *baresipAddr
	}
	if *account != "" {
		cfg.AccountAOR = *account
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Invalid logger config: %v", err)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger, *console); err != nil {
		logger.WithError(err).Fatal("sipservice failed")
	}
	logger.Info("sipservice stopped")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.ServiceConfig, logger *logrus.Logger, console bool) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	codec, err := sipevent.NewCodec(sipevent.VideoDefaults{Width: cfg.DefaultVideoWidth, Height: cfg.DefaultVideoHeight})
	if err != nil {
		return err
	}
	overflow, err := dispatcher.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return err
	}

	client, err := baresip.New(baresip.Options{
		Addr:              cfg.BaresipAddr,
		AccountAOR:        cfg.AccountAOR,
		ReconnectInterval: cfg.ReconnectInterval,
		Codec:             codec,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	svc, err := sipservice.New(sipservice.Options{
		Engine:                 client,
		Codec:                  codec,
		Partitions:             cfg.IngestPartitions,
		QueueSize:              cfg.IngestQueueSize,
		TrustEngineMissedCalls: cfg.TrustEngineMissedCalls,
		Dispatch: dispatcher.Options{
			Lanes:          cfg.DispatchLanes,
			QueueSize:      cfg.DispatchQueueSize,
			Overflow:       overflow,
			PublishTimeout: cfg.PublishTimeout,
			HandlerTimeout: cfg.HandlerTimeout,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	history, err := callhistory.New(ctx, callhistory.Options{
		Enabled:    cfg.HistoryEnabled,
		Addr:       cfg.RedisAddr,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Prefix:     cfg.HistoryPrefix,
		TTL:        cfg.HistoryTTL,
		MaxEntries: cfg.HistoryMaxEntries,
	})
	if err != nil {
		return err
	}
	defer history.Close()

	reporter := health.NewReporter(logger)
	svc.Subscribe(reporter)
	svc.Subscribe(dispatcher.LogSubscriber{Logger: logger})
	if history != nil {
		svc.Subscribe(callhistory.NewRecorder(history, logger))
	}
	svc.Start(ctx)

	logger.WithFields(logrus.Fields{
		"baresip":  cfg.BaresipAddr,
		"account":  cfg.AccountAOR,
		"metrics":  cfg.MetricsAddr,
		"health":   cfg.HealthAddr,
		"history":  history != nil,
		"overflow": overflow.String(),
	}).Info("sipservice started")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return err
		}
		grpcSrv := grpc.NewServer()
		reporter.Register(grpcSrv)
		g.Go(func() error { return grpcSrv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			reporter.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for err := range client.Errors() {
			logger.WithError(err).Warn("baresip connection lost")
		}
		return nil
	})

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- svc.Pump(context.Background(), client.Envelopes()) }()

	if console {
		go commandLoop(gctx, svc, history, cfg.AccountAOR, stop)
	}

	<-gctx.Done()
	client.Close()
	if err := <-pumpDone; err != nil {
		logger.WithError(err).Warn("Pump stopped")
	}
	svc.Stop()
	return g.Wait()
}
