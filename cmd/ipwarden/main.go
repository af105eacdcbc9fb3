package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ipwarden/internal/bansink"
	"ipwarden/internal/detect"
	"ipwarden/internal/directory"
	"ipwarden/internal/httpapi"
	"ipwarden/internal/httplimit"
	"ipwarden/internal/ingress"
	"ipwarden/internal/notify"
	"ipwarden/internal/rl"
	"ipwarden/internal/tracker"
	"ipwarden/internal/userstate"
	"ipwarden/pkg/config"
	"ipwarden/pkg/metrics"
)

func main() {
	// ------- Logging setup -------
	// Console pretty logs; set LOG_LEVEL=debug to see per-entry detection lines.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet")
	} else {
		log.Info().Msg("redis reachable")
	}
	pingCancel()

	dir := directory.New(cfg.Panel.URL, cfg.Panel.Token,
		time.Duration(cfg.Panel.ReloadSeconds)*time.Second,
		directory.WithPageSize(cfg.Panel.PageSize))
	if _, err := dir.Reload(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial directory load failed; starting with an empty directory")
	} else {
		log.Info().Int("users", dir.Count()).Msg("directory_loaded")
	}

	trk := tracker.New(cfg.Detection.ConcurrentWindowSeconds, cfg.Detection.DataRetention())

	var sink bansink.Sink = bansink.NullSink{}
	if cfg.Redis.Addr != "" {
		sink = bansink.NewRedisSink(rdb)
	}

	var notifier notify.Notifier = notify.NullNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second)
	}

	engine := detect.New(detect.Config{
		ConcurrentWindow:     cfg.Detection.ConcurrentWindowSeconds,
		TriggerPeriod:        cfg.Detection.TriggerPeriod(),
		TriggerCount:         cfg.Detection.TriggerCount,
		BanlistThreshold:     cfg.Detection.BanlistThreshold(),
		SubnetGrouping:       cfg.Detection.SubnetGrouping,
		WhitelistEmails:      cfg.Detection.WhitelistSet(),
		NotificationInterval: cfg.Detection.NotificationInterval(),
	}, detect.Deps{
		Directory: dir,
		Sink:      sink,
		Notifier:  notifier,
	})

	metrics.RegisterDetectionMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())

	tcpAddr := fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port)
	ingressSrv := ingress.New(tcpAddr, 4096)

	var ingressErr error
	ingressDone := make(chan struct{})
	go func() {
		defer close(ingressDone)
		if err := ingressSrv.Serve(ctx, 10*time.Second); err != nil {
			ingressErr = err
		}
	}()

	// Single consumer: ingestion and detection share one serialization
	// domain per line, exactly as Tracker.ProcessEntry's onRecorded
	// contract requires.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for line := range ingressSrv.Lines() {
			entry, ok := ingress.ParseLine(line.Raw)
			if !ok {
				continue
			}
			trk.ProcessEntry(entry, line.NodeName, func(u *userstate.State) {
				engine.Evaluate(u, entry.Email, entry.Timestamp)
			})
		}
	}()

	// Periodic sweep: demotion/ban escalation on wall-clock time (spec.md §4.4).
	sweepTicker := time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				sweepTicker.Stop()
				return
			case now := <-sweepTicker.C:
				engine.Sweep(ctx, now, trk.Inspect)
				metrics.ActiveTrackedUsers.Set(float64(trk.TotalUsers()))
				metrics.ActiveViolators.Set(float64(len(engine.Violators())))
			}
		}
	}()

	// Periodic cleanup of idle user state (spec.md §8).
	cleanupTicker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				cleanupTicker.Stop()
				return
			case <-cleanupTicker.C:
				if n := trk.CleanupOldData(); n > 0 {
					log.Debug().Int("removed", n).Msg("tracker_cleanup")
				}
			}
		}
	}()

	// Periodic directory refresh (spec.md §4.3).
	dirTicker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				dirTicker.Stop()
				return
			case <-dirTicker.C:
				if !dir.NeedsReload() {
					continue
				}
				reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := dir.Reload(reloadCtx); err != nil {
					log.Error().Err(err).Msg("directory_reload_failed")
				} else {
					log.Info().Int("users", n).Msg("directory_reloaded")
				}
				reloadCancel()
			}
		}
	}()

	limiter := rl.New(rdb)
	qlimit := httplimit.New(limiter, httplimit.Policy{RPS: cfg.QueryLimit.RPS, Burst: cfg.QueryLimit.Burst})

	router := httpapi.NewRouter(httpapi.Deps{
		Tracker:   trk,
		Directory: dir,
		Engine:    engine,
		Sink:      sink,
		Nodes:     ingressSrv,
		Token:     cfg.API.Token,
		Thresholds: httpapi.Thresholds{
			ConcurrentWindowSeconds: cfg.Detection.ConcurrentWindowSeconds,
			TriggerPeriodSeconds:    cfg.Detection.TriggerPeriod().Seconds(),
			TriggerCount:            cfg.Detection.TriggerCount,
			BanlistThresholdSeconds: cfg.Detection.BanlistThreshold().Seconds(),
			SubnetGrouping:          cfg.Detection.SubnetGrouping,
		},
		RateLimit: qlimit.Wrap,
	})

	apiAddr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:              apiAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http_api_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http_server_stopped_unexpectedly")
		}
	}()

	log.Info().
		Str("tcp_addr", tcpAddr).
		Str("api_addr", apiAddr).
		Str("log_level", zerolog.GlobalLevel().String()).
		Msg("ipwarden_starting")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown_requested")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("http_server_shutdown_timed_out")
		_ = srv.Close()
	}
	shCancel()

	cancel() // stops ingress accept loop, sweep/cleanup/directory tickers
	<-ingressDone
	if ingressErr != nil {
		log.Error().Err(ingressErr).Msg("ingress_server_error")
	}
	<-consumerDone

	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis_close_failed")
	}

	log.Info().Msg("ipwarden_exited")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
