package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quotagate/internal/admission"
	"quotagate/internal/config"
	"quotagate/internal/db"
	"quotagate/internal/dynamo"
	"quotagate/internal/httpapi"
	"quotagate/internal/limits"
	"quotagate/internal/logging"
	"quotagate/internal/notify"
	"quotagate/internal/observability"
	"quotagate/internal/usage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("admission-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	var (
		limitStore   httpapi.LimitStore
		historyStore httpapi.HistoryStore
		ready        func(ctx context.Context) error
	)
	switch cfg.StoreBackend {
	case "postgres":
		conn, queries, err := db.Open(ctx, cfg.PGDSN)
		if err != nil {
			logger.Fatalf("opening postgres store: %v", err)
		}
		defer conn.Close()
		limitStore = queries
		historyStore = queries
		ready = func(ctx context.Context) error { return db.Ready(ctx, conn) }
	case "dynamodb":
		store, err := dynamo.Open(ctx, dynamo.Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			SessionToken:         cfg.AWS.SessionToken,
			LimitsTable:          cfg.LimitsTable,
			LimitsCustomerIndex:  cfg.LimitsCustomerIndex,
			HistoryTable:         cfg.HistoryTable,
			HistoryCustomerIndex: cfg.HistoryCustomerIndex,
		})
		if err != nil {
			logger.Fatalf("opening dynamodb store: %v", err)
		}
		limitStore = store
		historyStore = store
		ready = store.Ready
	default:
		logger.Fatalf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	aggregator := usage.NewAggregator(historyStore, logger, cfg.HistoryPageLimit)

	if cfg.BytesPerCurrencyUnit == 0 {
		logger.Printf("BYTES_PER_CURRENCY_UNIT not set; amount-typed limits will not be enforced")
	}
	evaluator := limits.NewEvaluator(limits.Converter{BytesPerCurrencyUnit: cfg.BytesPerCurrencyUnit})
	checker := admission.NewChecker(aggregator, evaluator, logger, metrics)

	var sender notify.Sender
	if cfg.SESFromEmail == "" {
		logger.Printf("SES_FROM_EMAIL not set; notifications will be logged instead of sent")
		sender = notify.NewLogSender(logger)
	} else {
		sender, err = notify.NewSESSender(ctx, notify.SESConfig{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
			FromEmail:       cfg.SESFromEmail,
		})
		if err != nil {
			logger.Fatalf("building ses sender: %v", err)
		}
	}
	dispatcher := notify.NewDispatcher(sender, logger, metrics, notify.Config{
		TemplatePrefix: cfg.TemplatePrefix,
		DefaultLocale:  cfg.DefaultLocale,
		DashboardURL:   cfg.AppURL,
		CompanyName:    cfg.CompanyName,
		SupportEmail:   cfg.SupportEmail,
	})

	api := httpapi.NewServer(logger, httpapi.Deps{
		Limits:          limitStore,
		History:         historyStore,
		Checker:         checker,
		Usage:           aggregator,
		Notifier:        dispatcher,
		Ready:           ready,
		MetricsRegistry: metrics.Registry(),
		AdminToken:      cfg.AdminToken,
		DefaultLocale:   cfg.DefaultLocale,
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Printf("admission-api listening on %s (store=%s)", cfg.HTTPAddr, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down admission-api")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	_ = os.Stdout.Sync()
}
