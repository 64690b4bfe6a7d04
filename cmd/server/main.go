// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/config"
	"github.com/unclebandit/rcs-dispatch/internal/controller"
	"github.com/unclebandit/rcs-dispatch/internal/db"
	"github.com/unclebandit/rcs-dispatch/internal/dedup"
	"github.com/unclebandit/rcs-dispatch/internal/gateway"
	"github.com/unclebandit/rcs-dispatch/internal/handler"
	"github.com/unclebandit/rcs-dispatch/internal/logger"
	"github.com/unclebandit/rcs-dispatch/internal/mq"
	"github.com/unclebandit/rcs-dispatch/internal/notify"
	"github.com/unclebandit/rcs-dispatch/internal/queue"
	"github.com/unclebandit/rcs-dispatch/internal/repository"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	unitCost, err := decimal.NewFromString(cfg.Dispatch.UnitCost)
	if err != nil {
		log.Fatal("invalid dispatch.unit_cost: ", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DB, lg)
	if err != nil {
		lg.Fatal("database unavailable", zap.Error(err))
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		lg.Fatal("migration failed", zap.Error(err))
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	resultRepo := &repository.DispatchResultRepository{DB: conn}
	sponsorRepo := &repository.SponsorRepository{DB: conn}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		lg.Warn("redis unavailable, callback dedup will let events through", zap.Error(err))
	}

	notifiers := notify.Multi{notify.NewLog(lg)}
	var callbackQueue handler.Publisher
	amqpConn, progressCh, err := mq.Dial(cfg.AMQP.URL)
	switch {
	case err != nil && cfg.Webhook.Mode == "queue":
		lg.Fatal("webhook queue mode needs RabbitMQ", zap.Error(err))
	case err != nil:
		lg.Warn("RabbitMQ unavailable, progress is logged only", zap.Error(err))
	default:
		defer amqpConn.Close()
		if err := mq.DeclareFanout(progressCh, cfg.AMQP.ProgressExchange); err != nil {
			lg.Fatal("failed to declare progress exchange", zap.Error(err))
		}
		notifiers = append(notifiers, notify.NewAMQP(mq.NewPublisher(progressCh, cfg.AMQP.ProgressExchange, ""), lg))

		if cfg.Webhook.Mode == "queue" {
			cbCh, err := amqpConn.Channel()
			if err != nil {
				lg.Fatal("failed to open callback channel", zap.Error(err))
			}
			q, err := mq.DeclareQueue(cbCh, cfg.AMQP.CallbackQueue)
			if err != nil {
				lg.Fatal("failed to declare callback queue", zap.Error(err))
			}
			callbackQueue = mq.NewPublisher(cbCh, "", q.Name)
		}
	}

	httpClient := &http.Client{Timeout: cfg.Gateway.Timeout}
	credentials := gateway.NewCredentials(gateway.CredentialsConfig{
		AuthURL: cfg.Gateway.AuthURL,
		TTL:     cfg.Gateway.TokenTTL,
		Skew:    cfg.Gateway.TokenSkew,
	}, gateway.StaticSecrets{Secrets: cfg.Gateway.Credentials, Next: sponsorRepo}, httpClient, lg)

	client := gateway.NewClient(gateway.ClientConfig{
		BaseURL:         cfg.Gateway.BaseURL,
		BotID:           cfg.Gateway.BotID,
		CountryCode:     cfg.Gateway.DefaultCountryCode,
		MaxRetries:      cfg.Gateway.MaxInProcessRetry,
		Backoff:         cfg.Gateway.Backoff,
		RatePerSec:      cfg.Gateway.RatePerSec,
		BreakerFailures: cfg.Gateway.BreakerFailures,
		BreakerTimeout:  cfg.Gateway.BreakerTimeout,
	}, httpClient, lg)

	recorder := &service.Recorder{
		Results:   resultRepo,
		Campaigns: campaignRepo,
		Sponsors:  sponsorRepo,
		Notifier:  notifiers,
		Log:       lg,
	}

	retryQueue := queue.NewRetryQueue(queue.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxAge:      cfg.Retry.MaxAge,
		Interval:    cfg.Retry.Interval,
	}, client, credentials, lg)
	retryQueue.SetRecorder(recorder)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		BatchSize:  cfg.Dispatch.BatchSize,
		FanOut:     cfg.Dispatch.FanOut,
		BatchDelay: cfg.Dispatch.BatchDelay,
		UnitCost:   unitCost,
	}, campaignRepo, credentials, client, retryQueue, recorder, lg)

	reconciler := service.NewReconciler(recorder, dedup.NewRedis(rdb, cfg.Redis.DedupTTL, lg), lg)

	campaignController := &controller.CampaignController{
		Dispatcher: dispatcher,
		CampaignService: &service.CampaignService{
			CampaignRepo: campaignRepo,
			ResultRepo:   resultRepo,
			Log:          lg,
		},
		Log: lg,
	}
	webhookHandler := &handler.WebhookHandler{
		Reconciler: reconciler,
		Queue:      callbackQueue,
		Log:        lg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns/{id}", campaignController.GetCampaignDetails)
	r.Post("/webhooks/gateway", webhookHandler.Receive)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	go retryQueue.Run(ctx, cfg.Retry.DrainInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("server running", zap.String("addr", srv.Addr), zap.String("webhook_mode", cfg.Webhook.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		lg.Warn("in-flight campaigns still running at shutdown")
	}
}
