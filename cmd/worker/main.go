package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/config"
	"github.com/unclebandit/rcs-dispatch/internal/db"
	"github.com/unclebandit/rcs-dispatch/internal/dedup"
	"github.com/unclebandit/rcs-dispatch/internal/handler"
	"github.com/unclebandit/rcs-dispatch/internal/logger"
	"github.com/unclebandit/rcs-dispatch/internal/mq"
	"github.com/unclebandit/rcs-dispatch/internal/notify"
	"github.com/unclebandit/rcs-dispatch/internal/repository"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

// The worker reconciles gateway callbacks that the server queued in
// webhook queue mode.
func main() {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		log.Fatal("failed to load config: ", err)
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	amqpConn, ch, err := mq.Dial(cfg.AMQP.URL)
	if err != nil {
		lg.Fatal("RabbitMQ unavailable", zap.Error(err))
	}
	defer amqpConn.Close()

	progressCh, err := amqpConn.Channel()
	if err != nil {
		lg.Fatal("failed to open progress channel", zap.Error(err))
	}
	if err := mq.DeclareFanout(progressCh, cfg.AMQP.ProgressExchange); err != nil {
		lg.Fatal("failed to declare progress exchange", zap.Error(err))
	}

	recorder := &service.Recorder{
		Results:   &repository.DispatchResultRepository{DB: conn},
		Campaigns: &repository.CampaignRepository{DB: conn},
		Sponsors:  &repository.SponsorRepository{DB: conn},
		Notifier: notify.Multi{
			notify.NewLog(lg),
			notify.NewAMQP(mq.NewPublisher(progressCh, cfg.AMQP.ProgressExchange, ""), lg),
		},
		Log: lg,
	}
	reconciler := service.NewReconciler(recorder, dedup.NewRedis(rdb, cfg.Redis.DedupTTL, lg), lg)

	q, err := mq.DeclareQueue(ch, cfg.AMQP.CallbackQueue)
	if err != nil {
		lg.Fatal("failed to declare callback queue", zap.Error(err))
	}
	if err := ch.Qos(10, 0, false); err != nil {
		lg.Fatal("failed to set prefetch", zap.Error(err))
	}
	deliveries, err := ch.Consume(
		q.Name,
		"callback-worker",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		lg.Fatal("failed to register consumer", zap.Error(err))
	}

	consumer := newCallbackConsumer(reconciler, mq.NewPublisher(ch, "", q.Name), cfg.AMQP.MaxRedeliveries, lg)

	lg.Info("worker running, waiting for callbacks", zap.String("queue", q.Name))
	consumer.Run(ctx, deliveries)
}

func newCallbackConsumer(reconciler handler.EventApplier, republish *mq.Publisher, maxRedeliveries int, lg *zap.Logger) *mq.Consumer {
	return mq.NewConsumer(handler.ConsumeCallback(reconciler, lg), republish, maxRedeliveries, lg)
}
