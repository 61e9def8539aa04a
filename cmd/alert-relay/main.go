package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dealbridge/backend/internal/config"
	"github.com/dealbridge/backend/internal/db"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/services"
	"go.uber.org/zap"
)

// Alert relay subscribes to the operator alert channel and forwards every
// alert to ALERT_WEBHOOK_URL. Without a webhook alerts are only logged.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)

	var client *services.AlertClient
	if cfg.AlertWebhookURL != "" {
		client = services.NewAlertClient(cfg.AlertWebhookURL, cfg.AlertWebhookTimeout, cfg.AlertRelayRetryBackoff, log)
	}

	// Deliveries run one at a time so the webhook sees alerts in order.
	queue := make(chan events.Event, 256)
	go func() {
		for event := range queue {
			if err := client.Send(ctx, event); err != nil && ctx.Err() == nil {
				log.Error("alert dropped", zap.Any("payload", event.Payload), zap.Error(err))
			}
		}
	}()

	err = subscriber.Subscribe(ctx, events.ChannelAlerts, func(event events.Event) {
		log.Warn("alert",
			zap.Any("kind", event.Payload["kind"]),
			zap.Any("deal_id", event.Payload["deal_id"]),
			zap.Any("message", event.Payload["message"]),
		)
		if client == nil {
			return
		}
		select {
		case queue <- event:
		default:
			log.Error("alert queue full, dropping", zap.Any("kind", event.Payload["kind"]))
		}
	})
	if err != nil {
		log.Fatal("failed to subscribe to alerts", zap.Error(err))
	}

	log.Info("alert-relay started", zap.Bool("webhook", client != nil))
	<-ctx.Done()
	log.Info("shutting down alert-relay")
}
