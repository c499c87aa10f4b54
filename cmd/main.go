package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"lab-notification-service/internal/api"
	"lab-notification-service/internal/config"
	"lab-notification-service/internal/db"
	"lab-notification-service/internal/delivery"
	"lab-notification-service/internal/escalation"
	"lab-notification-service/internal/kafka"
	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/pipeline"
	"lab-notification-service/internal/providers"
	"lab-notification-service/internal/ratelimit"
	"lab-notification-service/internal/recipients"
	"lab-notification-service/internal/rules"
	"lab-notification-service/internal/stats"
	"lab-notification-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Config load failed:", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatal("Logger init failed:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick the persistence backend.
	var st store.Store
	switch cfg.DB.Driver {
	case "postgres":
		dbConn, err := db.New(cfg.DB.DSN)
		if err != nil {
			log.Fatal("DB connect failed:", err)
		}
		defer dbConn.Close()
		if err := dbConn.Migrate(ctx); err != nil {
			log.Fatal("DB migrate failed:", err)
		}
		st = dbConn
		logger.Infof("Using postgres store")
	default:
		st = store.NewMemory()
		logger.Infof("Using in-memory store")
	}

	// Seed the limiter from persisted channel configs; later upserts through
	// the API reconfigure it live.
	limiter := ratelimit.New()
	configs, err := st.ListChannelConfigs(ctx)
	if err != nil {
		log.Fatal("Channel config load failed:", err)
	}
	for _, c := range configs {
		limiter.Configure(c.Channel, c.RateLimitPerMinute, c.RateLimitPerHour)
	}

	tracker := delivery.NewTracker(st, logger, limiter, cfg.Pipeline.WorkersPerChannel, cfg.Pipeline.QueueSize)
	inApp := providers.NewInAppSender(logger)
	tracker.RegisterSender(models.ChannelEmail, providers.NewEmailSender(cfg))
	tracker.RegisterSender(models.ChannelSMS, providers.NewSMSSender(cfg))
	tracker.RegisterSender(models.ChannelWebhook, providers.NewWebhookSender())
	tracker.RegisterSender(models.ChannelPush, providers.NewWebhookSender())
	tracker.RegisterSender(models.ChannelInApp, inApp)
	if cfg.Telegram.BotToken != "" {
		tracker.RegisterSender(models.ChannelChat, providers.NewChatSender(cfg.Telegram.BotToken))
	}

	resolver := recipients.New(st, logger)
	engine := rules.New(st, logger)
	escalator := escalation.New(st, logger, resolver, tracker, cfg.Escalation.SweepInterval)
	tracker.OnTerminalFailure(escalator.HandleTerminalFailure)
	pipe := pipeline.New(st, logger, engine, resolver, tracker, escalator, cfg.Pipeline.QueueSize, cfg.Pipeline.EventWorkers)
	agg := stats.New(st)

	var wg sync.WaitGroup
	if err := tracker.Start(ctx, &wg); err != nil {
		log.Fatal("Tracker start failed:", err)
	}
	if err := escalator.Start(ctx); err != nil {
		log.Fatal("Escalation manager start failed:", err)
	}
	pipe.Start(ctx, &wg)

	var consumer *kafka.Consumer
	if cfg.Kafka.Broker != "" {
		consumer = kafka.NewConsumer(cfg.Kafka.Broker, cfg.Kafka.Topic, cfg.Kafka.GroupID, pipe, logger)
		consumer.Start(ctx, &wg)
	} else {
		logger.Warnf("KAFKA_BROKER not set, event ingestion is HTTP only")
	}

	h := api.NewHandler(st, logger, pipe, tracker, escalator, agg, limiter, inApp)
	r := api.NewRouter(h, logger, cfg)
	go func() {
		logger.Infof("API started on %s", cfg.API.Port)
		if err := r.Run(cfg.API.Port); err != nil {
			logger.Errorf("API run failed: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Infof("Shutting down...")
	cancel()
	if consumer != nil {
		consumer.Close()
	}
	pipe.Stop()
	escalator.Stop()
	tracker.Stop()
	wg.Wait()
	logger.Infof("Service stopped")
}
