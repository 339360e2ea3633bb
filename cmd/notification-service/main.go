package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/app"
	"github.com/vladislavdragonenkov/orderpipe/internal/version"
)

func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(app.ParseLogLevel(level))
}

func main() {
	cfg, err := app.LoadNotificationServiceConfig()
	setupLogger(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"queues":       cfg.ConsumerConfig().Queues,
		"metrics_addr": cfg.MetricsAddr,
		"dedup":        cfg.DedupDriver,
	}).WithFields(version.LogFields()).Info("запускаем notification-service")

	if err := app.RunNotificationService(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("notification-service остановлен")
}
