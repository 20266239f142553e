package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	seedFile := flag.String("seed", "", "load products from a semicolon separated file and exit")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for ADMIN_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := HashPassword(*hashPassword)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := NewPostgresStorage(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Fatalf("init schema: %v", err)
	}

	if *seedFile != "" {
		n, err := store.SeedWithData(ctx, *seedFile)
		if err != nil {
			logger.Fatalf("seed: %v", err)
		}
		logger.WithField("products", n).Info("catalog seeded")
		return
	}

	var sessions SessionStore
	if cfg.RedisAddr != "" {
		rs, err := NewRedisSessionStore(cfg)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rs.Close()
		sessions = rs
	} else {
		sessions = NewMemorySessionStore(cfg.SessionTTL)
	}

	var gateway PaymentGateway
	switch cfg.Gateway {
	case "stripe":
		gateway = NewStripeGateway(cfg)
	default:
		gateway = NewYooKassaClient(cfg)
	}
	payments := NewPaymentManager(gateway, store, cfg, logger)
	reconciler := NewReconciler(store, cfg.Pricing, nil, logger)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatalf("telegram: %v", err)
	}
	logger.WithField("bot", api.Self.UserName).Info("authorized")

	bot := NewBot(api, store, sessions, payments, reconciler, cfg, logger)
	reconciler.SetNotifier(bot)

	server := NewAPIServer(cfg.ListenAddr, store, gateway, reconciler, NewAuth(cfg), cfg.Loc, logger)
	jobs := NewJobs(store, payments, reconciler, cfg.Loc, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		jobs.Run(ctx)
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	if err := bot.Run(ctx, updates); err != nil {
		logger.Errorf("bot: %v", err)
	}
	api.StopReceivingUpdates()
	stop()
	wg.Wait()
	logger.Info("shutdown complete")
}
