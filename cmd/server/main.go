package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"planwatch/internal/api"
	"planwatch/internal/broker"
	"planwatch/internal/config"
	"planwatch/internal/monitor"
	"planwatch/internal/repository"
	"planwatch/internal/service"
	"planwatch/internal/websocket"
	"planwatch/pkg/utils"
)

func main() {
	// .env опционален: в контейнере конфигурация приходит окружением
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()
	utils.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", utils.Err(err))
	}
}

func run(cfg *config.Config, logger *utils.Logger) error {
	logger.Info("starting planwatch",
		utils.String("db", cfg.Database.DSNWithoutPassword()),
		utils.String("broker", cfg.Broker.BaseURL))

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	planRepo := repository.NewPlanRepository(db)
	journalRepo := repository.NewJournalRepository(db)

	// BROKER_BASE_URL=fake включает in-memory брокер: локальная разработка
	// и стенды без доступа к реальному API
	var marketData monitor.MarketDataPort
	var orders monitor.OrderExecutionPort
	if cfg.Broker.BaseURL == "fake" {
		logger.Warn("using in-memory fake broker")
		fake := broker.NewFake()
		marketData, orders = fake, fake
	} else {
		client := broker.NewClient(cfg.Broker, logger)
		marketData, orders = client, client
	}

	hub := websocket.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	mon := monitor.NewService(cfg.Monitor, monitor.Deps{
		Persistence:  planRepo,
		Journal:      journalRepo,
		MarketData:   marketData,
		Orders:       orders,
		Notifier:     hub,
		SnapshotPath: os.Getenv("WRITE_QUEUE_SNAPSHOT"),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer mon.Stop()

	planService := service.NewPlanService(planRepo, journalRepo, mon, logger)
	router := api.NewRouter(cfg, planService, mon, hub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", utils.Err(err))
	}

	return nil
}

// openDatabase открывает пул соединений и проверяет доступность БД
func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
