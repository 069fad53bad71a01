package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-teamchat/internal/api"
	"github.com/npezzotti/go-teamchat/internal/config"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/dedupe"
	"github.com/npezzotti/go-teamchat/internal/logger"
	"github.com/npezzotti/go-teamchat/internal/notify"
	"github.com/npezzotti/go-teamchat/internal/server"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"go.uber.org/zap"
)

var (
	configFile string
	envFile    string
)

func main() {
	flag.StringVar(&configFile, "config", "", "path to a YAML config file")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "teamchat:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}

	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			log.Error("db close", zap.Error(err))
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	opts := server.Options{IdleRoomTimeout: cfg.IdleRoomTimeout}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := dedupe.NewRedisClient(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		opts.Dedupe = dedupe.NewRedis(rdb, dedupe.DefaultTTL)
		log.Info("send dedupe backed by redis", zap.String("addr", cfg.RedisAddr))
	}

	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer pub.Close()
		opts.Notify = pub
		log.Info("publishing message notifications", zap.String("exchange", notify.Exchange))
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, "teamchat")

	chatServer, err := server.NewChatServer(log, dbConn, statsUpdater, opts)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewTeamChatApp(mux, log, chatServer, dbConn, statsUpdater, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server", zap.Error(err))
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	log.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
