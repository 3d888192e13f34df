package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"slideforge/internal/config"
	"slideforge/internal/db"
	httpapi "slideforge/internal/http"
	"slideforge/internal/ledger"
	"slideforge/internal/lock"
	"slideforge/internal/plans"
	"slideforge/internal/quota"
	"slideforge/internal/services"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	rdb, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	prices := plans.NewPriceTable(
		cfg.StripePriceStarter,
		cfg.StripePriceGrowth,
		cfg.StripePriceScale,
		cfg.StripePriceUnlimited,
	)
	svc := services.New(pool, prices)
	locker := lock.New(rdb, cfg.LockTTL(),
		lock.WithNamespace(cfg.LockNamespace),
		lock.WithRetryInterval(cfg.LockRetry()),
		lock.WithSweepMinInterval(cfg.SweepMinInterval()),
	)
	ledg := ledger.New(pool)
	gateway := quota.NewGateway(svc, ledg, locker, cfg.LockWait())

	server := httpapi.NewServer(svc, gateway, locker, ledg, prices, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
