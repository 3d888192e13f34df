// quotactl is the operator tool for the credit lock namespace. It talks
// to Redis directly so recovery works even when the API is wedged behind
// the very locks being cleared.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"slideforge/internal/config"
	"slideforge/internal/db"
	"slideforge/internal/lock"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	cfg := config.Load()

	var redisAddr string

	rootCmd := &cobra.Command{
		Use:   "quotactl",
		Short: "Operate on slideforge credit locks",
	}
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", cfg.RedisAddr, "redis address")

	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and recover credit locks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List currently held credit locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, cleanup, err := connect(cfg, redisAddr)
			if err != nil {
				return err
			}
			defer cleanup()

			held, err := locker.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(held) == 0 {
				fmt.Println("no locks held")
				return nil
			}
			for _, h := range held {
				fmt.Printf("%s\towner=%s\tttl=%s\n", h.Key, h.Token, h.TTL)
			}
			fmt.Printf("%d lock(s) held\n", len(held))
			return nil
		},
	}

	var reason string
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force-delete all held credit locks (recovery only)",
		Long: `Force-delete every key in the credit lock namespace.

Only run this after confirming no in-flight request owns the locks:
it trades a window of unsynchronized credit accounting for availability.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required: record why the sweep was needed")
			}
			locker, cleanup, err := connect(cfg, redisAddr)
			if err != nil {
				return err
			}
			defer cleanup()

			removed, err := locker.Sweep(cmd.Context(), reason)
			if err != nil {
				return err
			}
			for _, key := range removed {
				fmt.Println(key)
			}
			fmt.Printf("removed %d lock(s)\n", len(removed))
			return nil
		},
	}
	sweepCmd.Flags().StringVar(&reason, "reason", "", "why the sweep is being run (audit log)")

	locksCmd.AddCommand(listCmd, sweepCmd)
	rootCmd.AddCommand(locksCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("quotactl: %v", err)
	}
}

func connect(cfg config.Config, redisAddr string) (*lock.Locker, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := db.NewRedis(ctx, redisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	locker := lock.New(rdb, cfg.LockTTL(),
		lock.WithNamespace(cfg.LockNamespace),
		lock.WithSweepMinInterval(0),
	)
	return locker, func() { rdb.Close(); cancel() }, nil
}
