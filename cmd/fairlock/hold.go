package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/presets"
)

var holdCmd = &cobra.Command{
	Use:   "hold <lock>",
	Short: "Acquire a lock, hold it, then release it",
	Long: `Acquire the named lock, waiting in line if it is held, keep it for the
duration given by --for (or until interrupted) and release it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withKit(ctx, func(kit *presets.Kit, s *lock.Session) error {
			m, err := kit.NewMutex(args[0])
			if err != nil {
				return err
			}
			start := time.Now()
			h, err := m.Acquire(ctx, s)
			if err != nil {
				return fmt.Errorf("acquire: %w", err)
			}
			fmt.Printf("acquired %s with ticket %d after %s\n", m.Name(), h.Token(), time.Since(start).Round(time.Millisecond))

			timer := time.NewTimer(viper.GetDuration("for"))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			case <-s.Done():
				return fmt.Errorf("session lost while holding %s: %w", m.Name(), s.Err())
			}

			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Release(rctx); err != nil {
				return fmt.Errorf("release: %w", err)
			}
			fmt.Printf("released %s\n", m.Name())
			return nil
		})
	},
}

func init() {
	holdCmd.Flags().Duration("for", 10*time.Second, wrapString("how long to hold the lock"))
}
