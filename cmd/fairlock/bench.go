package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
)

// benchResult collects what the workers observed inside the critical section.
type benchResult struct {
	acquired   atomic.Int64
	inside     atomic.Int32
	overlaps   atomic.Int64
	reorders   atomic.Int64
	mu         sync.Mutex
	lastToken  lock.Ticket
	firstGrant bool
}

// record checks grant order. Tickets are granted in increasing order and
// restart from zero only when the lock went idle.
func (r *benchResult) record(t lock.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstGrant && t != 0 && t <= r.lastToken {
		r.reorders.Inc()
	}
	r.firstGrant = true
	r.lastToken = t
}

var benchCmd = &cobra.Command{
	Use:   "bench <lock>",
	Short: "Hammer a lock from concurrent sessions",
	Long: `Run --workers sessions that each acquire and release the lock --rounds
times. Reports throughput and fails if two holders ever overlapped or a
ticket was granted out of order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workers := viper.GetInt("workers")
		rounds := viper.GetInt("rounds")
		hold := viper.GetDuration("hold")

		kit, err := openKit()
		if err != nil {
			return err
		}
		defer kit.Close()
		m, err := kit.NewMutex(args[0])
		if err != nil {
			return err
		}

		var res benchResult
		g, ctx := errgroup.WithContext(cmd.Context())
		start := time.Now()
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				s, err := kit.NewSession(ctx, sessionOptions()...)
				if err != nil {
					return err
				}
				defer s.Close(context.Background())
				for j := 0; j < rounds; j++ {
					h, err := m.Acquire(ctx, s)
					if err != nil {
						return err
					}
					if res.inside.Inc() > 1 {
						res.overlaps.Inc()
					}
					res.record(h.Token())
					if hold > 0 {
						time.Sleep(hold)
					}
					res.inside.Dec()
					res.acquired.Inc()
					if err := h.Release(ctx); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		n := res.acquired.Load()
		fmt.Printf("workers:    %d\n", workers)
		fmt.Printf("grants:     %d in %s\n", n, elapsed.Round(time.Millisecond))
		fmt.Printf("throughput: %.2f grants/s\n", float64(n)/elapsed.Seconds())
		fmt.Printf("overlaps:   %d\n", res.overlaps.Load())
		fmt.Printf("reorders:   %d\n", res.reorders.Load())
		if res.overlaps.Load() > 0 || res.reorders.Load() > 0 {
			return fmt.Errorf("lock guarantees violated")
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("workers", 8, wrapString("number of concurrent sessions"))
	benchCmd.Flags().Int("rounds", 50, wrapString("acquisitions per session"))
	benchCmd.Flags().Duration("hold", 0, wrapString("time spent inside the critical section"))
}
