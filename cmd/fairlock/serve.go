package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fairlock/v1/inspect"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
	"github.com/mirkobrombin/go-fairlock/v1/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics, lock status and notice streams over HTTP",
	Long: `Serve /metrics (Prometheus), /status?lock=<name> (JSON snapshot),
/events?lock=<name> (Server-Sent Events) and /ws?lock=<name> (WebSocket).
With --validate set, the locks listed in --locks are checked periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		kit, err := openKit()
		if err != nil {
			return err
		}
		defer kit.Close()
		if kit.Bus == nil {
			kit.Bus = syncbus.NewInMemoryBus()
		}

		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)

		status := inspect.StatusHandler(kit.Store)
		defer status.Close()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/status", status)
		mux.Handle("/events", inspect.SSEHandler(kit.Bus))
		mux.Handle("/ws", inspect.WebSocketHandler(kit.Bus))

		if mode, ok := validateModes[viper.GetString("validate")]; ok && mode != validator.ModeNoop {
			var locks []*lock.Mutex
			for _, name := range strings.Split(viper.GetString("locks"), ",") {
				if name = strings.TrimSpace(name); name == "" {
					continue
				}
				m, err := lock.NewMutex(name)
				if err != nil {
					return err
				}
				locks = append(locks, m)
			}
			v := validator.New(kit.Store, locks, mode, viper.GetDuration("validate-interval"))
			go v.Run(ctx)
		}

		srv := &http.Server{Addr: viper.GetString("addr"), Handler: mux}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		slog.Info("fairlock: serving", "addr", srv.Addr, "backend", viper.GetString("backend"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

var validateModes = map[string]validator.Mode{
	"none":  validator.ModeNoop,
	"alert": validator.ModeAlert,
	"heal":  validator.ModeAutoHeal,
}

func init() {
	serveCmd.Flags().String("addr", ":2112", wrapString("HTTP listen address"))
	serveCmd.Flags().String("locks", "", wrapString("comma-separated locks to validate"))
	serveCmd.Flags().String("validate", "none", wrapString("validator mode (none, alert, heal)"))
	serveCmd.Flags().Duration("validate-interval", 10*time.Second, wrapString("how often locks are validated"))
}
