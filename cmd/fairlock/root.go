package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const Version = "0.1.0"

var (
	tracerProvider *sdktrace.TracerProvider

	// rootCmd is the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "fairlock",
		Short: "fair distributed mutex",
		Long: fmt.Sprintf(`fairlock (v%s)

A FIFO-fair distributed lock over a coordination store. Contenders take
numbered tickets and are granted the lock strictly in ticket order.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fairlock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fairlock v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd, holdCmd, benchCmd, statusCmd, serveCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("backend", "memory", wrapString("coordination store to use (memory, redis, raft)"))
	flags.String("redis-addr", "localhost:6379", wrapString("address of the Redis server"))
	flags.String("raft-dir", "", wrapString("raft data directory, empty keeps the log in memory"))
	flags.String("raft-bind", "127.0.0.1:7946", wrapString("raft bind address, used with --raft-dir"))
	flags.String("events", "none", wrapString("bus lock notices are published on (none, memory, nats, redis, kafka)"))
	flags.String("nats-url", "nats://localhost:4222", wrapString("NATS server URL"))
	flags.String("kafka-brokers", "localhost:9092", wrapString("comma-separated list of Kafka brokers"))
	flags.Duration("session-ttl", 0, wrapString("session lease TTL, zero uses the library default"))
	flags.Bool("trace", false, wrapString("print OpenTelemetry spans to stdout"))
	flags.Bool("verbose", false, wrapString("enable debug logging"))
	_ = viper.BindPFlags(flags)
}

// initConfig loads .env files and binds FAIRLOCK_* environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("fairlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, args []string) error {
	initConfig()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if viper.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tracerProvider)
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(context.Background())
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
