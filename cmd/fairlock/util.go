package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/presets"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
)

const (
	// wrap is the number of characters to wrap the help text at
	wrap = 50

	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// wrapString wraps a string at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	width := 0
	for _, word := range strings.Fields(text) {
		if width > 0 && width+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
			width = 0
		}
		if width > 0 {
			line.WriteString(" ")
			width++
		}
		line.WriteString(word)
		width += len(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// openKit builds the store and notice bus selected by --backend and --events.
func openKit() (*presets.Kit, error) {
	var kit *presets.Kit
	switch backend := viper.GetString("backend"); backend {
	case "memory":
		kit = presets.NewInMemoryStandalone()
	case "redis":
		kit = presets.NewRedis(presets.RedisOptions{Addr: viper.GetString("redis-addr")})
	case "raft":
		var err error
		kit, err = presets.NewRaftSingleNode(presets.RaftOptions{
			NodeID:   "fairlock",
			BindAddr: viper.GetString("raft-bind"),
			DataDir:  viper.GetString("raft-dir"),
			Logs:     os.Stderr,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid backend %s", backend)
	}

	bus, closer, err := openBus()
	if err != nil {
		_ = kit.Close()
		return nil, err
	}
	kit.Bus = bus
	if closer != nil {
		kit.OnClose(closer)
	}
	return kit, nil
}

func openBus() (syncbus.Bus, func() error, error) {
	switch events := viper.GetString("events"); events {
	case "none":
		return nil, nil, nil
	case "memory":
		return syncbus.NewInMemoryBus(), nil, nil
	case "nats":
		nc, err := nats.Connect(viper.GetString("nats-url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(nc), breakerThreshold, breakerTimeout)
		return bus, func() error { nc.Close(); return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})
		rb := syncbus.NewRedisBus(client)
		bus := syncbus.NewCircuitBreaker(rb, breakerThreshold, breakerTimeout)
		return bus, func() error {
			_ = rb.Close()
			return client.Close()
		}, nil
	case "kafka":
		kb, err := syncbus.NewKafkaBus(strings.Split(viper.GetString("kafka-brokers"), ","), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		bus := syncbus.NewCircuitBreaker(kb, breakerThreshold, breakerTimeout)
		return bus, func() error { kb.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("invalid events bus %s", events)
	}
}

func sessionOptions() []lock.SessionOption {
	opts := []lock.SessionOption{lock.WithSessionLogger(slog.Default())}
	if ttl := viper.GetDuration("session-ttl"); ttl > 0 {
		opts = append(opts, lock.WithTTL(ttl))
	}
	return opts
}

// withKit opens the configured kit and a session, runs fn and tears both down.
func withKit(ctx context.Context, fn func(kit *presets.Kit, s *lock.Session) error) error {
	kit, err := openKit()
	if err != nil {
		return err
	}
	defer kit.Close()
	s, err := kit.NewSession(ctx, sessionOptions()...)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(cctx)
	}()
	return fn(kit, s)
}
