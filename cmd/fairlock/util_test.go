package main

import (
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
)

func TestWrapString(t *testing.T) {
	out := wrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(out, "\n") {
		if len(line) > wrap {
			t.Fatalf("line longer than %d: %q", wrap, line)
		}
	}
}

func TestBenchResultRecord(t *testing.T) {
	var r benchResult
	for _, tk := range []uint64{0, 1, 2, 0, 1, 3} {
		r.record(lock.Ticket(tk))
	}
	if r.reorders.Load() != 0 {
		t.Fatalf("unexpected reorders %d", r.reorders.Load())
	}
	r.record(2)
	if r.reorders.Load() != 1 {
		t.Fatalf("expected a reorder, got %d", r.reorders.Load())
	}
}

func TestOpenKitSelectsBackend(t *testing.T) {
	viper.Reset()
	viper.Set("backend", "memory")
	viper.Set("events", "memory")
	kit, err := openKit()
	if err != nil {
		t.Fatalf("open kit: %v", err)
	}
	if kit.Bus == nil {
		t.Fatal("expected an in-memory bus")
	}
	_ = kit.Close()

	viper.Set("events", "none")
	kit, err = openKit()
	if err != nil {
		t.Fatalf("open kit: %v", err)
	}
	if kit.Bus != nil {
		t.Fatal("expected no bus")
	}
	_ = kit.Close()

	viper.Set("backend", "etcd")
	if _, err := openKit(); err == nil {
		t.Fatal("expected invalid backend error")
	}
	viper.Reset()
}
