package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"stringcomm/internal/config"
)

func TestRootRejectsUnknownStore(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"--store", "redis"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown store") {
		t.Fatalf("want unknown store error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg, err := config.LoadLighthouse("")
	if err != nil {
		t.Fatalf("LoadLighthouse: %v", err)
	}
	cfg.Listen = "127.0.0.1:0"
	cfg.Store = config.StoreMemory

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
