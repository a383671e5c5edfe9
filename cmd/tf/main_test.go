package main

import (
	"testing"

	"github.com/spf13/viper"

	"taskflow/internal/config"
	"taskflow/internal/domain"
)

func TestParseColumn(t *testing.T) {
	cases := map[string]domain.Column{
		"1":           domain.ColumnToDo,
		"in_progress": domain.ColumnInProgress,
		"5":           domain.ColumnDone,
		"blocked":     domain.ColumnBlocked,
	}
	for in, want := range cases {
		got, err := parseColumn(in)
		if err != nil || got != want {
			t.Fatalf("parseColumn(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "0", "9", "archived"} {
		if _, err := parseColumn(bad); err == nil {
			t.Fatalf("parseColumn(%q) should fail", bad)
		}
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("")
	if err != nil || got != nil {
		t.Fatalf("empty input should be nil, got %v %v", got, err)
	}
	got, err = parseTime("2024-02-03")
	if err != nil || got.Day() != 3 || got.Month() != 2 {
		t.Fatalf("date form: %v %v", got, err)
	}
	if _, err := parseTime("tomorrow"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("locks.backend", config.LockBackendRedis)
	viper.Set("locks.redis_addr", "cache:6379")
	viper.Set("log.level", "debug")

	cfg, err := loadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Locks.Backend != config.LockBackendRedis || cfg.Locks.RedisAddr != "cache:6379" || cfg.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Tasks.DefaultWindowDays != 7 {
		t.Fatalf("file defaults lost: %+v", cfg.Tasks)
	}

	if cfg.Metrics.Out != "" {
		t.Fatalf("metrics export should be off by default, got %q", cfg.Metrics.Out)
	}
	viper.Set("metrics.out", "/var/lib/node_exporter/taskflow.prom")
	cfg, err = loadConfig(t.TempDir())
	if err != nil || cfg.Metrics.Out != "/var/lib/node_exporter/taskflow.prom" {
		t.Fatalf("metrics.out override: %v %+v", err, cfg.Metrics)
	}

	viper.Set("locks.redis_addr", "")
	if _, err := loadConfig(t.TempDir()); err == nil {
		t.Fatalf("redis backend without an address should fail validation")
	}
}

func TestJoinIDs(t *testing.T) {
	if got := joinIDs([]int64{3, 1}); got != "3,1" {
		t.Fatalf("got %q", got)
	}
	if got := joinIDs(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
