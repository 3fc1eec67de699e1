package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyd/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: ":9090"
storage:
  driver: sqlite
  path: ./ledger.db
dispatch:
  workers: 2
  max_attempts: 5
channels:
  webhook:
    kind: webhook
    url: "${NOTIFYD_TEST_HOOK}"
preferences:
  path: ./prefs.yaml
`

func TestParseYAMLExpandsEnv(t *testing.T) {
	t.Setenv("NOTIFYD_TEST_HOOK", "https://hooks.example.com/x")
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes error: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatch.MaxAttempts != 5 || cfg.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Channels["webhook"].URL; got != "https://hooks.example.com/x" {
		t.Fatalf("webhook url = %q", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := ParseBytes("config.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := ParseBytes("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Setenv("NOTIFYD_A", "x")
	got := string(ExpandEnv([]byte(`a=${NOTIFYD_A} b=$NOTIFYD_A c=${NOTIFYD_UNSET_ZZ}`)))
	if got != "a=x b=$NOTIFYD_A c=" {
		t.Fatalf("ExpandEnv = %q", got)
	}
}

func TestReloadSkipsUnchangedAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"dispatch":{"workers":1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Dispatch.Workers > 8 {
			return os.ErrInvalid
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"dispatch":{"workers":99}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Dispatch.Workers != 1 {
		t.Fatalf("rejected config was committed")
	}

	if err := os.WriteFile(path, []byte(`{"dispatch":{"workers":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Dispatch.Workers != 3 {
			t.Fatalf("published workers = %d", cfg.Dispatch.Workers)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}, Channels: map[string]ChannelConfig{"email": {Kind: "log"}}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Channels: map[string]ChannelConfig{"email": {Kind: "webhook"}, "sms": {Kind: "log"}}}
	changed, _ := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "logging,channels" {
		t.Fatalf("changed = %v", changed)
	}
	if RequiresRestart(a, b) {
		t.Fatal("logging and channel changes apply live")
	}
	if !RequiresRestart(a, &Config{Logging: a.Logging, Channels: a.Channels, Digest: DigestConfig{Window: "@daily"}}) {
		t.Fatal("digest window change should require restart")
	}
	rates := &Config{Logging: a.Logging, Channels: a.Channels, Pprof: PprofConfig{BlockProfileRate: 1}}
	if RequiresRestart(a, rates) {
		t.Fatal("pprof rates apply live")
	}
	if changed, _ := SummarizeChange(a, rates); strings.Join(changed, ",") != "pprof" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("dispatch.retry_base", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected invalid duration error")
	}
	for raw, want := range map[string]time.Duration{
		"1d":    24 * time.Hour,
		"2d12h": 60 * time.Hour,
		"90m":   90 * time.Minute,
		" 0d ":  0,
		"1d30s": 24*time.Hour + 30*time.Second,
	} {
		got, err := ParseDurationField("ingest.dedup_window", raw)
		if err != nil || got != want {
			t.Errorf("%q = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseDurationField("x", "xd"); err == nil {
		t.Fatal("expected bad day count error")
	}
}

func TestWatchFileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = WatchFile(ctx, path, logx.Nop(), func() { fired <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(600 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-fired:
			cancel()
			<-done
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte(`{"x":1}`), 0o644)
		case <-deadline:
			t.Fatal("watch did not fire")
		}
	}
}
