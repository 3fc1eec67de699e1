package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/channels"
	"notifyd/internal/config"
	"notifyd/internal/digest"
	"notifyd/internal/dispatch"
	"notifyd/internal/ledger"
	"notifyd/internal/model"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/pipeline"
	"notifyd/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	defaultHTTPAddr     = "127.0.0.1:8080"
	defaultDigestTick   = time.Minute
	defaultSQLiteBusy   = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 15 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (ledger.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return ledger.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return ledger.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return ledger.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return ledger.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultSQLiteBusy)
		if err != nil {
			return ledger.Config{}, err
		}
		return ledger.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return ledger.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	switch {
	case dc.Workers < 0:
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	case dc.QueueSize < 0:
		return dispatch.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	case dc.RatePerSec < 0:
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	case dc.MaxAttempts < 0:
		return dispatch.Config{}, fmt.Errorf("dispatch.max_attempts must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, dispatch.DefaultRetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, dispatch.DefaultRetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.attempt_timeout", dc.AttemptTimeout, dispatch.DefaultAttemptTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:        dc.Workers,
		QueueSize:      dc.QueueSize,
		RatePerSec:     dc.RatePerSec,
		MaxAttempts:    dc.MaxAttempts,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		AttemptTimeout: timeout,
	}, nil
}

type digestSettings struct {
	window      cron.Schedule
	tick        time.Duration
	defaultTime string
}

func mapDigest(cfg *config.Config) (digestSettings, error) {
	dc := cfg.Digest
	spec := strings.TrimSpace(dc.Window)
	if spec == "" {
		spec = digest.DefaultWindow
	}
	window, err := digest.ParseWindow(spec)
	if err != nil {
		return digestSettings{}, fmt.Errorf("digest.window: %w", err)
	}
	tick, err := config.ParseDurationOrDefault("digest.tick", dc.Tick, defaultDigestTick)
	if err != nil {
		return digestSettings{}, err
	}
	if tick < digest.MinTick {
		tick = digest.MinTick
	}
	dt := strings.TrimSpace(dc.DefaultTime)
	if dt != "" {
		if _, _, err := model.ParseClock(dt); err != nil {
			return digestSettings{}, fmt.Errorf("digest.default_time: %w", err)
		}
	}
	return digestSettings{window: window, tick: tick, defaultTime: dt}, nil
}

func mapIngest(cfg *config.Config) (pipeline.Config, error) {
	ic := cfg.Ingest
	if ic.DedupMaxEntries < 0 {
		return pipeline.Config{}, fmt.Errorf("ingest.dedup_max_entries must be >= 0")
	}
	window, err := config.ParseDurationOrDefault("ingest.dedup_window", ic.DedupWindow, pipeline.DefaultDedupWindow)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{DedupWindow: window, DedupMaxEntries: ic.DedupMaxEntries}, nil
}

func mapChannels(cfg *config.Config) (map[model.Channel]channels.Spec, error) {
	out := make(map[model.Channel]channels.Spec, len(cfg.Channels))
	for name, cc := range cfg.Channels {
		ch, err := model.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", name, err)
		}
		timeout, err := config.ParseDurationOrDefault("channels."+name+".timeout", cc.Timeout, 0)
		if err != nil {
			return nil, err
		}
		out[ch] = channels.Spec{Kind: cc.Kind, URL: cc.URL, Token: cc.Token, Headers: cc.Headers, Timeout: timeout}
	}
	return out, nil
}

type httpSettings struct {
	enabled      bool
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	corsOrigins  []string
	metrics      bool
}

func mapHTTP(cfg *config.Config) (httpSettings, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, defaultReadTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, defaultWriteTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return httpSettings{enabled: hc.Enabled, addr: addr, readTimeout: rt, writeTimeout: wt, corsOrigins: hc.CORSOrigins, metrics: hc.Metrics}, nil
}

func mapPprof(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
	return out, out.Validate()
}

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapDigest(cfg); err != nil {
		return err
	}
	if _, err := mapIngest(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapPprof(cfg); err != nil {
		return err
	}
	specs, err := mapChannels(cfg)
	if err != nil {
		return err
	}
	// Building validates adapter kinds and credentials without sending anything.
	if _, err := channels.Build(specs, logx.Nop()); err != nil {
		return err
	}
	return nil
}
