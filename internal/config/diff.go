package config

import (
	"reflect"
	"sort"

	"notifyd/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields
// describing the new values. Token and header values are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level), logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
		)
	}
	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs, logx.String("digest.window", newCfg.Digest.Window), logx.String("digest.tick", newCfg.Digest.Tick))
	}
	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
	}
	if oldCfg.Preferences != newCfg.Preferences {
		changed = append(changed, "preferences")
		attrs = append(attrs, logx.String("preferences.path", newCfg.Preferences.Path))
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled), logx.String("pprof.addr", newCfg.Pprof.Addr), logx.Secret("pprof.token", newCfg.Pprof.Token))
	}

	var chans []string
	for name, nc := range newCfg.Channels {
		if oc, ok := oldCfg.Channels[name]; !ok || !reflect.DeepEqual(oc, nc) {
			chans = append(chans, name)
		}
	}
	for name := range oldCfg.Channels {
		if _, ok := newCfg.Channels[name]; !ok {
			chans = append(chans, name)
		}
	}
	if len(chans) > 0 {
		sort.Strings(chans)
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Any("channels.changed", chans))
	}
	return changed, attrs
}

// RequiresRestart reports whether the change touches sections that are only read at startup.
func RequiresRestart(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return oldCfg.Storage != newCfg.Storage ||
		!reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) ||
		oldCfg.Dispatch.Workers != newCfg.Dispatch.Workers ||
		oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize ||
		oldCfg.Preferences != newCfg.Preferences ||
		oldCfg.Digest != newCfg.Digest ||
		oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		oldCfg.Pprof.Addr != newCfg.Pprof.Addr ||
		oldCfg.Pprof.Token != newCfg.Pprof.Token ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure
}
