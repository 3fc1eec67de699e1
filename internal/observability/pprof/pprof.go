// Package pprof exposes runtime profiles on an optional side listener.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"

	"notifyd/internal/httpapi"
	"notifyd/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the profiling listener.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Validate checks the listener settings. A disabled config is always valid.
func (c Config) Validate() error {
	if c.MutexProfileFraction < 0 {
		return fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if c.BlockProfileRate < 0 {
		return fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if !c.Enabled {
		return nil
	}
	addr := c.addr()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", addr, err)
	}
	if strings.TrimSpace(c.Token) == "" && !c.AllowInsecure && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

// ApplyRates sets the runtime mutex and block profiling rates. 0 turns them off.
func ApplyRates(c Config) {
	runtime.SetMutexProfileFraction(c.MutexProfileFraction)
	runtime.SetBlockProfileRate(c.BlockProfileRate)
}

// Handler serves /debug/pprof/* and /healthz behind the optional bearer token.
func Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(withAuth(token))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

// Serve runs the listener until ctx is done.
func Serve(ctx context.Context, c Config, log logx.Logger) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AllowInsecure && strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(c.addr()) {
		log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", c.addr()))
	}
	ApplyRates(c)
	// Profiles stream for up to the requested seconds, so no write timeout.
	srv := httpapi.NewServer(c.addr(), Handler(c.Token), 0, 0, log)
	return srv.Serve(ctx)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
