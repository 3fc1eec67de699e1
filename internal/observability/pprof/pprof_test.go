package pprof

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"disabled", Config{Addr: "0.0.0.0:6060"}, nil},
		{"default addr", Config{Enabled: true}, nil},
		{"localhost", Config{Enabled: true, Addr: "localhost:7000"}, nil},
		{"public without token", Config{Enabled: true, Addr: ":6060"}, ErrInsecureBind},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"}, nil},
		{"public insecure", Config{Enabled: true, Addr: "10.0.0.1:6060", AllowInsecure: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}

	if err := (Config{Enabled: true, Addr: "nocolon"}).Validate(); err == nil {
		t.Fatalf("expected bad addr error")
	}
	if err := (Config{BlockProfileRate: -1}).Validate(); err == nil {
		t.Fatalf("expected negative rate error")
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	h := Handler("tok")
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/debug/pprof/", "", http.StatusUnauthorized},
		{"query token", "/debug/pprof/?token=tok", "", http.StatusOK},
		{"bearer", "/healthz", "Bearer tok", http.StatusOK},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("%s = %d, want %d", tc.target, rr.Code, tc.want)
			}
		})
	}
}

func TestApplyRates(t *testing.T) {
	prev := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})
	ApplyRates(Config{MutexProfileFraction: 7, BlockProfileRate: 1})
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}
}
