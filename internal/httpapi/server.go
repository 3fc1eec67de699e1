package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"notifyd/pkg/logx"
)

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(addr string, h http.Handler, readTimeout, writeTimeout time.Duration, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readTimeout,
			WriteTimeout:      writeTimeout,
			ErrorLog:          logx.StdLogger(log, logx.LevelWarn),
		},
		log: log,
	}
}

// Serve listens and blocks. Cancelling ctx shuts the server down gracefully
// with a 5s budget.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return err
	}
	<-errCh
	return context.Canceled
}
