package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"resticserver/internal/config"
	"resticserver/internal/storage"
)

const DefaultListenAddress = "127.0.0.1:8000"

const (
	serverReadHeaderTimeout = 5 * time.Second
	serverIdleTimeout       = 60 * time.Second
	serverMaxHeaderBytes    = 1 << 20
)

// Server maps the restic REST protocol onto an ObjectStore. It holds
// no per-request state; every request is resolved independently
// against the store.
type Server struct {
	cfg     *config.Config
	store   storage.ObjectStore
	logger  *log.Logger
	creds   *htpasswdFile
	handler http.Handler
}

func New(cfg *config.Config, store storage.ObjectStore, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
	if cfg.Htpasswd != "" {
		creds, err := loadHtpasswd(cfg.Htpasswd)
		if err != nil {
			return nil, fmt.Errorf("load htpasswd: %w", err)
		}
		s.creds = creds
	}
	s.handler = s.newHandler()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	s.logger.Printf("resticserverd listening on %s", s.cfg.Listen)

	srv := s.newHTTPServer()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHTTPServer leaves the read and write timeouts unset on purpose:
// blob uploads and downloads are unbounded streams whose duration
// depends on the client's repository size.
func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
		MaxHeaderBytes:    serverMaxHeaderBytes,
	}
}

// ValidateListenAddress enforces secure-by-default binding: the
// server speaks an unauthenticated protocol unless htpasswd auth is
// configured, so non-loopback listeners require auth or an explicit
// opt-in.
func ValidateListenAddress(addr string, authEnabled, allowRemote bool) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		trimmed = DefaultListenAddress
	}

	host, _, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", trimmed, err)
	}

	if authEnabled || allowRemote {
		return trimmed, nil
	}

	if strings.EqualFold(host, "localhost") {
		return trimmed, nil
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return "", fmt.Errorf("listen address %q is not loopback; configure htpasswd auth or set allow_remote = true", trimmed)
	}
	return trimmed, nil
}
