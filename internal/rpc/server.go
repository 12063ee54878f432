// Package rpc serves a small HTTP API over a running node: its status,
// entry submission and lookups, and chain blocks. Responses are JSON.
package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
)

const shutdownTimeout = 5 * time.Second

// Server is the RPC HTTP server service.
type Server struct {
	service.BaseService
	logger  log.Logger
	cfg     *config.RPCConfig
	handler http.Handler

	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer returns a server for the routes of env.
func NewServer(logger log.Logger, cfg *config.RPCConfig, env *Environment) *Server {
	logger = logger.With("module", "rpc-server")
	if env.Logger == nil {
		env.Logger = logger
	}

	var handler http.Handler = NewHandler(env)
	if cfg.IsCorsEnabled() {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: cfg.CORSAllowedMethods,
			AllowedHeaders: cfg.CORSAllowedHeaders,
		})
		handler = corsMiddleware.Handler(handler)
	}
	handler = maxBytesHandler{h: handler, n: cfg.MaxBodyBytes}
	handler = RecoverAndLogHandler(handler, logger)

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.BaseService = *service.NewBaseService(logger, "RPCServer", s)
	return s
}

// OnStart implements service.Service.
func (s *Server) OnStart(ctx context.Context) error {
	listener, err := Listen(s.cfg.ListenAddress, s.cfg.MaxOpenConnections)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		defer close(s.done)
		s.logger.Info("serving rpc", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server stopped", "err", err)
		}
	}()
	return nil
}

// OnStop implements service.Service.
func (s *Server) OnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down rpc server", "err", err)
	}
	<-s.done
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen starts a new net.Listener on the given address. Addresses have the
// form "tcp://host:port". It returns an error if the address is invalid or
// the call to Listen() fails.
func Listen(addr string, maxOpenConnections int) (net.Listener, error) {
	parts := strings.SplitN(addr, "://", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid listening address %s (use fully formed addresses, including the tcp:// prefix)", addr)
	}
	proto, addr := parts[0], parts[1]
	listener, err := net.Listen(proto, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %v", addr, err)
	}
	if maxOpenConnections > 0 {
		listener = netutil.LimitListener(listener, maxOpenConnections)
	}
	return listener, nil
}

// RecoverAndLogHandler wraps an HTTP handler, adding error logging. If the
// inner function panics, the outer function recovers, logs and sends an
// HTTP 500 error response.
func RecoverAndLogHandler(handler http.Handler, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wrap the ResponseWriter to remember the status
		rww := &responseWriterWrapper{-1, w}
		begin := time.Now()

		rww.Header().Set("X-Server-Time", fmt.Sprintf("%v", begin.Unix()))

		defer func() {
			if e := recover(); e != nil {
				logger.Error("panic in RPC HTTP handler", "err", e, "stack", string(debug.Stack()))
				if rww.Status == -1 {
					http.Error(rww, fmt.Sprintf("Internal Server Error: %v", e), http.StatusInternalServerError)
				}
			}

			if rww.Status == -1 {
				rww.Status = http.StatusOK
			}
			logger.Debug("served RPC HTTP response",
				"method", r.Method,
				"url", r.URL,
				"status", rww.Status,
				"duration", time.Since(begin).Milliseconds(),
				"remoteAddr", r.RemoteAddr,
			)
		}()

		handler.ServeHTTP(rww, r)
	})
}

// Remember the status for logging
type responseWriterWrapper struct {
	Status int
	http.ResponseWriter
}

func (w *responseWriterWrapper) WriteHeader(status int) {
	w.Status = status
	w.ResponseWriter.WriteHeader(status)
}

// implements http.Hijacker
func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

type maxBytesHandler struct {
	h http.Handler
	n int64
}

func (h maxBytesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.n > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.n)
	}
	h.h.ServeHTTP(w, r)
}
