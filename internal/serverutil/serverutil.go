package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/devterm/pkg/lg"
)

const maxRequestBytes = 1 << 20

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          lg.Logger
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8081",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer listens on the configured port and serves handler until ctx ends,
// then shuts down gracefully.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig) error {
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}
	ln, err := net.Listen("tcp", ":"+config.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", config.Port, err)
	}
	return Serve(ctx, ln, handler, config)
}

// Serve is RunServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig) error {
	logger := lg.OrDiscard(config.Logger)
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("addr", ln.Addr().String()))
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server stopping")
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultServerConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// Validator is implemented by request types that can check themselves.
type Validator interface {
	Validate() error
}

type requestKey struct{}

// ValidationHandler decodes a JSON request body into T, validates it and
// passes it to the next handler through the request context.
type ValidationHandler[T any] struct {
	next http.Handler
}

func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var request T
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxRequestBytes)).Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if v, ok := any(request).(Validator); ok {
		if err := v.Validate(); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFromContext returns the request stored by ValidationHandler[T].
func RequestFromContext[T any](ctx context.Context) (T, bool) {
	request, ok := ctx.Value(requestKey{}).(T)
	return request, ok
}

// HealthHandler answers GET with the JSON encoding of status().
func HealthHandler(status func() any) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(status()); err != nil {
			lg.FromContext(r.Context()).Warn("health response", lg.Err(err))
		}
	})
}
