// Package callback receives OAuth redirects on a loopback address.
package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mochi-neko/fars-sub000/oauth"
)

// ErrNoCallback is returned when Wait ends before a redirect arrives.
var ErrNoCallback = errors.New("no callback received")

// ProviderError is an error the provider reported in the redirect query.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "provider returned " + e.Code
	}
	return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
}

// Result is the query of the first redirect the listener received.
type Result struct {
	Code  oauth.AuthorizationCode
	State oauth.CSRFState
	Err   *ProviderError
}

// Config configures a Listener.
type Config struct {
	// ListenAddr must be a loopback host:port. Port 0 picks a free port.
	ListenAddr string
	Path       string
	Logger     *slog.Logger
}

// Listener serves a single OAuth redirect.
type Listener struct {
	path    string
	logger  *slog.Logger
	ln      net.Listener
	srv     *http.Server
	results chan Result
}

// Listen binds the loopback address and starts serving.
func Listen(cfg Config) (*Listener, error) {
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen addr: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("listen addr %s is not a loopback address", cfg.ListenAddr)
	}
	path := cfg.Path
	if path == "" {
		path = "/callback"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	l := &Listener{
		path:    path,
		logger:  logger,
		ln:      ln,
		results: make(chan Result, 1),
	}
	l.srv = &http.Server{
		Handler:           l.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("callback.serve", "error", err)
		}
	}()
	logger.Info("callback.listening", "url", l.URL())
	return l, nil
}

func (l *Listener) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(l.path, l.handleRedirect)
	return r
}

func (l *Listener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := Result{
		Code:  oauth.AuthorizationCode(q.Get("code")),
		State: oauth.CSRFState(q.Get("state")),
	}
	if code := q.Get("error"); code != "" {
		res.Err = &ProviderError{Code: code, Description: q.Get("error_description")}
	} else if res.Code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	select {
	case l.results <- res:
	default:
		http.Error(w, "callback already received", http.StatusConflict)
		return
	}
	l.logger.Debug("callback.received", "has_error", res.Err != nil)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.Err != nil {
		fmt.Fprintln(w, "Sign-in failed. You can close this window.")
		return
	}
	fmt.Fprintln(w, "Sign-in complete. You can close this window.")
}

// URL is the redirect URL to register with the provider.
func (l *Listener) URL() string {
	return "http://" + l.ln.Addr().String() + l.path
}

// Wait blocks until the first redirect arrives or ctx ends. A redirect
// carrying an error query returns the Result together with its ProviderError.
func (l *Listener) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-l.results:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrNoCallback, ctx.Err())
	}
}

// Close stops the listener.
func (l *Listener) Close(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}
