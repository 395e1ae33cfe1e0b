package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Login successful</title></head>
<body>
<h1>Authentication successful!</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

// CallbackResult carries the authorization code delivered to the local
// redirect endpoint.
type CallbackResult struct {
	Code  string
	State string
	Error string
}

// CallbackServer is a short-lived localhost HTTP server that receives the
// OAuth redirect during a CLI login.
type CallbackServer struct {
	server     *http.Server
	port       int
	path       string
	resultChan chan *CallbackResult
	errorChan  chan error
	mu         sync.Mutex
	running    bool
}

// NewCallbackServer builds a callback server listening on the given port.
// path is the redirect path registered with the provider, e.g.
// "/oauth2callback".
func NewCallbackServer(port int, path string) *CallbackServer {
	if path == "" {
		path = "/oauth2callback"
	}
	return &CallbackServer{
		port:       port,
		path:       path,
		resultChan: make(chan *CallbackResult, 1),
		errorChan:  make(chan error, 1),
	}
}

// Start begins listening. It fails fast when the fixed port is taken so the
// caller can tell the user instead of silently hanging.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("callback server already running")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d unavailable for OAuth callback: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("callback server failed: %w", errServe)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight responses.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// Wait blocks until the redirect arrives, the server fails, the timeout
// lapses or ctx is cancelled.
func (s *CallbackServer) Wait(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	select {
	case result := <-s.resultChan:
		if result.Error != "" {
			return nil, fmt.Errorf("authorization failed: %s", result.Error)
		}
		return result, nil
	case err := <-s.errorChan:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for OAuth callback")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedirectURL reports the redirect URI to register with the provider.
func (s *CallbackServer) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		log.Errorf("OAuth error received: %s", errParam)
		s.sendResult(&CallbackResult{Error: errParam})
		http.Error(w, fmt.Sprintf("OAuth error: %s", errParam), http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		s.sendResult(&CallbackResult{Error: "no_code"})
		http.Error(w, "No authorization code received", http.StatusBadRequest)
		return
	}

	s.sendResult(&CallbackResult{Code: code, State: query.Get("state")})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(callbackSuccessHTML)); err != nil {
		log.Errorf("failed to write callback success page: %v", err)
	}
}

func (s *CallbackServer) sendResult(result *CallbackResult) {
	select {
	case s.resultChan <- result:
	default:
		log.Warn("OAuth callback result channel full, result dropped")
	}
}
