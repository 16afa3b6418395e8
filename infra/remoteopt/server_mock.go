package remoteopt

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	coreopt "github.com/fdcrail/railsched/core/remoteopt"
	"github.com/fdcrail/railsched/infra/logger"
)

// ServerMock serves canned optimization responses for local runs and tests.
type ServerMock struct {
	addr string
	log  logger.Logger
	srv  *http.Server

	mu       sync.Mutex
	reply    coreopt.Response
	requests []coreopt.Request
}

// NewServerMock creates a mock listening on addr once started. The default
// reply is an empty, zero-confidence response.
func NewServerMock(addr string) *ServerMock {
	return &ServerMock{addr: addr, log: logger.New("remoteopt-mock")}
}

// SetReply configures the response returned to subsequent calls.
func (s *ServerMock) SetReply(resp coreopt.Response) {
	s.mu.Lock()
	s.reply = resp
	s.mu.Unlock()
}

// Requests returns a copy of the received requests.
func (s *ServerMock) Requests() []coreopt.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coreopt.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Handler returns the HTTP handler, usable directly with httptest.
func (s *ServerMock) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/optimize", s.handleOptimize)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("pong")); err != nil {
			s.log.Errorf("write pong: %v", err)
		}
	})
	return mux
}

func (s *ServerMock) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req coreopt.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	reply := s.reply
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.log.Errorf("encode reply: %v", err)
	}
}

// Start serves until the context is cancelled.
func (s *ServerMock) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("mock shutdown: %v", err)
		}
	}()
	s.log.Infof("optimization mock listening on %s", s.addr)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the listening address once Start has been called.
func (s *ServerMock) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
