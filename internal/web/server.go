// Package web serves the observer API: flows, their progress and health,
// live agents, scheduled goals and a WebSocket feed of swarm events.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/natsbus"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/mtzanidakis/swarmflow/internal/vault"
	"github.com/nats-io/nats.go"
)

// Runner starts flows submitted through the API.
type Runner interface {
	Run(ctx context.Context, goal string) (*models.Flow, error)
}

type Server struct {
	store     *store.Store
	orch      *swarm.Orchestrator
	runner    Runner
	vault     *vault.Vault
	events    *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	// runs is the parent of flows started over the API.
	runs   context.Context
	runsWG sync.WaitGroup
}

type Options struct {
	Orchestrator *swarm.Orchestrator
	Runner       Runner
	Vault        *vault.Vault    // nil disables writing secrets
	Events       *natsbus.Client // nil feeds the hub from the orchestrator
	Version      string
}

func NewServer(s *store.Store, cfg config.WebConfig, opts Options) *Server {
	return &Server{
		store:     s,
		orch:      opts.Orchestrator,
		runner:    opts.Runner,
		vault:     opts.Vault,
		events:    opts.Events,
		hub:       NewHub(),
		cfg:       cfg,
		version:   opts.Version,
		startedAt: time.Now(),
		runs:      context.Background(),
	}
}

// Handler returns the API with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

// Start serves until ctx is cancelled, then waits for flows started over the
// API to wind down.
func (s *Server) Start(ctx context.Context) error {
	s.runs = ctx
	go s.hub.Run(ctx)
	if err := s.subscribeEvents(); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	err := server.ListenAndServe()
	s.runsWG.Wait()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="swarmflow"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts Basic Auth with any user name and the configured
// password.
func (s *Server) authorized(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// subscribeEvents feeds the hub. The bus carries schedule events as well as
// flow events; without it only the local orchestrator is heard.
func (s *Server) subscribeEvents() error {
	if s.events == nil {
		if s.orch != nil {
			s.orch.Subscribe(func(e swarm.Event) {
				s.hub.BroadcastJSON(natsbus.TopicEventsFlow(e.FlowID), e)
			})
		}
		return nil
	}
	_, err := s.events.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		s.hub.Broadcast(Message{Topic: msg.Subject, Event: msg.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
