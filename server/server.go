// Package server exposes the card transactions over a websocket API and
// mounts the phone relay endpoint.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds the server configuration
type Config struct {
	Sessions  nfc.SessionManager
	Options   nfc.Options
	Port      int
	APISecret string       // Optional API secret for WebSocket connection
	Relay     http.Handler // Mounted at RouteDevice when set
	MDNS      bool

	// TLS, when set, serves the API and relay over wss. Bootstrap is then
	// served over plain HTTP on BootstrapPort so devices can fetch the CA.
	TLS           *tls.Config
	Bootstrap     http.Handler
	BootstrapPort int

	// TxnLock serializes card transactions. Callers that also run
	// transactions outside the server pass their own lock here.
	TxnLock sync.Locker
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config   Config
	registry *HandlerRegistry
	upgrader websocket.Upgrader

	txnLock sync.Locker

	sessionMu     sync.Mutex
	sessionActive bool // Whether an API client holds the connection
}

// New creates a new server instance
func New(config Config) *Server {
	s := &Server{
		config:   config,
		registry: NewHandlerRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
	s.txnLock = config.TxnLock
	if s.txnLock == nil {
		s.txnLock = &sync.Mutex{}
	}
	s.registerTransactionHandlers()
	return s
}

// Registry returns the message handler registry.
func (s *Server) Registry() *HandlerRegistry {
	return s.registry
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RouteHealth, enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleHealthCheck(w, r)
	}))
	mux.HandleFunc(RouteAPI, s.handleWebSocket)
	if s.config.Relay != nil {
		mux.Handle(RouteDevice, s.config.Relay)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.Handler(),
		TLSConfig:   s.config.TLS,
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	servers := []*http.Server{httpServer}

	g.Go(func() error {
		var err error
		if s.config.TLS != nil {
			log.Info().Str("addr", httpServer.Addr).Msg("starting server (TLS)")
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			log.Info().Str("addr", httpServer.Addr).Msg("starting server")
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if s.config.TLS != nil && s.config.Bootstrap != nil {
		bootstrap := &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.BootstrapPort),
			Handler: s.config.Bootstrap,
		}
		servers = append(servers, bootstrap)
		g.Go(func() error {
			log.Info().Str("addr", bootstrap.Addr).Msg("starting CA bootstrap server")
			if err := bootstrap.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("bootstrap server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var firstErr error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	if s.config.MDNS {
		mdns, err := s.startMDNS(s.config.Port)
		if err != nil {
			log.Warn().Err(err).Msg("auto-discovery will not be available")
		} else {
			defer mdns.Shutdown()
		}
	}

	return g.Wait()
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) claimSession() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.sessionActive {
		return false
	}
	s.sessionActive = true
	return true
}

func (s *Server) releaseSession() {
	s.sessionMu.Lock()
	s.sessionActive = false
	s.sessionMu.Unlock()
}

// handleWebSocket serves one API client. Only one client may be connected
// at a time (first come, first served).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}
	if !s.claimSession() {
		log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected: session already claimed")
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	}
	defer s.releaseSession()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer ws.Close()

	log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connected")
	defer log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket disconnected, session released")

	// The connection context ends when the client goes away, which cancels
	// a transaction still waiting for a card.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newConn(ws)
	messages := make(chan []byte)
	go func() {
		defer close(messages)
		defer cancel()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case messages <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for message := range messages {
		var req protocol.RawMessage
		if err := json.Unmarshal(message, &req); err != nil {
			log.Debug().Err(err).Msg("failed to parse WebSocket message")
			conn.SendError("", protocol.ErrCodeParse, "Invalid message format")
			continue
		}

		handler, ok := s.registry.Get(req.Type)
		if !ok {
			conn.SendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
			continue
		}
		if err := handler(ctx, conn, req); err != nil {
			log.Debug().Err(err).Str("type", req.Type).Msg("handler returned error")
		}
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
