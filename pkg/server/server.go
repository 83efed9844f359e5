// Package server is the HTTP surface of the bridge engine: backend-facing
// event ingestion, the realtime stream, platform webhooks, and relayed files.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/bridges"
	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/relay"
	"github.com/Ruwad-io/pocketping-sub005/pkg/storage"
	"github.com/Ruwad-io/pocketping-sub005/pkg/threadmap"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

type Server struct {
	cfg     *config.Config
	store   storage.Store
	mapper  *threadmap.Mapper
	relay   *relay.Relay
	bridges []bridges.Bridge

	sse *sseHub
	ws  *wsHub

	webhookClient *http.Client
	httpServer    *http.Server

	presenceMu     sync.RWMutex
	operatorOnline bool
}

func New(cfg *config.Config, store storage.Store, mapper *threadmap.Mapper, rel *relay.Relay, bridgeList []bridges.Bridge) *Server {
	s := &Server{
		cfg:           cfg,
		store:         store,
		mapper:        mapper,
		relay:         rel,
		bridges:       bridgeList,
		sse:           newSSEHub(),
		ws:            newWSHub(),
		webhookClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, b := range bridgeList {
		b.SetEventCallback(s.Broadcast)
		b.SetCommandHandler(s.handleCommand)
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /api/events", s.auth(http.HandlerFunc(s.handleEvents)))
	mux.Handle("POST /api/sessions", s.auth(http.HandlerFunc(s.handleNewSessionRoute)))
	mux.Handle("POST /api/messages", s.auth(http.HandlerFunc(s.handleVisitorMessageRoute)))
	mux.Handle("POST /api/operator/status", s.auth(http.HandlerFunc(s.handleOperatorStatusRoute)))
	mux.Handle("POST /api/custom-events", s.auth(http.HandlerFunc(s.handleCustomEventRoute)))
	mux.Handle("POST /api/disconnect", s.auth(http.HandlerFunc(s.handleDisconnectRoute)))
	mux.Handle("GET /api/events/stream", s.auth(http.HandlerFunc(s.sse.ServeHTTP)))

	// visitor-facing; the widget has no API key
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleSessionWS)
	mux.HandleFunc("GET /files/{id}", s.relay.ServeHTTP)

	for _, b := range s.bridges {
		switch br := b.(type) {
		case *bridges.TelegramBridge:
			mux.HandleFunc("POST /webhooks/telegram", br.HandleWebhook)
		case *bridges.SlackBridge:
			mux.HandleFunc("POST /webhooks/slack", br.HandleWebhook)
		case *bridges.DiscordBridge:
			mux.HandleFunc("POST /webhooks/discord", br.HandleInteraction)
		}
	}

	return mux
}

// auth enforces the backend API key on /api routes.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var enabled []string
	for _, b := range s.bridges {
		if b.IsRunning() {
			enabled = append(enabled, string(b.Name()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"bridges": enabled,
	})
}

// Start brings up the bridges and then the HTTP listener. A bridge that fails
// authentication is logged and skipped; the rest keep running.
func (s *Server) Start(ctx context.Context) error {
	for _, b := range s.bridges {
		if err := b.Start(ctx); err != nil {
			logger.ErrorCF("server", "Bridge failed to start", map[string]interface{}{
				"bridge": string(b.Name()),
				"error":  err.Error(),
			})
		}
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.InfoCF("server", "Listening", map[string]interface{}{"port": s.cfg.Port})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new work, lets in-flight requests finish, and
// closes the bridges (terminating the Discord gateway for good).
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for _, b := range s.bridges {
		if err := b.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.sse.close()
	s.ws.close()
	return firstErr
}

// handleCommand runs operator slash commands typed inside a platform
// container. Commands are consumed here and never forwarded as content.
func (s *Server) handleCommand(platform types.Platform, sessionID, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "/online":
		s.setPresence(true)
		_ = s.store.SetOperatorOnline(sessionID, true)
		return "🟢 You are now online"
	case "/offline":
		s.setPresence(false)
		_ = s.store.SetOperatorOnline(sessionID, false)
		return "⚪ You are now offline"
	case "/status":
		var names []string
		for _, b := range s.bridges {
			if b.IsRunning() {
				names = append(names, string(b.Name()))
			}
		}
		state := "offline"
		if s.presence() {
			state = "online"
		}
		return fmt.Sprintf("Operator: %s | Bridges: %s", state, strings.Join(names, ", "))
	case "/close":
		s.Broadcast(types.SessionClosedEvent{Type: "session_closed", SessionID: sessionID})
		return ""
	default:
		logger.DebugCF("server", "Unknown operator command", map[string]interface{}{
			"platform": string(platform),
			"command":  fields[0],
		})
		return ""
	}
}

func (s *Server) setPresence(online bool) {
	s.presenceMu.Lock()
	s.operatorOnline = online
	s.presenceMu.Unlock()
}

func (s *Server) presence() bool {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	return s.operatorOnline
}
