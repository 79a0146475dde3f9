// Package gateway serves the HTTP surface of the core: the A2A JSON-RPC
// endpoint and its SSE stream, the agent card, avatar files, a WebSocket
// push channel for chat clients, and a health probe.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentcore/internal/a2a"
	"github.com/basket/agentcore/internal/avatar"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/chat"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/delivery"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
)

// DefaultMaxBodyBytes caps request bodies when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 64 << 20

type Config struct {
	Store    *persistence.Store
	Services *service.Services
	Chat     *chat.Service
	Avatars  *avatar.Registry
	Bus      *bus.Bus
	Cfg      *config.Config
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics

	// ConfigFingerprint is the hash of the active config reported by /healthz.
	ConfigFingerprint string
	Version           string

	// AllowOrigins lists the Origin patterns accepted for cross-origin
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string

	MaxBodyBytes int64
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware
	limit  *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// client is one WebSocket connection. It receives chat events for the chats
// it subscribed to and read receipts for its user.
type client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex

	subMu sync.Mutex
	chats map[string]bool
}

// notification is a server-initiated JSON-RPC message without an id.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.Cfg == nil {
		cfg.Cfg = &config.Config{}
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Chat == nil && cfg.Store != nil {
		cfg.Chat = chat.New(cfg.Store, chat.Options{Logger: logger, Metrics: cfg.Metrics, Delivery: delivery.NewBus(cfg.Bus)})
	}
	if cfg.Services == nil && cfg.Store != nil {
		cfg.Services = service.New(service.Deps{Store: cfg.Store, Logger: logger, Metrics: cfg.Metrics, Bus: cfg.Bus})
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = cfg.Cfg.CORS.AllowedOrigins
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		auth:    NewAuthMiddleware(cfg.Cfg.AuthToken),
		limit:   NewRateLimitMiddleware(cfg.Cfg.RateLimit, logger, cfg.Metrics),
		clients: map[*client]struct{}{},
	}
}

// Handler returns the routed handler wrapped in CORS, auth, rate limiting
// and the body size limit, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("/a2a", s.handleA2A)
	mux.HandleFunc("/api/avatar", s.handleAvatarFile)
	mux.HandleFunc("/ws", s.handleWS)

	var h http.Handler = s.instrument(mux)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.limit.Wrap(h)
	h = s.auth.Wrap(h)
	return NewCORSMiddleware(s.cfg.Cfg.CORS)(h)
}

// StartEviction drops idle rate limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RecordRequest(r.Context(), r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	schema := ""
	if s.cfg.Store == nil || s.cfg.Store.DB().PingContext(ctx) != nil {
		dbOK = false
	} else if v, err := persistence.GetDBVersion(ctx, s.cfg.Store.DB()); err != nil {
		dbOK = false
	} else if v != nil {
		schema = v.Version
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     schema,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"version":            s.cfg.Version,
		"a2a_enabled":        s.cfg.Cfg.A2AEnabled(),
		"ws_clients":         s.clientCount(),
		"bus_dropped":        s.cfg.Bus.Dropped(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleAvatarFile serves GET /api/avatar?path=<abs>. Only files under the
// avatar directories are served.
func (s *Server) handleAvatarFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Avatars == nil {
		http.NotFound(w, r)
		return
	}
	abs, ok := s.cfg.Avatars.Servable(path)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, abs)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, userID: r.URL.Query().Get("user_id"), chats: map[string]bool{}}

	ctx, cancel := context.WithCancel(r.Context())
	sub := s.cfg.Bus.Subscribe("chat.")
	s.addClient(c)
	s.logger.Info("ws: client connected", "user_id", c.userID)
	go s.forwardBusEvents(ctx, c, sub)
	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "user_id", c.userID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req a2a.Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleWSRequest(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

type wsChatParams struct {
	ChatIDs    []string       `json:"chat_ids"`
	ChatID     string         `json:"chat_id"`
	MessageIDs []string       `json:"message_ids"`
	Message    map[string]any `json:"message"`
}

// handleWSRequest answers one client request. Requests without an id get
// no response.
func (s *Server) handleWSRequest(ctx context.Context, c *client, req a2a.Request) *rpcReply {
	var p wsChatParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return reply(req.ID, nil, a2a.NewRPCError(a2a.CodeInvalidParams, "invalid params: %v", err))
		}
	}

	var (
		result any
		rpcErr *a2a.RPCError
	)
	switch req.Method {
	case "chat.subscribe":
		c.subscribe(p.ChatIDs, true)
		result = map[string]any{"subscribed": c.subscribed()}
	case "chat.unsubscribe":
		c.subscribe(p.ChatIDs, false)
		result = map[string]any{"subscribed": c.subscribed()}
	case "chat.mark_read":
		if c.userID == "" {
			rpcErr = a2a.NewRPCError(a2a.CodeInvalidRequest, "connect with user_id to mark messages read")
			break
		}
		result, rpcErr = fromResult(s.cfg.Chat.MarkMessagesRead(ctx, p.MessageIDs, c.userID))
	case "chat.send":
		if p.ChatID == "" {
			rpcErr = a2a.NewRPCError(a2a.CodeInvalidParams, "chat_id is required")
			break
		}
		result, rpcErr = fromResult(s.cfg.Chat.PushMessageToChat(ctx, p.ChatID, p.Message))
	default:
		rpcErr = a2a.NewRPCError(a2a.CodeMethodNotFound, "method not found: %s", req.Method)
	}
	if req.ID == nil {
		return nil
	}
	return reply(req.ID, result, rpcErr)
}

// rpcReply is a JSON-RPC response whose result is encoded as-is.
type rpcReply struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *a2a.RPCError `json:"error,omitempty"`
}

func reply(id, result any, rpcErr *a2a.RPCError) *rpcReply {
	if rpcErr != nil {
		return &rpcReply{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	if result == nil {
		result = struct{}{}
	}
	return &rpcReply{JSONRPC: "2.0", ID: id, Result: result}
}

func fromResult(res service.Result) (any, *a2a.RPCError) {
	if err := res.Err(); err != nil {
		return nil, rpcErrorFor(err)
	}
	return res, nil
}

func (c *client) subscribe(ids []string, on bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, id := range ids {
		if on {
			c.chats[id] = true
		} else {
			delete(c.chats, id)
		}
	}
}

func (c *client) subscribed() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.chats))
	for id := range c.chats {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *client) wants(chatID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.chats[chatID]
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// forwardBusEvents pushes chat events to c until ctx ends. Messages and
// notifications go to subscribers of the chat, read receipts to the reader.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			var n *notification
			switch p := ev.Payload.(type) {
			case bus.ChatMessageEvent:
				if c.wants(p.ChatID) {
					n = &notification{Method: ev.Topic, Params: map[string]any{"chat_id": p.ChatID, "message": p.Message}}
				}
			case bus.ChatNotificationEvent:
				if c.wants(p.ChatID) {
					n = &notification{Method: ev.Topic, Params: map[string]any{
						"chat_id": p.ChatID, "uid": p.UID, "notification": p.Notification,
					}}
				}
			case bus.ChatReadEvent:
				if c.userID != "" && p.UserID == c.userID {
					n = &notification{Method: ev.Topic, Params: map[string]any{
						"user_id": p.UserID, "updated_ids": p.UpdatedIDs, "chat_updates": p.ChatUpdates,
					}}
				}
			}
			if n == nil {
				continue
			}
			n.JSONRPC = "2.0"
			if err := c.write(ctx, n); err != nil {
				s.logger.Debug("ws: push failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}
