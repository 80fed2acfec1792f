package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarbridge/internal/bridge"
	"github.com/ent0n29/avatarbridge/internal/config"
	"github.com/ent0n29/avatarbridge/internal/events"
	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/history"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/reliability"
	"github.com/ent0n29/avatarbridge/internal/session"
	"github.com/ent0n29/avatarbridge/internal/turn"
)

// Bridge is the avatar and chat lifecycle surface the handlers drive.
type Bridge interface {
	CreateSession() *session.Session
	Session(bridgeID string) (*session.Session, error)
	StartAvatar(ctx context.Context, bridgeID string, opts heygen.SessionOptions) (heygen.StreamSession, error)
	StartStream(ctx context.Context, bridgeID string) error
	Talk(ctx context.Context, bridgeID, text string) (heygen.SpeakResult, error)
	EndAvatar(ctx context.Context, bridgeID string) error
	StartChat(ctx context.Context, bridgeID string) (string, error)
	EndChat(bridgeID string) error
	EndSession(ctx context.Context, bridgeID string) (*session.Session, error)
}

type Turns interface {
	HandleTurn(ctx context.Context, bridgeSessionID, userText string) (turn.Result, error)
}

// Options carries the server's collaborators. History, Hub and Readiness are
// optional.
type Options struct {
	Config  config.Config
	Bridge  Bridge
	Turns   Turns
	History history.Store
	Hub     *events.Hub
	// Readiness checks by component name; any false makes /readyz report 503.
	Readiness map[string]func() bool
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

type Server struct {
	cfg       config.Config
	bridge    Bridge
	turns     Turns
	history   history.Store
	hub       *events.Hub
	readiness map[string]func() bool
	log       *slog.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	static    http.Handler
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	return &Server{
		cfg:       cfg,
		bridge:    opts.Bridge,
		turns:     opts.Turns,
		history:   opts.History,
		hub:       opts.Hub,
		readiness: opts.Readiness,
		log:       logger.With(slog.String("component", "httpapi")),
		metrics:   opts.Metrics,
		static:    newStaticHandler(cfg.StaticDir),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.CORSAllowOrigin))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/api", func(r chi.Router) {
		r.Post("/video-agent/start", s.handleVideoStart)
		r.Post("/video-agent/start-stream", s.handleVideoStartStream)
		r.Post("/video-agent/talk", s.handleVideoTalk)
		r.Post("/video-agent/end", s.handleVideoEnd)
		r.Post("/chat-agent/start", s.handleChatStart)
		r.Post("/chat-agent/talk", s.handleChatTalk)
		r.Post("/chat-agent/end", s.handleChatEnd)
		r.Post("/retell/end", s.handleChatEnd)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Get("/v1/session/ws", s.handleSessionWS)

	r.NotFound(s.static.ServeHTTP)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"history_store": s.history != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]bool, len(s.readiness))
	ready := true
	for name, check := range s.readiness {
		ok := check == nil || check()
		checks[name] = ok
		ready = ready && ok
	}
	status, code := http.StatusOK, "ready"
	if !ready {
		status, code = http.StatusServiceUnavailable, "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status": code,
		"checks": checks,
	})
}

// bridgeSelector returns the bridge session named by the request, empty for
// the default slot.
func bridgeSelector(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Bridge-Session")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("bridge_session"))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// classify maps a handler error onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	var status *reliability.StatusError
	switch {
	case errors.Is(err, bridge.ErrEmptyText), errors.Is(err, turn.ErrEmptyInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrEnded):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, bridge.ErrAvatarNotActive):
		return http.StatusConflict, "avatar_session_missing"
	case errors.Is(err, turn.ErrChatSessionMissing):
		return http.StatusConflict, "chat_session_missing"
	case errors.Is(err, turn.ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, turn.ErrorCode(err)
	case errors.As(err, &status):
		return http.StatusBadGateway, "upstream_failed"
	default:
		var stage *turn.StageError
		if errors.As(err, &stage) {
			return http.StatusBadGateway, turn.ErrorCode(err)
		}
		return http.StatusInternalServerError, "internal_error"
	}
}

// fail logs err and writes the error envelope. message replaces the raw error
// text for server-side failures so upstream bodies are not echoed to clients.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	status, code := classify(err)
	s.log.Warn("request failed",
		slog.String("path", r.URL.Path),
		slog.String("code", code),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("error", err.Error()),
	)
	if status < http.StatusInternalServerError && status != http.StatusBadGateway {
		message = err.Error()
	}
	respondError(w, status, code, message)
}
