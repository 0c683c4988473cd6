package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"hakichat/internal/casesearch"
	"hakichat/internal/chat"
	"hakichat/internal/metrics"
	"hakichat/internal/queue"
	"hakichat/internal/transport"
	"hakichat/internal/widget"
)

// History is the history service as the API uses it; *history.Service implements it.
type History interface {
	widget.History
	GetSession(ctx context.Context, sessionID, userID string) (chat.Session, error)
	SearchSessions(ctx context.Context, userID, query string) []chat.Session
}

// CaseSearch is the case-search client as the API uses it; *casesearch.Client implements it.
type CaseSearch interface {
	SmartSearch(ctx context.Context, cc casesearch.ClientContext, req casesearch.SearchRequest) (casesearch.SearchResponse, error)
	HealthCheck(ctx context.Context) casesearch.Health
	AnalyzeScan(ctx context.Context, cc casesearch.ClientContext, req casesearch.ScanRequest) (casesearch.ScanResponse, error)
	ProcessVoiceQuery(ctx context.Context, cc casesearch.ClientContext, req casesearch.VoiceRequest) (casesearch.VoiceResponse, error)
	CompareCases(ctx context.Context, cc casesearch.ClientContext, caseIDs []string) (casesearch.CompareResponse, error)
	ActivityHistory(ctx context.Context, cc casesearch.ClientContext, limit int) ([]casesearch.ActivityEntry, error)
	AddFavorite(ctx context.Context, cc casesearch.ClientContext, fav casesearch.Favorite) error
	RemoveFavorite(ctx context.Context, cc casesearch.ClientContext, caseID string) error
	ListFavorites(ctx context.Context, cc casesearch.ClientContext) ([]casesearch.Favorite, error)
}

type Server struct {
	generator   transport.Generator
	history     History
	cases       CaseSearch
	devices     *casesearch.DeviceIDs
	rateLimiter *queue.RateLimiter
	auth        *Authenticator
	corsOrigins []string
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Config struct {
	Generator   transport.Generator
	History     History
	CaseSearch  CaseSearch
	DeviceIDs   *casesearch.DeviceIDs
	RateLimiter *queue.RateLimiter
	Auth        *Authenticator
	CORSOrigins []string
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		generator:   cfg.Generator,
		history:     cfg.History,
		cases:       cfg.CaseSearch,
		devices:     cfg.DeviceIDs,
		rateLimiter: cfg.RateLimiter,
		auth:        cfg.Auth,
		corsOrigins: cfg.CORSOrigins,
		logger:      cfg.Logger,
		metrics:     m,
		now:         cfg.Now,
	}
}

// Routes mounts the chat API under /api on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", deviceHeader},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(s.auth.Middleware)

		r.Post("/chat", s.chat)
		r.Get("/suggestions", s.suggestions)
		r.Post("/render", s.render)

		r.Route("/sessions", func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Get("/search", s.searchSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/messages", s.sessionMessages)
				r.Delete("/", s.deleteSession)
				r.Get("/export", s.exportSession)
				r.Get("/preferences/auto-scroll", s.getAutoScroll)
				r.Put("/preferences/auto-scroll", s.setAutoScroll)
			})
		})

		r.Route("/cases", func(r chi.Router) {
			r.Get("/search", s.searchCases)
			r.Get("/health", s.casesHealth)
			r.Post("/scan", s.analyzeScan)
			r.Post("/voice", s.voiceQuery)
			r.Post("/compare", s.compareCases)
			r.Get("/history", s.activityHistory)
			r.Get("/favorites", s.listFavorites)
			r.Post("/favorites", s.addFavorite)
			r.Delete("/favorites/{caseID}", s.removeFavorite)
		})
	})
}

// Handler is a standalone router with request logging and panic recovery around Routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

// RequestLogger logs one line per request with zerolog.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", r.RemoteAddr).
				Msg("request")
		})
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
