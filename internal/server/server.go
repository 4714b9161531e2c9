package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/engine"
)

// Server is the wellspring HTTP API server.
type Server struct {
	engine   *engine.Engine
	router   chi.Router
	log      *zap.Logger
	validate *validator.Validate
	origins  []string
	version  string
	started  time.Time
}

// New creates a Server over an engine. A nil logger discards.
func New(e *engine.Engine, cfg config.ServerConfig, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:   e,
		log:      log.Named("http"),
		validate: newValidator(),
		origins:  cfg.CORSOrigins,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Wellspring-Peer"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Method(http.MethodGet, "/metrics", s.engine.Metrics().Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/identities", s.handleCreateIdentity)
		r.Get("/identities", s.handleListIdentities)
		r.Post("/identities/{id}/rotate", s.handleRotateKey)
		r.Post("/nodes", s.handlePutNode)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Get("/nodes/{id}/edges", s.handleNodeEdges)
		r.Get("/nodes/{id}/attestations", s.handleAttestationsOn)
		r.Post("/edges", s.handlePutEdge)
		r.Get("/edges/{id}/attestations", s.handleAttestationsOn)
		r.Post("/relations", s.handleDeclareRelation)
		r.Get("/relations", s.handleListRelations)
		r.Post("/attestations", s.handleAppendAttestation)
		r.Get("/attestations/{id}/groundedness", s.handleGroundedness)
		r.Post("/traversals", s.handleRecordTraversal)

		r.Route("/observers/{id}", func(r chi.Router) {
			r.Post("/focus", s.handleFocus)
			r.Get("/waterline", s.handleWaterline)
			r.Get("/context", s.handleContext)
		})

		r.Get("/trust", s.handleTrust)
		r.Post("/rerank", s.handleRerank)
		r.Post("/decisions", s.handleDecision)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/rejected", s.handleRejected)
			r.Get("/contradictions", s.handleContradictions)
			r.Get("/cycles", s.handleCycles)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Post("/missing", s.handleMissing)
			r.Post("/merge", s.handleMerge)
		})

		r.Post("/recompute", s.handleRecompute)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.engine.DB.Path,
		"seq":     s.engine.View().Seq(),
	})
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
