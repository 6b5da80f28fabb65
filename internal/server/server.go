package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"cinegate/internal/api"
	"cinegate/internal/catalog"
	"cinegate/internal/config"
	"cinegate/internal/defense"
	"cinegate/internal/player"
	"cinegate/internal/proxy"
	"cinegate/internal/resolve"
	"cinegate/internal/scheduler"
	"cinegate/internal/storage"
)

// Deps are the wired subsystems the server exposes over HTTP.
type Deps struct {
	Storage  *storage.SQLiteStorage
	Engine   *player.Engine
	Resolver *resolve.Client
	Defense  *defense.Defense
	Catalog  *catalog.Client
	Proxy    *proxy.Proxy
	Sched    *scheduler.Scheduler
	Hub      *Hub
}

type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	httpServer *http.Server
	router     *chi.Mux
	deps       Deps
	handler    *api.Handler
}

func New(cfg *config.Config, logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(CORSMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	s.handler = api.NewHandler(
		s.deps.Storage,
		s.deps.Engine,
		s.deps.Resolver,
		s.deps.Defense,
		s.deps.Catalog,
		s.deps.Proxy,
		s.deps.Sched,
		s.cfg.Trust,
		s.logger,
	)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handler.Health)
		r.Get("/events", s.deps.Hub.ServeWS)

		r.Post("/playback/start", s.handler.StartPlayback)
		r.Post("/playback/stop", s.handler.StopPlayback)
		r.Post("/playback/progress", s.handler.SaveProgress)
		r.Get("/playback/continue", s.handler.GetContinueWatching)
		r.Get("/playback/{id}/progress", s.handler.GetProgress)

		r.Route("/player", func(r chi.Router) {
			r.Get("/status", s.handler.PlayerStatus)
			r.Post("/play", s.handler.Play)
			r.Post("/pause", s.handler.Pause)
			r.Post("/seek", s.handler.Seek)
			r.Post("/variant", s.handler.SetVariant)
			r.Post("/subtitle", s.handler.SetSubtitle)
			r.Post("/rate", s.handler.SetRate)
			r.Post("/volume", s.handler.SetVolume)
		})

		r.Route("/trust", func(r chi.Router) {
			r.Get("/state", s.handler.TrustState)
			r.Post("/surface-loaded", s.handler.SurfaceLoaded)
			r.Post("/interaction", s.handler.Interaction)
		})

		r.Route("/defense", func(r chi.Router) {
			r.Get("/state", s.handler.DefenseState)
			r.Post("/open", s.handler.OpenContext)
			r.Post("/gesture", s.handler.Gesture)
			r.Post("/focus", s.handler.FocusChange)
			r.Post("/sanitize", s.handler.Sanitize)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/search", s.handler.SearchCatalog)
			r.Get("/series/{id}/season/{season}", s.handler.GetSeason)
			r.Get("/{kind}/{id}", s.handler.GetTitle)
		})

		r.Route("/watchlist", func(r chi.Router) {
			r.Get("/", s.handler.GetWatchlist)
			r.Post("/", s.handler.AddToWatchlist)
			r.Delete("/{id}", s.handler.RemoveFromWatchlist)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/{id}", s.handler.GetWatched)
			r.Post("/{id}", s.handler.MarkWatched)
			r.Delete("/{id}", s.handler.UnmarkWatched)
		})
	})

	// Segment traffic is high-volume and upstream-bound; rate limit per
	// client address.
	s.router.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.Proxy.RateLimit, time.Second))
		r.Get("/proxy/manifest", s.deps.Proxy.HandleManifest)
		r.Get("/proxy/segment", s.deps.Proxy.HandleSegment)
	})

	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the API layer, whose trust gate is wired at route setup.
func (s *Server) Handler() *api.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
