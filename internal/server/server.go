package server

import (
	"backend-racetracker/internal/auth"
	"backend-racetracker/internal/config"
	"backend-racetracker/internal/db"
	"backend-racetracker/internal/logger"
	"backend-racetracker/internal/route"
	"backend-racetracker/internal/store"
	"backend-racetracker/internal/stream"
	"backend-racetracker/internal/timing"
	"backend-racetracker/internal/tracking"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Log      *zap.Logger
	Stream   *stream.Hub
	Timing   *timing.Service
	Tracking *tracking.Service
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) *Server {
	log = logger.OrNop(log)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	hub := stream.NewHub(redisClient, log.Named("stream"))
	st := store.New(querier(pg))

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       pg,
		Redis:    redisClient,
		Log:      log,
		Stream:   hub,
		Timing:   timing.NewService(st, hub, log.Named("timing"), TimingOptions(cfg)),
		Tracking: tracking.NewService(st, route.NewHTTPFetcher(cfg.RouteFetchTimeout), hub, log.Named("tracking"), MatchOptions(cfg)),
	}

	registerRoutes(s)
	return s
}

// TimingOptions maps the run settings from cfg.
func TimingOptions(cfg config.Config) timing.Options {
	return timing.Options{Workers: cfg.TimingWorkers, Timeout: cfg.RunTimeout}
}

func MatchOptions(cfg config.Config) route.MatchOptions {
	return route.MatchOptions{
		WindowM:  cfg.MatchWindowM,
		SlackM:   cfg.MatchSlackM,
		MaxJumpM: cfg.MatchMaxJumpM,
	}
}

// querier keeps a nil pool from turning into a non-nil interface.
func querier(pg *pgxpool.Pool) db.Querier {
	if pg == nil {
		return unavailableDB{}
	}
	return pg
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	timing.RegisterRoutes(s.App.Group("/timing"), s.Timing, jwtMiddleware)
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
