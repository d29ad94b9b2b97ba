// Package server exposes probes, metrics and a small read-only status API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
	"github.com/p-blackswan/chatwarden/internal/health"
	"github.com/p-blackswan/chatwarden/internal/requestid"
	"github.com/p-blackswan/chatwarden/internal/store"
)

// JobCounter reports pending deletion jobs.
type JobCounter interface {
	ActiveJobs() int
}

// ActionLister reads the moderation log.
type ActionLister interface {
	RecentActions(ctx context.Context, chatID int64, limit int) ([]store.Action, error)
}

// FailedLister reads deletions the scheduler gave up on and lets an
// operator mark them handled.
type FailedLister interface {
	ListFailedDeletions(ctx context.Context, limit int) ([]store.FailedDeletion, error)
	ResolveFailedDeletion(ctx context.Context, id string) error
}

// Config holds server configuration.
type Config struct {
	Port int
}

// Deps are the collaborators the routes read from. Checker and Jobs are
// required; routes for nil optional deps are not registered.
type Deps struct {
	Checker *health.Checker
	Jobs    JobCounter
	Actions ActionLister
	Failed  FailedLister
	Metrics http.Handler
}

// Server is the HTTP status server.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger zerolog.Logger
}

// New builds the fiber app.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.Middleware())

	// Plain-text root probe kept for hosting platforms that poll "/".
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("OK") })
	app.Get("/healthz", health.LivenessHandler())
	app.Get("/readyz", deps.Checker.ReadinessHandler())

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	v1 := app.Group("/api/v1")
	v1.Get("/jobs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"active_jobs": deps.Jobs.ActiveJobs()})
	})
	if deps.Actions != nil {
		v1.Get("/chats/:chat/actions", listActions(deps.Actions))
	}
	if deps.Failed != nil {
		v1.Get("/deletions/failed", listFailed(deps.Failed))
		v1.Post("/deletions/failed/:id/resolve", resolveFailed(deps.Failed))
	}

	return &Server{app: app, cfg: cfg, logger: logger}
}

const maxLimit = 500

func queryLimit(c *fiber.Ctx, def int) (int, error) {
	limit := c.QueryInt("limit", def)
	if limit <= 0 || limit > maxLimit {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
	}
	return limit, nil
}

func listActions(actions ActionLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		chatID, err := strconv.ParseInt(c.Params("chat"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "chat must be a numeric id")
		}
		limit, err := queryLimit(c, 50)
		if err != nil {
			return err
		}

		list, err := actions.RecentActions(c.UserContext(), chatID, limit)
		if err != nil {
			return err
		}
		out := make([]fiber.Map, 0, len(list))
		for _, a := range list {
			out = append(out, fiber.Map{
				"user_id":    a.UserID,
				"actor_id":   a.ActorID,
				"action":     a.Action,
				"details":    a.Details,
				"created_at": a.CreatedAt,
			})
		}
		return c.JSON(fiber.Map{"chat_id": chatID, "actions": out})
	}
}

func listFailed(failed FailedLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := queryLimit(c, 100)
		if err != nil {
			return err
		}
		list, err := failed.ListFailedDeletions(c.UserContext(), limit)
		if err != nil {
			return err
		}
		out := make([]fiber.Map, 0, len(list))
		for _, fd := range list {
			out = append(out, fiber.Map{
				"id":         fd.ID,
				"chat_id":    fd.ChatID,
				"message_id": fd.MessageID,
				"attempts":   fd.Attempts,
				"created_at": fd.CreatedAt,
			})
		}
		return c.JSON(fiber.Map{"failed": out})
	}
}

func resolveFailed(failed FailedLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if err := failed.ResolveFailedDeletion(c.UserContext(), id); err != nil {
			if errors.Is(err, perrors.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no unresolved failure with that id")
			}
			return err
		}
		return c.JSON(fiber.Map{"id": id, "resolved": true})
	}
}

// Start listens on the configured port. Blocks until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal error"
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			msg = e.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("request_id", requestid.FromContext(c.UserContext())).
				Msg("request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": msg, "status": code})
	}
}
