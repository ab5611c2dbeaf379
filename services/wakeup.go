package services

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// WakeupServer is the agent's only inbound surface: POST /wakeup with the
// bearer token collapses the sleep hierarchy. Everything else is 404.
type WakeupServer struct {
	app    *fiber.App
	agent  *Agent
	token  string
	port   int
	logger *slog.Logger
}

func NewWakeupServer(agent *Agent, token string, port int, logger *slog.Logger) *WakeupServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "bk-agent-wakeup",
	})

	s := &WakeupServer{
		app:    app,
		agent:  agent,
		token:  strings.TrimSpace(token),
		port:   port,
		logger: logger,
	}

	app.Post("/wakeup", s.handleWakeup)
	app.Use(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})
	return s
}

func (s *WakeupServer) handleWakeup(c *fiber.Ctx) error {
	if s.token != "" {
		auth := strings.TrimSpace(c.Get("Authorization"))
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(auth[7:]) != s.token {
			s.logger.Warn("wakeup rejected: missing or invalid token")
			return c.Status(fiber.StatusUnauthorized).SendString("Unauthorized")
		}
	}
	s.agent.Wakeup()
	s.logger.Info("wakeup accepted")
	return c.SendString("OK")
}

// Listen blocks serving the wakeup endpoint.
func (s *WakeupServer) Listen() error {
	s.logger.Info("wakeup server listening", "port", s.port)
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// App exposes the fiber app for in-process tests.
func (s *WakeupServer) App() *fiber.App {
	return s.app
}

func (s *WakeupServer) Shutdown() error {
	return s.app.Shutdown()
}
