package web

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-caption/pkg/camera"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// handleState returns the current loop snapshot
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.loop.State().Snapshot())
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	s.loop.Start(s.baseContext())
	return c.JSON(s.loop.State().Snapshot())
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	s.loop.Stop()
	return c.JSON(s.loop.State().Snapshot())
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	s.loop.Reset()
	return c.JSON(s.loop.State().Snapshot())
}

// handleSetSource selects the camera. Local and ip sources must be usable;
// none and selecting are always accepted.
func (s *Server) handleSetSource(c *fiber.Ctx) error {
	var src camera.Source
	if err := json.Unmarshal(c.Body(), &src); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	switch src.Kind() {
	case camera.KindLocal, camera.KindRemote:
		if err := src.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	s.loop.SetSource(src)
	return c.JSON(s.loop.State().Snapshot())
}
