package web

import (
	"strings"

	"github.com/dukex/procflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

// Identity headers set by the authenticating proxy in front of the API.
const (
	ActorIDHeader    = "X-Actor-ID"
	ActorRolesHeader = "X-Actor-Roles"
)

type actorKey struct{}

// RequireActor reads the caller identity from the request headers and rejects
// requests that carry none.
func RequireActor() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(ActorIDHeader))
		if id == "" {
			return unauthorized(c, ActorIDHeader+" header is required")
		}

		actor := models.Actor{ID: id}

		for _, role := range strings.Split(c.Get(ActorRolesHeader), ",") {
			if role = strings.TrimSpace(role); role != "" {
				actor.Roles = append(actor.Roles, role)
			}
		}

		c.Locals(actorKey{}, actor)

		return c.Next()
	}
}

func actorFrom(c fiber.Ctx) models.Actor {
	actor, _ := c.Locals(actorKey{}).(models.Actor)

	return actor
}
