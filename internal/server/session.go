package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	sessionCookie = "capmap_session"
	sessionHeader = "X-Session-ID"
	sessionMaxAge = 30 * 24 * time.Hour
)

// currentSession returns the caller's session id, or "" when none was sent.
// The header wins over the cookie.
func currentSession(c *fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get(sessionHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(c.Cookies(sessionCookie))
}

// ensureSession returns the caller's session id, issuing a new one when absent.
func ensureSession(c *fiber.Ctx, secure bool) string {
	id := currentSession(c)
	if id == "" {
		id = uuid.NewString()
	}

	sameSite := fiber.CookieSameSiteLaxMode
	if secure {
		sameSite = fiber.CookieSameSiteNoneMode
	}
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HTTPOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
	c.Set(sessionHeader, id)
	return id
}
