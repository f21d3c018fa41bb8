package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// UserIDCookie identifies a browser across listings.
	UserIDCookie = "mpvserve_user_id"
	// MissingUserID is used for file requests that carry no user_id.
	MissingUserID = "MISSING_USER_ID"

	userIDCookieMaxAge = 365 * 24 * time.Hour
)

// userID returns the id from the user cookie, issuing a new one when absent
func userID(c *fiber.Ctx) string {
	if id := c.Cookies(UserIDCookie); id != "" {
		return id
	}

	id := uuid.New().String()
	c.Cookie(&fiber.Cookie{
		Name:     UserIDCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(userIDCookieMaxAge.Seconds()),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}
