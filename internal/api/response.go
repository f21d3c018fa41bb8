package api

import (
	"github.com/gofiber/fiber/v2"
)

// APIResponse is the envelope of every JSON management endpoint.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// RespondSuccess sends data with status 200
func RespondSuccess(c *fiber.Ctx, data any) error {
	return c.JSON(APIResponse{Success: true, Data: data})
}

// RespondMessage sends a success response carrying only a message
func RespondMessage(c *fiber.Ctx, message string) error {
	return RespondSuccess(c, fiber.Map{"message": message})
}

func respondError(c *fiber.Ctx, status int, code, message, details string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func RespondBadRequest(c *fiber.Ctx, message, details string) error {
	return respondError(c, fiber.StatusBadRequest, "BAD_REQUEST", message, details)
}

func RespondForbidden(c *fiber.Ctx, message, details string) error {
	return respondError(c, fiber.StatusForbidden, "FORBIDDEN", message, details)
}

// RespondNotFound reports that resource does not exist
func RespondNotFound(c *fiber.Ctx, resource, details string) error {
	return respondError(c, fiber.StatusNotFound, "NOT_FOUND", resource+" not found", details)
}

func RespondInternalError(c *fiber.Ctx, message, details string) error {
	return respondError(c, fiber.StatusInternalServerError, "INTERNAL_SERVER_ERROR", message, details)
}

// RespondServiceUnavailable asks the client to come back in 10 seconds
func RespondServiceUnavailable(c *fiber.Ctx, message, details string) error {
	c.Set(fiber.HeaderRetryAfter, "10")
	return respondError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message, details)
}
