package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"conductor/internal/ports"
)

// envelope is the uniform response shape. Success responses carry data,
// failures carry a machine-readable code plus a human message.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message},
	})
}

// respondDomainError maps the domain sentinels onto transport status codes.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		respondError(c, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, ports.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
	case errors.Is(err, ports.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "InvalidTransition", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "Internal", err.Error())
	}
}
