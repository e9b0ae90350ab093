package handler

import (
	"errors"
	"net/http"

	"github.com/edirooss/restreamd/internal/pipeline"
	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/gin-gonic/gin"
)

// statusFor maps control errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *pipeline.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError records err for the access log and writes a
// {"message": ...} body.
func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	body := gin.H{"message": err.Error()}
	var cfgErr *pipeline.ConfigurationError
	if errors.As(err, &cfgErr) && cfgErr.Field != "" {
		body["field"] = cfgErr.Field
	}
	c.AbortWithStatusJSON(statusFor(err), body)
}
