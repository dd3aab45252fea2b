package errors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the JSON body rendered for every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
}

// Respond writes the canonical error body for err and aborts the request.
// Non-AppError values render as a generic 500; the cause is left for the
// caller to log, never for the client to see.
func Respond(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		c.AbortWithStatusJSON(appErr.HTTPStatus, ErrorResponse{
			Error:      appErr.Message,
			StatusCode: appErr.HTTPStatus,
			Code:       appErr.Code,
		})
		return
	}

	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error:      "internal server error",
		StatusCode: http.StatusInternalServerError,
		Code:       ErrCodeInternalError,
	})
}
