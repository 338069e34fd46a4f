package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/domain"
)

// statusOf maps the error taxonomy to HTTP statuses
func statusOf(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodePermission:
		return http.StatusForbidden
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError recovers err into a failed result
func respondError(c *gin.Context, err error) {
	result := domain.ResultFromError(err)
	status := statusOf(result.Code)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Str("request_id", c.GetString(requestIDKey)).Msg("Request failed")
	}
	c.JSON(status, result)
}

func badRequest(c *gin.Context, err error) {
	respondError(c, domain.NewValidationError(err.Error()))
}

func parseKind(c *gin.Context) (domain.Kind, bool) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		respondError(c, err)
		return "", false
	}
	return kind, true
}

func intParam(c *gin.Context, value, name string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil {
		respondError(c, domain.NewValidationError(name+" must be an integer"))
		return 0, false
	}
	return n, true
}

// optionalInt reads an optional integer query parameter
func optionalInt(c *gin.Context, name string) (*int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	n, ok := intParam(c, raw, name)
	if !ok {
		return nil, false
	}
	return &n, true
}
