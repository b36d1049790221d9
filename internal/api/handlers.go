package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/riskmesh/riskmesh/internal/core"
	"github.com/riskmesh/riskmesh/pkg/errors"
)

// handleLookup runs the risk lookup pipeline. Degraded responses still
// serve a body; the status code reflects what the pipeline could do.
func (s *Server) handleLookup(c *gin.Context) {
	var req core.LookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Set(ctxKeyErrorClass, string(errors.TypeValidation))
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request body",
		})
		return
	}

	result := s.service.Lookup(c.Request.Context(), req)

	c.Set(ctxKeyCacheHit, result.CacheHit)
	if result.ErrorType != "" {
		c.Set(ctxKeyErrorClass, result.ErrorType)
	}
	if result.RetryAfterMs > 0 {
		c.Header("Retry-After", strconv.FormatInt((result.RetryAfterMs+999)/1000, 10))
	}

	c.JSON(lookupStatus(result), result)
}

// lookupStatus maps a pipeline result to an HTTP status. Successful
// fallbacks are still 200s: the caller got servable data.
func lookupStatus(result core.LookupResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch errors.Type(result.ErrorType) {
	case errors.TypeValidation:
		return http.StatusBadRequest
	case errors.TypeAuthentication:
		return http.StatusUnauthorized
	case errors.TypeAuthorization:
		return http.StatusForbidden
	case errors.TypeNotFound:
		return http.StatusNotFound
	case errors.TypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.service.Health(c.Request.Context())
	status := http.StatusOK
	if healthy, ok := health["healthy"].(bool); !ok || !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"overview": s.dash.Snapshot(),
		"pipeline": s.service.Stats(),
	})
}

func (s *Server) handleDashboardExport(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	switch format {
	case "json":
		data, err := s.dash.ExportJSON()
		if err != nil {
			s.exportError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	case "csv":
		data, err := s.dash.ExportCSV()
		if err != nil {
			s.exportError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="dashboard.csv"`)
		c.Data(http.StatusOK, "text/csv", data)
	default:
		c.Set(ctxKeyErrorClass, string(errors.TypeValidation))
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "format must be json or csv",
		})
	}
}

func (s *Server) exportError(c *gin.Context, err error) {
	s.logger.Error("dashboard export failed", map[string]interface{}{
		"request_id": c.GetString(ctxKeyRequestID),
		"error":      err.Error(),
	})
	c.Set(ctxKeyErrorClass, string(errors.TypeInternal))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false})
}

func (s *Server) handleAlertAck(c *gin.Context) {
	s.mutateAlert(c, s.dash.Acknowledge)
}

func (s *Server) handleAlertResolve(c *gin.Context) {
	s.mutateAlert(c, s.dash.Resolve)
}

func (s *Server) mutateAlert(c *gin.Context, op func(id string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		serr := errors.Normalize(err)
		c.Set(ctxKeyErrorClass, string(serr.Type))
		status := http.StatusInternalServerError
		if serr.Type == errors.TypeNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": serr.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}
