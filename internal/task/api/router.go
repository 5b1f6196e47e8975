package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fkiller/GnuNae-sub001/internal/common/httpmw"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

// NewRouter builds the controller engine with the shared middleware and a
// /health check. Callers mount their routes on the result.
func NewRouter(log *logger.Logger, checks ...HealthCheck) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.Tracing("gnunae"))
	router.Use(httpmw.RequestLogger(log, "gnunae"))
	router.Use(httpmw.CORS())

	router.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		results := make(map[string]bool, len(checks))
		for _, hc := range checks {
			ok := hc.Check()
			results[hc.Name] = ok
			if !ok {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{"status": status, "checks": results})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "route not found"}})
	})
	return router
}

// HealthCheck is one dependency reported by /health.
type HealthCheck struct {
	Name  string
	Check func() bool
}
