package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

func newEngine(counter *Counter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(counter.Middleware(), Tracing("test"), RequestLogger(logger.NewNop(), "test"), CORS())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestMiddlewareChain(t *testing.T) {
	var counter Counter
	r := newEngine(&counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, int64(2), counter.Load())
}
