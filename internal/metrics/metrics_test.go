package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{403, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	body := scrape(t, r)
	assert.Contains(t, body, "escrowchat_active_websocket_clients")

	// Vectors only appear after their first observation.
	MessagesPostedTotal.WithLabelValues("order", "public").Inc()
	DisputeTransitionsTotal.WithLabelValues("IN_REVIEW").Inc()

	body = scrape(t, r)
	assert.Contains(t, body, "escrowchat_messages_posted_total")
	assert.Contains(t, body, `escrowchat_dispute_transitions_total{to="IN_REVIEW"}`)
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:orderId/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/orders/ord_1/messages", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	body := scrape(t, r)
	assert.Contains(t, body, `path="/v1/orders/:orderId/messages"`)
	assert.NotContains(t, body, "ord_1")
}
