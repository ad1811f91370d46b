package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clk.Now
	return l, clk
}

func TestLimiterAllow_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("actor:usr_1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("actor:usr_1"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("actor:usr_1"))
	assert.False(t, l.Allow("actor:usr_1"))
}

func TestLimiterMultipleKeys(t *testing.T) {
	l, _ := newTestLimiter(60, 2)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterEvictIdle(t *testing.T) {
	l, clk := newTestLimiter(60, 1)
	defer l.Stop()

	l.Allow("a")
	assert.False(t, l.Allow("a"))
	clk.Advance(3 * time.Minute)
	l.evictIdle(2 * time.Minute)

	l.mu.Lock()
	_, present := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, present)
}

func TestStop_Idempotent(t *testing.T) {
	l, _ := newTestLimiter(60, 1)
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeyFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(60, 1)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return "actor:" + c.GetHeader("X-Actor") }))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(actor string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-Actor", actor)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("buyer"))
	assert.Equal(t, http.StatusTooManyRequests, do("buyer"))
	assert.Equal(t, http.StatusOK, do("seller"))
}
