package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/config"
	"github.com/mbd888/escrowchat/internal/notify"
	"github.com/mbd888/escrowchat/internal/order"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingCollaborator struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingCollaborator) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingCollaborator) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.RecipientID)
	}
	return out
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		LogFormat:    "json",
		JWTSecret:    "server-test-secret-server-test-secret",
		JWTIssuer:    "escrowchat-test",
		RateLimitRPM: 10000,
	}
}

// newTestServer creates an in-memory server with the demo order seeded
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func token(t *testing.T, s *Server, id string, role auth.Role) string {
	t.Helper()
	tok, err := s.Issuer().Issue(auth.Actor{ID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	w = do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it.
	w = do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodGet, "/health", "", nil)

	w := do(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowchat_http_requests_total")
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-ID", "req-from-lb")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-from-lb", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = do(s, http.MethodGet, "/v1/info", "", nil)
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))
}

func TestDevTokenOnlyInDevelopment(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodPost, "/v1/auth/dev-token", "", map[string]string{"userId": "usr_buyer"})
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	w = do(s, http.MethodGet, "/v1/auth/me", body.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usr_buyer")

	cfg := testConfig()
	cfg.Env = "production"
	defer gin.SetMode(gin.TestMode)
	prod, err := New(cfg)
	require.NoError(t, err)
	defer prod.rateLimiter.Stop()
	w = do(prod, http.MethodPost, "/v1/auth/dev-token", "", map[string]string{"userId": "usr_buyer"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProductionStartsWithoutDemoOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	defer gin.SetMode(gin.TestMode)
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	w := do(s, http.MethodGet, "/v1/orders/"+DemoOrderID+"/messages", token(t, s, "usr_buyer", auth.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagingFlowOverTheFullStack(t *testing.T) {
	collab := &recordingCollaborator{}
	s := newTestServer(t, WithCollaborator(collab))
	buyer := token(t, s, "usr_buyer", auth.RoleUser)
	path := "/v1/orders/" + DemoOrderID + "/messages"

	w := do(s, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, path, token(t, s, "usr_stranger", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodPost, path, buyer, map[string]interface{}{
		"blocks": []map[string]string{{"type": "text", "text": "where is my parcel?"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodGet, path, token(t, s, "usr_seller", auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var thread struct {
		Messages []struct {
			SenderID string `json:"senderId"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "usr_buyer", thread.Messages[0].SenderID)

	assert.Equal(t, []string{"usr_seller"}, collab.recipients())
}

func TestDisputeRoutesAreWired(t *testing.T) {
	s := newTestServer(t, WithCollaborator(&recordingCollaborator{}))
	buyer := token(t, s, "usr_buyer", auth.RoleUser)

	w := do(s, http.MethodPost, "/v1/orders/"+DemoOrderID+"/disputes", buyer, map[string]string{"reason": "DAMAGED"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/disputes", token(t, s, "mod_1", auth.RoleModerator), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRealtimeStats(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/admin/realtime", token(t, s, "usr_buyer", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/realtime", token(t, s, "adm_1", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedClients")
}

func TestRateLimitIsPerActor(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	a := token(t, s, "usr_buyer", auth.RoleUser)
	b := token(t, s, "usr_seller", auth.RoleUser)

	var limited bool
	for i := 0; i < 50; i++ {
		if do(s, http.MethodGet, "/v1/auth/me", a, nil).Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "buyer should hit the limit")
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/auth/me", b, nil).Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/escrowchat", maskDSN("postgres://app:secret@db:5432/escrowchat"))
	assert.Equal(t, "postgres://db/escrowchat", maskDSN("postgres://db/escrowchat"))
}

func TestWithOrderStore(t *testing.T) {
	orders := order.NewMemoryStore()
	require.NoError(t, orders.Create(context.Background(), &order.Order{ID: "ord_x", BuyerID: "usr_a", SellerID: "usr_b"}))
	s := newTestServer(t, WithOrderStore(orders), WithDrainDelay(0))

	w := do(s, http.MethodGet, "/v1/orders/ord_x/messages", token(t, s, "usr_a", auth.RoleUser), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/v1/orders/"+DemoOrderID+"/messages", token(t, s, "usr_buyer", auth.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no demo seed into an injected store")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, WithDrainDelay(0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}
