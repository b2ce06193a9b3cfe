package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })
	defer rl.Stop()

	if !rl.Allow("1/2") {
		t.Fatalf("expected allow")
	}
	if !rl.Allow("1/2") {
		t.Fatalf("expected allow")
	}
	if rl.Allow("1/2") {
		t.Fatalf("expected deny")
	}
	if !rl.Allow("1/3") {
		t.Fatalf("expected other key to be independent")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !rl.Allow("1/2") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimitMiddleware_PerPair(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	r := gin.New()
	r.POST("/start/:doctorId/:patientId", RateLimitMiddleware(rl, PairKey), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/start/1/2", "/start/1/2", "/start/1/3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusOK {
		t.Fatalf("unexpected status codes %v", codes)
	}
}
