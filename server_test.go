package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestFacilityApprovalResponse(t *testing.T) {
	cases := []struct {
		name        string
		outcome     models.ApprovalOutcome
		wantStatus  int
		wantSuccess bool
	}{
		{"approved", models.ApprovalOutcomeApproved, http.StatusOK, true},
		{"already approved", models.ApprovalOutcomeAlreadyApproved, http.StatusOK, true},
		{"invalid token", models.ApprovalOutcomeInvalidToken, http.StatusForbidden, false},
		{"not found", models.ApprovalOutcomeNotFound, http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := facilityApprovalResponse(tc.outcome)
			if status != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, status)
			}
			success, ok := body["success"].(bool)
			if !ok || success != tc.wantSuccess {
				t.Fatalf("expected success=%v, got %v", tc.wantSuccess, body["success"])
			}
			message, ok := body["message"].(string)
			if !ok || message == "" {
				t.Fatalf("expected a non-empty message, got %v", body["message"])
			}
		})
	}
}

// Regression: the limiter must never leave a counter key without a TTL. The
// old Exists-then-Incr sequence could recreate an expired key with no expiry,
// which rate-limited that IP permanently once the count passed the limit.
func TestRateLimitMiddleware_WindowExpiresAndResets(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = redisDockerRmForce(redisName) })

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:" + redisPort})
	t.Cleanup(func() { _ = client.Close() })

	const (
		limit  = 3
		window = time.Second
		ip     = "10.9.8.7"
	)
	rl := NewRateLimiter(client, limit, window)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ping", rl.RateLimitMiddleware, func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":52000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < limit; i++ {
		if got := hit(); got != http.StatusOK {
			t.Fatalf("request %d within the limit: expected 200, got %d", i+1, got)
		}
	}
	if got := hit(); got != http.StatusTooManyRequests {
		t.Fatalf("request past the limit: expected 429, got %d", got)
	}

	// The counter key must carry a TTL; without one the IP stays limited forever.
	ttl, err := client.TTL(context.Background(), ip).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected a positive TTL on the counter key, got %v", ttl)
	}

	// Once the window expires the same IP is admitted again.
	time.Sleep(window + 200*time.Millisecond)
	if got := hit(); got != http.StatusOK {
		t.Fatalf("request after window expiry: expected 200, got %d", got)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("directory-test-redis-%d", time.Now().UnixNano())
	out, err := redisDockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := redisDockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		out, err := redisDockerRun("exec", name, "redis-cli", "ping")
		if err == nil && strings.Contains(out, "PONG") {
			return name, port
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func redisDockerHostPort(container, portProto string) (string, error) {
	out, err := redisDockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func redisDockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := redisDockerRun("rm", "-f", container)
	return err
}

func redisDockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
