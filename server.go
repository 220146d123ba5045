package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"bitbucket.org/mmdatafocus/directory_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("directory-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// resultPage is what admins and facility contacts see after clicking a mail
// link. Kept deliberately dependency-free; this is not the directory UI.
var resultPage = template.Must(template.New("result").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
<h1>{{.Title}}</h1>
<p>{{.Detail}}</p>
</body>
</html>`))

func renderResultPage(c *gin.Context, status int, title, detail string) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = resultPage.Execute(c.Writer, gin.H{"Title": title, "Detail": detail})
}

func createReviewCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var input models.NewReviewCheck
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		reviewCheck, err := models.CreateReviewCheck(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Kick off the fast verification pass. Through Pub/Sub when a verify
		// topic is configured (push redelivery gives retries for free);
		// otherwise in-process so a single-node deploy still works.
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		if config.VerifyQueueConfigured() {
			_, pubErr := config.PublishVerifyRequest(c.Request.Context(), config.VerifyRequestMessage{
				ReviewCheckId: reviewCheck.ID,
				Attempt:       string(models.TaskKindFast),
				CorrelationId: cid,
			})
			if pubErr != nil {
				config.LogError(logger, "server.go", "createReviewCheckHandler", "PublishVerifyRequest", reviewCheck.ID, pubErr)
			}
		} else {
			go func(id int, cid string) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				ctx = utils.SetCorrelationIdInContext(ctx, cid)
				if _, err := workflow.VerifyReviewCheck(ctx, id, models.TaskKindFast); err != nil {
					config.LogError(logger, "server.go", "createReviewCheckHandler", "VerifyReviewCheck", id, err)
				}
			}(reviewCheck.ID, cid)
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":                  reviewCheck.ID,
			"facility_id":         reviewCheck.FacilityId,
			"confirmation_status": models.ConfirmationPending,
			"correlation_id":      cid,
		})
	}
}

func getReviewCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		reviewCheck, err := models.GetReviewCheck(c.Request.Context(), id)
		if err != nil {
			if utils.IsRecordNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "review check not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		tasks, err := models.GetReviewCheckTasks(c.Request.Context(), reviewCheck.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":                  reviewCheck.ID,
			"facility_id":         reviewCheck.FacilityId,
			"confirmation_status": models.DeriveConfirmationStatus(tasks),
			"facility_approved":   reviewCheck.FacilityApproved,
			"fulfillment_status":  reviewCheck.FulfillmentStatus,
			"status":              reviewCheck.Status,
		})
	}
}

// facilityApprovalResponse maps an approval outcome onto the endpoint's
// {success, message} JSON contract.
func facilityApprovalResponse(outcome models.ApprovalOutcome) (int, gin.H) {
	switch outcome {
	case models.ApprovalOutcomeNotFound:
		return http.StatusNotFound, gin.H{"success": false, "message": "review check not found"}
	case models.ApprovalOutcomeInvalidToken:
		return http.StatusForbidden, gin.H{"success": false, "message": "invalid link"}
	case models.ApprovalOutcomeAlreadyApproved:
		return http.StatusOK, gin.H{"success": true, "message": "already approved"}
	default:
		return http.StatusOK, gin.H{"success": true, "message": "approved; the admin team has been notified"}
	}
}

// facilityApproveHandler serves the link mailed to the facility contact. GET
// and POST both land here since mail clients only produce GETs.
func facilityApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid id"})
			return
		}
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "token is required"})
			return
		}

		outcome, _, err := models.ApproveByFacility(c.Request.Context(), id, token)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "the approval could not be completed; please contact support"})
			return
		}
		c.JSON(facilityApprovalResponse(outcome))
	}
}

// resendGiftCodeHandler serves the admin link: both the first approval click
// and every later re-drive. The send workflow makes repeats harmless, so the
// handler only has to guard the token and translate the result for a human.
func resendGiftCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			renderResultPage(c, http.StatusBadRequest, "Invalid link", "This link is malformed.")
			return
		}
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			renderResultPage(c, http.StatusBadRequest, "Invalid link", "This link is missing its token.")
			return
		}

		outcome, _, err := models.AuthorizeAdminToken(c.Request.Context(), id, token)
		if err != nil {
			renderResultPage(c, http.StatusInternalServerError, "Something went wrong", "Please try the link again in a moment.")
			return
		}
		switch outcome {
		case models.ApprovalOutcomeNotFound:
			renderResultPage(c, http.StatusNotFound, "Not found", "This review check no longer exists.")
			return
		case models.ApprovalOutcomeInvalidToken:
			renderResultPage(c, http.StatusForbidden, "Invalid link", "This link is not valid.")
			return
		}

		result, err := workflow.FulfillReviewCheck(c.Request.Context(), id)
		if err != nil {
			renderResultPage(c, http.StatusInternalServerError, "Something went wrong", "The gift code send did not complete. Please try the link again.")
			return
		}
		switch result {
		case workflow.ResultSent:
			renderResultPage(c, http.StatusOK, "Gift code sent", "The reviewer has been emailed their gift code.")
		case workflow.ResultAlreadySent:
			renderResultPage(c, http.StatusOK, "Already sent", "A gift code was already delivered for this review. Nothing more to do.")
		case workflow.ResultOutOfStock:
			renderResultPage(c, http.StatusOK, "Out of codes", "No gift code could be sent right now. Top up the pool and click this link again.")
		case workflow.ResultNotConfigured:
			renderResultPage(c, http.StatusOK, "Not configured", "This facility has no gift amount configured. Set one and click this link again.")
		default:
			renderResultPage(c, http.StatusInternalServerError, "Something went wrong", "Unexpected result. Please contact support.")
		}
	}
}

// verifyReviewCheckHandler triggers a verification pass directly, without
// Pub/Sub. Used by single-node deploys and by support to re-run a check.
func verifyReviewCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		confirmed, err := workflow.VerifyReviewCheck(c.Request.Context(), id, models.TaskKindFast)
		if err != nil {
			if utils.IsRecordNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "review check not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "confirmed": confirmed})
	}
}

func verifyPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "verifyPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var msg PubSubMessage
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "verifyPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.VerifyRequestMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "verifyPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		kind := models.ReviewCheckTaskKind(m.Attempt)
		if m.ReviewCheckId <= 0 || (kind != models.TaskKindFast && kind != models.TaskKindRecheck) {
			config.LogError(logger, "server.go", "verifyPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("review_check_id/attempt required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
		ctx = utils.SetActorInContext(ctx, "System")
		if _, err := workflow.VerifyReviewCheck(ctx, m.ReviewCheckId, kind); err != nil {
			if utils.IsRecordNotFound(err) {
				// The check is gone; retrying will never help.
				c.Status(http.StatusNoContent)
				return
			}
			logger.WithFields(logrus.Fields{
				"field":           "verifyPubSubHandler",
				"review_check_id": m.ReviewCheckId,
				"attempt":         m.Attempt,
				"message_id":      msg.Message.ID,
				"correlation_id":  correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// opsAuth gates the internal endpoints on a shared token (OPS_TOKEN env).
// These would sit behind session auth in the main directory backend; this
// service is not internet-routed for ops paths.
func opsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := strings.TrimSpace(os.Getenv("OPS_TOKEN"))
		if want == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "ops endpoints are not configured (OPS_TOKEN)"})
			return
		}
		if c.GetHeader("token") != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type importGiftCodesRequest struct {
	Codes []models.NewGiftCode `json:"codes" binding:"required"`
}

func importGiftCodesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req importGiftCodesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(req.Codes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "codes are required"})
			return
		}
		imported, skipped, err := models.ImportGiftCodes(c.Request.Context(), req.Codes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "imported": imported, "skipped": skipped})
			return
		}
		c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped})
	}
}

func createFacilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFacility
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		facility, err := models.CreateFacility(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, facility)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate endpoints on database readiness. Redis stays optional: locks
		// and rate limiting degrade, they do not block serving.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/review-checks", createReviewCheckHandler())
	r.GET("/review-checks/:id", getReviewCheckHandler())
	// Mail links arrive as GETs; POST kept for API callers.
	r.GET("/review-checks/:id/facility-approve", facilityApproveHandler())
	r.POST("/review-checks/:id/facility-approve", facilityApproveHandler())
	r.GET("/review-checks/:id/resend-gift-code", resendGiftCodeHandler())
	r.POST("/review-checks/:id/resend-gift-code", resendGiftCodeHandler())
	r.POST("/review-checks/:id/verify", verifyReviewCheckHandler())
	r.POST("/pubsub/verify", verifyPubSubHandler())

	// Ops tooling behind a shared token.
	ops := r.Group("/internal/ops", opsAuth())
	ops.POST("/gift-codes/import", importGiftCodesHandler())
	ops.POST("/facilities", createFacilityHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the recheck worker (second verification pass for misses).
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go workflow.NewRecheckWorker(db, logger).Run(workerCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorker()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
	config.ClosePubSubClient()
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Incr creates the key when it is missing, so the count and the window
	// start together. ExpireNX arms the TTL only when the key has none,
	// which also heals a key that somehow lost its expiry; a key without a
	// TTL would rate-limit its IP forever once the count passed the limit.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if err := rl.client.ExpireNX(c.Request.Context(), key, rl.window).Err(); err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
