// Package reviews talks to the external review-hosting scrape API. The API
// is asynchronous: submit a task for a facility's public review page, poll
// the task until it leaves pending, then fetch the results.
package reviews

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured means the API credentials are absent. Callers treat it as
// "no reviews found" (soft failure): verification degrades, requests never
// crash on it.
var ErrNotConfigured = errors.New("reviews api is not configured")

type reviewsClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client

	pollAttempts int
	pollInterval time.Duration
	fetchLimit   int
}

func newReviewsClient() (*reviewsClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("REVIEWS_API_KEY"))
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimSpace(os.Getenv("REVIEWS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.reviewscrape.io"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("REVIEWS_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	return &reviewsClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		apiKeyHdr:    apiKeyHeader,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollAttempts: intFromEnv("REVIEWS_POLL_ATTEMPTS", 10),
		pollInterval: time.Duration(intFromEnv("REVIEWS_POLL_INTERVAL_SECONDS", 3)) * time.Second,
		fetchLimit:   intFromEnv("REVIEWS_FETCH_LIMIT", 20),
	}, nil
}

// Review is one public review entry as listed by the external source.
type Review struct {
	AuthorName string `json:"author_name"`
	ReviewURL  string `json:"review_url"`
	Rating     int    `json:"rating"`
	Text       string `json:"text"`
	PostedAt   string `json:"posted_at"`
}

type submitTaskRequest struct {
	URL   string `json:"url"`
	Limit int    `json:"limit"`
}

type submitTaskResponse struct {
	TaskId string `json:"task_id"`
}

type taskStatusResponse struct {
	Status string `json:"status"` // pending | finished | failed
	Error  string `json:"error"`
}

type taskResultsResponse struct {
	Reviews []Review `json:"reviews"`
}

// FetchRecentReviews returns the most recent public reviews for the given
// review page. It blocks for at most pollAttempts*pollInterval plus request
// time; a task that is still pending after that counts as a failed attempt.
func FetchRecentReviews(ctx context.Context, reviewPageURL string) ([]Review, error) {
	c, err := newReviewsClient()
	if err != nil {
		return nil, err
	}
	return c.fetchRecentReviews(ctx, reviewPageURL)
}

func (c *reviewsClient) fetchRecentReviews(ctx context.Context, reviewPageURL string) ([]Review, error) {
	if strings.TrimSpace(reviewPageURL) == "" {
		return nil, errors.New("facility has no review page url")
	}

	taskId, err := c.submitTask(ctx, reviewPageURL)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		status, err := c.getTaskStatus(ctx, taskId)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case "finished":
			return c.fetchTaskResults(ctx, taskId)
		case "failed":
			return nil, fmt.Errorf("reviews task %s failed: %s", taskId, status.Error)
		}
		// still pending
	}
	return nil, fmt.Errorf("reviews task %s still pending after %d polls", taskId, c.pollAttempts)
}

func (c *reviewsClient) submitTask(ctx context.Context, reviewPageURL string) (string, error) {
	payload, err := json.Marshal(submitTaskRequest{URL: reviewPageURL, Limit: c.fetchLimit})
	if err != nil {
		return "", err
	}
	var resp submitTaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/review-tasks", payload, &resp); err != nil {
		return "", err
	}
	if resp.TaskId == "" {
		return "", errors.New("reviews api returned empty task id")
	}
	return resp.TaskId, nil
}

func (c *reviewsClient) getTaskStatus(ctx context.Context, taskId string) (taskStatusResponse, error) {
	var resp taskStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/review-tasks/"+taskId, nil, &resp)
	return resp, err
}

func (c *reviewsClient) fetchTaskResults(ctx context.Context, taskId string) ([]Review, error) {
	var resp taskResultsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/review-tasks/"+taskId+"/results", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Reviews, nil
}

func (c *reviewsClient) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reviews api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
