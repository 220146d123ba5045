package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecheckWorker periodically re-verifies checks whose fast pass came up
// empty. A review posted minutes after submission, or a scrape that failed
// while the provider was down, gets a second chance here. The (check, kind)
// uniqueness on tasks makes overlapping workers across instances harmless:
// whoever inserts the RECHECK row first does the work.
type RecheckWorker struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string

	PollInterval time.Duration
	BatchSize    int
	// A check becomes eligible after MinAge (give the review platform time
	// to index the post) and ages out after MaxAge.
	MinAge time.Duration
	MaxAge time.Duration
}

func NewRecheckWorker(db *gorm.DB, logger *logrus.Logger) *RecheckWorker {
	return &RecheckWorker{
		DB:           db,
		Logger:       logger,
		WorkerID:     uuid.NewString(),
		PollInterval: 5 * time.Minute,
		BatchSize:    20,
		MinAge:       time.Hour,
		MaxAge:       14 * 24 * time.Hour,
	}
}

func (w *RecheckWorker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

func (w *RecheckWorker) runOnce(ctx context.Context) {
	db := w.DB
	if db == nil {
		return
	}
	now := time.Now().UTC()

	// Eligible: fast pass finished without confirming, no recheck exists yet,
	// check age inside the window.
	var ids []int
	err := db.WithContext(ctx).Model(&models.ReviewCheck{}).
		Select("review_checks.id").
		Joins(`JOIN review_check_tasks fast
			ON fast.review_check_id = review_checks.id AND fast.kind = ?`, models.TaskKindFast).
		Where("fast.status IN ?", []models.ReviewCheckTaskStatus{
			models.TaskStatusFailed, models.TaskStatusSkipped,
		}).
		Where(`NOT EXISTS (
			SELECT 1 FROM review_check_tasks rc
			WHERE rc.review_check_id = review_checks.id AND rc.kind = ?)`, models.TaskKindRecheck).
		Where("review_checks.status = ?", models.ReviewCheckStatusActive).
		Where("review_checks.created_at <= ?", now.Add(-w.MinAge)).
		Where("review_checks.created_at > ?", now.Add(-w.MaxAge)).
		Order("review_checks.id ASC").
		Limit(w.BatchSize).
		Scan(&ids).Error
	if err != nil {
		config.LogError(w.Logger, "recheckWorker.go", "runOnce", "select eligible", w.WorkerID, err)
		return
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		confirmed, err := VerifyReviewCheck(ctx, id, models.TaskKindRecheck)
		if err != nil {
			config.LogError(w.Logger, "recheckWorker.go", "runOnce", "VerifyReviewCheck", id, err)
			continue
		}
		if confirmed && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":           "RecheckWorker",
				"review_check_id": id,
				"worker_id":       w.WorkerID,
			}).Info("recheck confirmed review")
		}
	}
}
