package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ReviewCheckTask records one attempt to reconcile a review check against the
// external review source. A check gets at most one task per kind (fast pass
// right after submission, recheck pass later); the unique constraint makes
// task creation safe across concurrent workers.
type ReviewCheckTask struct {
	ID            int                   `gorm:"primary_key" json:"id"`
	ReviewCheckId int                   `gorm:"not null;index:uniq_check_kind,unique" json:"review_check_id"`
	Kind          ReviewCheckTaskKind   `gorm:"size:10;not null;index:uniq_check_kind,unique" json:"kind"`
	Status        ReviewCheckTaskStatus `gorm:"size:20;not null;index" json:"status"`
	ReviewURL     *string               `gorm:"size:500" json:"review_url"`
	Detail        *string               `gorm:"type:text" json:"detail"`
	CreatedAt     time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrTaskAlreadyExists = errors.New("verification task already exists for this check and kind")

// A PENDING task older than this is presumed abandoned (worker crashed
// between claim and complete) and may be re-owned by the next claimer.
const taskStaleAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ClaimReviewCheckTask inserts the PENDING task row for (check, kind). The
// insert doubles as the cross-instance claim: a duplicate key means another
// worker already owns this attempt.
//
// If the existing row is still PENDING past the staleness window, its owner
// never completed it. The row is then re-owned instead of rejected, so a
// crashed worker cannot wedge the (check, kind) pair forever.
func ClaimReviewCheckTask(ctx context.Context, reviewCheckId int, kind ReviewCheckTaskKind) (*ReviewCheckTask, error) {
	task := ReviewCheckTask{
		ReviewCheckId: reviewCheckId,
		Kind:          kind,
		Status:        TaskStatusPending,
	}
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&task).Error
	if err == nil {
		return &task, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing ReviewCheckTask
	if err := db.WithContext(ctx).
		Where("review_check_id = ? AND kind = ?", reviewCheckId, kind).
		First(&existing).Error; err != nil {
		return nil, err
	}
	if existing.Status != TaskStatusPending || time.Since(existing.UpdatedAt) < taskStaleAfter {
		return nil, ErrTaskAlreadyExists
	}

	// Re-own the stale row. The updated_at guard means only one reclaimer
	// wins; the update itself bumps updated_at, restarting the window.
	res := db.WithContext(ctx).Model(&ReviewCheckTask{}).
		Where("id = ? AND status = ? AND updated_at < ?",
			existing.ID, TaskStatusPending, time.Now().Add(-taskStaleAfter)).
		Updates(map[string]interface{}{"detail": nil})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTaskAlreadyExists
	}
	existing.Detail = nil
	return &existing, nil
}

// CompleteReviewCheckTask moves a task out of PENDING exactly once. The
// conditional update is what makes the facility notification single-shot:
// only the caller that wins this transition sends mail.
func CompleteReviewCheckTask(ctx context.Context, taskId int, status ReviewCheckTaskStatus, reviewURL *string, detail *string) (bool, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&ReviewCheckTask{}).
		Where("id = ? AND status = ?", taskId, TaskStatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"review_url": reviewURL,
			"detail":     detail,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func GetReviewCheckTasks(ctx context.Context, reviewCheckId int) ([]ReviewCheckTask, error) {
	db := config.GetDB()
	var tasks []ReviewCheckTask
	err := db.WithContext(ctx).
		Where("review_check_id = ?", reviewCheckId).
		Order("id ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeriveConfirmationStatus folds a check's tasks into its externally visible
// confirmation status. Recomputed on every read; tasks complete in any order.
func DeriveConfirmationStatus(tasks []ReviewCheckTask) ConfirmationStatus {
	if len(tasks) == 0 {
		return ConfirmationPending
	}

	confirmed := 0
	alreadyConfirmed := 0
	failed := 0
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusConfirmed:
			confirmed++
		case TaskStatusAlreadyConfirmed:
			alreadyConfirmed++
		case TaskStatusFailed, TaskStatusSkipped:
			failed++
		}
	}

	if confirmed > 0 {
		return ConfirmationConfirmed
	}
	if len(tasks) >= 2 && alreadyConfirmed == len(tasks) {
		return ConfirmationDuplicate
	}
	if len(tasks) >= 2 && failed == len(tasks) {
		return ConfirmationFailed
	}
	return ConfirmationPending
}
