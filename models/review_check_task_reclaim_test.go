package models_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
)

// Regression: a worker that claims a verification task and dies before
// completing it must not wedge that (check, kind) forever. A PENDING row past
// the staleness window is re-owned by the next claimer; a fresh PENDING row
// and a completed row stay exclusive.
func TestClaimReviewCheckTask_ReclaimsStalePendingTask(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "directory_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	facility, err := models.CreateFacility(ctx, &models.NewFacility{
		Name:          "Reclaim Clinic",
		Email:         "contact@reclaim-clinic.example",
		ReviewPageURL: "https://maps.example/reclaim-clinic",
	})
	if err != nil {
		t.Fatalf("CreateFacility: %v", err)
	}
	reviewCheck, err := models.CreateReviewCheck(ctx, &models.NewReviewCheck{
		FacilityId:          facility.ID,
		ReviewerName:        "Aye Chan",
		ReviewerAccountName: "ayechan88",
		ReviewerEmail:       "ayechan@example.com",
	})
	if err != nil {
		t.Fatalf("CreateReviewCheck: %v", err)
	}

	task, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, models.TaskKindFast)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// The first owner is presumed alive while the row is fresh.
	if _, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, models.TaskKindFast); !errors.Is(err, models.ErrTaskAlreadyExists) {
		t.Fatalf("expected ErrTaskAlreadyExists for a fresh PENDING task, got %v", err)
	}

	// Simulate the owner crashing before CompleteReviewCheckTask: the row
	// stays PENDING and its updated_at drifts past the staleness window.
	db := config.GetDB()
	if err := db.Exec("UPDATE review_check_tasks SET updated_at = ? WHERE id = ?",
		time.Now().Add(-10*time.Minute), task.ID).Error; err != nil {
		t.Fatalf("backdate task: %v", err)
	}

	reclaimed, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, models.TaskKindFast)
	if err != nil {
		t.Fatalf("expected the stale task to be re-owned, got %v", err)
	}
	if reclaimed.ID != task.ID {
		t.Fatalf("expected the same task row back, got id=%d want %d", reclaimed.ID, task.ID)
	}

	// The re-owned row is fresh again; a third claimer is locked out.
	if _, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, models.TaskKindFast); !errors.Is(err, models.ErrTaskAlreadyExists) {
		t.Fatalf("expected ErrTaskAlreadyExists right after reclaim, got %v", err)
	}

	// The reclaimer can finish the job the crashed worker started.
	detail := "no review by this account name on the page"
	won, err := models.CompleteReviewCheckTask(ctx, reclaimed.ID, models.TaskStatusFailed, nil, &detail)
	if err != nil {
		t.Fatalf("CompleteReviewCheckTask: %v", err)
	}
	if !won {
		t.Fatal("expected the reclaimer to win the completion")
	}

	// A completed row is final no matter how old it gets.
	if err := db.Exec("UPDATE review_check_tasks SET updated_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour), task.ID).Error; err != nil {
		t.Fatalf("backdate completed task: %v", err)
	}
	if _, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, models.TaskKindFast); !errors.Is(err, models.ErrTaskAlreadyExists) {
		t.Fatalf("expected ErrTaskAlreadyExists for a completed task, got %v", err)
	}
}
