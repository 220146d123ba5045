package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/mailer"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"bitbucket.org/mmdatafocus/directory_backend/reviews"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/sirupsen/logrus"
)

// VerifyReviewCheck runs one verification attempt of the given kind against
// the facility's public review page. Each (check, kind) pair runs at most
// once across all instances: the task row insert is the claim, so a push
// redelivery or a second worker hitting the same check re-derives the stored
// outcome instead of scraping again. A claim abandoned mid-flight (worker
// crash before completing the task) goes stale after a few minutes and the
// next attempt re-owns it, so a redelivery can still finish the job.
//
// The returned bool is whether the review is confirmed for this check.
// Lookup failures (provider down, key missing) are recorded on the task and
// reported as not-confirmed rather than as errors; the recheck pass exists
// precisely to absorb them.
func VerifyReviewCheck(ctx context.Context, reviewCheckId int, kind models.ReviewCheckTaskKind) (bool, error) {
	logger := config.GetLogger()

	reviewCheck, err := models.GetReviewCheck(ctx, reviewCheckId)
	if err != nil {
		return false, err
	}

	tasks, err := models.GetReviewCheckTasks(ctx, reviewCheck.ID)
	if err != nil {
		return false, err
	}
	if models.DeriveConfirmationStatus(tasks) == models.ConfirmationConfirmed {
		return true, nil
	}

	task, err := models.ClaimReviewCheckTask(ctx, reviewCheck.ID, kind)
	if err != nil {
		if errors.Is(err, models.ErrTaskAlreadyExists) {
			return confirmedFromTasks(ctx, reviewCheck.ID)
		}
		return false, err
	}

	facility, err := models.GetFacility(ctx, reviewCheck.FacilityId)
	if err != nil {
		return false, err
	}

	found, err := reviews.FetchRecentReviews(ctx, facility.ReviewPageURL)
	if err != nil {
		// Soft failure: note it on the task and move on. ErrNotConfigured
		// lands here too so a keyless environment degrades instead of 500ing.
		logger.WithFields(logrus.Fields{
			"module":          "verification",
			"review_check_id": reviewCheck.ID,
			"kind":            string(kind),
		}).Warn("review lookup failed: " + err.Error())
		detail := err.Error()
		if _, cErr := models.CompleteReviewCheckTask(ctx, task.ID, models.TaskStatusFailed, nil, &detail); cErr != nil {
			return false, cErr
		}
		return false, nil
	}

	match := matchReview(found, reviewCheck.ReviewerAccountName)
	if match == nil {
		detail := "no review by this account name on the page"
		if _, err := models.CompleteReviewCheckTask(ctx, task.ID, models.TaskStatusFailed, nil, &detail); err != nil {
			return false, err
		}
		return false, nil
	}

	taken, err := models.ReviewURLTaken(ctx, match.ReviewURL, reviewCheck.ID)
	if err != nil {
		return false, err
	}
	if taken {
		detail := "review already redeemed by another check"
		if _, err := models.CompleteReviewCheckTask(ctx, task.ID, models.TaskStatusAlreadyConfirmed, &match.ReviewURL, &detail); err != nil {
			return false, err
		}
		return false, nil
	}

	won, err := models.CompleteReviewCheckTask(ctx, task.ID, models.TaskStatusConfirmed, &match.ReviewURL, nil)
	if err != nil {
		return false, err
	}
	if !won {
		// Someone else finalized this task between claim and complete.
		return confirmedFromTasks(ctx, reviewCheck.ID)
	}

	// Winning the complete makes this the only sender of the facility mail
	// for this kind, so the mail goes out before anything that can still
	// fail: a retry after an error here would short-circuit on the stored
	// outcome and never get another chance to send it. A send failure must
	// not undo a confirmed verification; it is logged and the facility link
	// stays reachable through support.
	if err := sendFacilityApprovalRequest(ctx, reviewCheck, facility); err != nil {
		config.LogError(logger, "verification.go", "VerifyReviewCheck", "sendFacilityApprovalRequest", reviewCheck.ID, err)
	}

	// Denormalized copy for the duplicate-redemption check. The task row
	// already holds the URL, so a failed write is logged, not fatal.
	if err := models.SetReviewURL(ctx, reviewCheck.ID, match.ReviewURL); err != nil {
		config.LogError(logger, "verification.go", "VerifyReviewCheck", "SetReviewURL", reviewCheck.ID, err)
	}
	return true, nil
}

func confirmedFromTasks(ctx context.Context, reviewCheckId int) (bool, error) {
	tasks, err := models.GetReviewCheckTasks(ctx, reviewCheckId)
	if err != nil {
		return false, err
	}
	return models.DeriveConfirmationStatus(tasks) == models.ConfirmationConfirmed, nil
}

// matchReview picks the first review whose author name equals the account
// name the visitor gave us. Exact string equality is deliberate: fuzzy
// matching would let "John S" collect against someone else's review.
func matchReview(found []reviews.Review, accountName string) *reviews.Review {
	for i := range found {
		if found[i].AuthorName == accountName {
			return &found[i]
		}
	}
	return nil
}

func sendFacilityApprovalRequest(ctx context.Context, reviewCheck *models.ReviewCheck, facility *models.Facility) error {
	if !utils.IsValidEmail(facility.Email) {
		return errors.New("facility contact email is invalid")
	}
	subject, body, err := mailer.Render(mailer.KindFacilityApprovalRequest, mailer.Fields{
		ReviewerName: reviewCheck.ReviewerName,
		FacilityName: facility.Name,
		Link:         models.FacilityApproveLink(reviewCheck),
	})
	if err != nil {
		return err
	}
	if !config.GetMailer().Send([]string{facility.Email}, subject, body) {
		return errors.New("facility approval request could not be delivered")
	}
	return nil
}
