package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/mailer"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/google/uuid"
)

// ReviewCheck is one visitor's assertion of having posted a public review
// for a facility, tracked from submission through gift code delivery.
//
// Both tokens are capability-bearing: anyone holding the value may exercise
// its transition, once. They are issued at creation and never rotated.
type ReviewCheck struct {
	ID                  int     `gorm:"primary_key" json:"id"`
	FacilityId          int     `gorm:"not null;index" json:"facility_id"`
	ReviewerName        string  `gorm:"size:191;not null" json:"reviewer_name"`
	ReviewerAccountName string  `gorm:"size:191;not null" json:"reviewer_account_name"`
	ReviewerEmail       string  `gorm:"size:191;not null" json:"reviewer_email"`
	ReviewURL           *string `gorm:"size:500" json:"review_url"`

	FacilityToken    string `gorm:"size:36;not null;uniqueIndex" json:"-"`
	AdminToken       string `gorm:"size:36;not null;uniqueIndex" json:"-"`
	FacilityApproved bool   `gorm:"not null;default:false" json:"facility_approved"`

	FulfillmentStatus FulfillmentStatus `gorm:"size:20;not null;default:UNSENT" json:"fulfillment_status"`
	Status            ReviewCheckStatus `gorm:"size:10;not null;default:ACTIVE" json:"status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReviewCheck struct {
	FacilityId          int    `json:"facility_id" binding:"required"`
	ReviewerName        string `json:"reviewer_name" binding:"required"`
	ReviewerAccountName string `json:"reviewer_account_name" binding:"required"`
	ReviewerEmail       string `json:"reviewer_email" binding:"required,email"`
}

func (input *NewReviewCheck) validate(ctx context.Context) (*Facility, error) {
	if !utils.IsValidEmail(input.ReviewerEmail) {
		return nil, errors.New("reviewer email is invalid")
	}
	facility, err := GetFacility(ctx, input.FacilityId)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, errors.New("facility not found")
		}
		return nil, err
	}
	if !utils.DereferencePtr(facility.IsActive) {
		return nil, errors.New("facility is not active")
	}
	return facility, nil
}

func CreateReviewCheck(ctx context.Context, input *NewReviewCheck) (*ReviewCheck, error) {
	if _, err := input.validate(ctx); err != nil {
		return nil, err
	}

	reviewCheck := ReviewCheck{
		FacilityId:          input.FacilityId,
		ReviewerName:        input.ReviewerName,
		ReviewerAccountName: input.ReviewerAccountName,
		ReviewerEmail:       input.ReviewerEmail,
		FacilityToken:       uuid.NewString(),
		AdminToken:          uuid.NewString(),
		FulfillmentStatus:   FulfillmentStatusUnsent,
		Status:              ReviewCheckStatusActive,
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&reviewCheck).Error
	if err != nil {
		return nil, err
	}

	return &reviewCheck, nil
}

func GetReviewCheck(ctx context.Context, id int) (*ReviewCheck, error) {
	db := config.GetDB()
	var reviewCheck ReviewCheck
	err := db.WithContext(ctx).Where("id = ?", id).First(&reviewCheck).Error
	if err != nil {
		return nil, err
	}
	return &reviewCheck, nil
}

// ApprovalOutcome distinguishes the four ways a token click can land.
// "Already approved" is a success for the human on the other end (mail
// clients prefetch links; people double-click), not an error.
type ApprovalOutcome string

const (
	ApprovalOutcomeApproved        ApprovalOutcome = "APPROVED"
	ApprovalOutcomeAlreadyApproved ApprovalOutcome = "ALREADY_APPROVED"
	ApprovalOutcomeInvalidToken    ApprovalOutcome = "INVALID_TOKEN"
	ApprovalOutcomeNotFound        ApprovalOutcome = "NOT_FOUND"
)

// evaluateFacilityApproval is the pure guard for the facility transition.
// Token mismatch always wins over replay detection: a wrong link must never
// learn whether the check was already approved.
func evaluateFacilityApproval(reviewCheck *ReviewCheck, token string) ApprovalOutcome {
	if token == "" || token != reviewCheck.FacilityToken {
		return ApprovalOutcomeInvalidToken
	}
	if reviewCheck.FacilityApproved {
		return ApprovalOutcomeAlreadyApproved
	}
	return ApprovalOutcomeApproved
}

// evaluateAdminApproval guards the admin transition. "Already done" for the
// admin side is judged against FulfillmentStatus by the send workflow, so the
// guard only checks the capability itself.
func evaluateAdminApproval(reviewCheck *ReviewCheck, token string) ApprovalOutcome {
	if token == "" || token != reviewCheck.AdminToken {
		return ApprovalOutcomeInvalidToken
	}
	return ApprovalOutcomeApproved
}

// ApproveByFacility executes the facility transition. On the first success it
// dispatches the admin approval request carrying the second token; the flip
// is a conditional update so the admin mail goes out at most once even when
// the same link lands twice concurrently.
//
// A dispatch failure after the flip downgrades the check to FAILED and is
// returned as an error (callers surface a 500).
func ApproveByFacility(ctx context.Context, id int, token string) (ApprovalOutcome, *ReviewCheck, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	reviewCheck, err := GetReviewCheck(ctx, id)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return ApprovalOutcomeNotFound, nil, nil
		}
		return "", nil, err
	}

	outcome := evaluateFacilityApproval(reviewCheck, token)
	if outcome != ApprovalOutcomeApproved {
		return outcome, reviewCheck, nil
	}

	res := db.WithContext(ctx).Model(&ReviewCheck{}).
		Where("id = ? AND facility_approved = 0", reviewCheck.ID).
		Update("facility_approved", true)
	if res.Error != nil {
		return "", nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race against a concurrent click on the same link.
		reviewCheck.FacilityApproved = true
		return ApprovalOutcomeAlreadyApproved, reviewCheck, nil
	}
	reviewCheck.FacilityApproved = true

	if err := sendAdminApprovalRequest(ctx, reviewCheck); err != nil {
		config.LogError(logger, "reviewCheck.go", "ApproveByFacility", "sendAdminApprovalRequest", reviewCheck.ID, err)
		_ = db.WithContext(ctx).Model(&ReviewCheck{}).
			Where("id = ?", reviewCheck.ID).
			Update("status", ReviewCheckStatusFailed).Error
		reviewCheck.Status = ReviewCheckStatusFailed
		return "", reviewCheck, err
	}

	return ApprovalOutcomeApproved, reviewCheck, nil
}

// AuthorizeAdminToken loads the check and evaluates the admin capability.
// The send workflow owns everything past this guard.
func AuthorizeAdminToken(ctx context.Context, id int, token string) (ApprovalOutcome, *ReviewCheck, error) {
	reviewCheck, err := GetReviewCheck(ctx, id)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return ApprovalOutcomeNotFound, nil, nil
		}
		return "", nil, err
	}
	return evaluateAdminApproval(reviewCheck, token), reviewCheck, nil
}

func sendAdminApprovalRequest(ctx context.Context, reviewCheck *ReviewCheck) error {
	facility, err := GetFacility(ctx, reviewCheck.FacilityId)
	if err != nil {
		return err
	}

	amount := "not configured"
	if facility.GiftAmount != nil {
		amount = facility.GiftAmount.StringFixed(2)
	}
	subject, body, err := mailer.Render(mailer.KindAdminApprovalRequest, mailer.Fields{
		ReviewerName: reviewCheck.ReviewerName,
		FacilityName: facility.Name,
		Amount:       amount,
		Link:         ResendGiftCodeLink(reviewCheck),
	})
	if err != nil {
		return err
	}

	m := config.GetMailer()
	if len(m.AdminRecipients()) == 0 {
		return errors.New("no admin recipients configured (ADMIN_EMAILS)")
	}
	if !m.Send(m.AdminRecipients(), subject, body) {
		return errors.New("admin approval request could not be delivered to any recipient")
	}
	return nil
}

// ReviewURLTaken reports whether a different check has already claimed the
// same review URL. One posted review funds at most one gift code.
func ReviewURLTaken(ctx context.Context, reviewURL string, excludeCheckId int) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&ReviewCheck{}).
		Where("review_url = ? AND id <> ?", reviewURL, excludeCheckId).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func SetReviewURL(ctx context.Context, id int, reviewURL string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&ReviewCheck{}).
		Where("id = ?", id).
		Update("review_url", reviewURL).Error
}

// FacilityApproveLink is the single-use facility approval URL sent to the
// facility contact once a review is confirmed.
func FacilityApproveLink(reviewCheck *ReviewCheck) string {
	return fmt.Sprintf("%s/review-checks/%d/facility-approve?token=%s",
		config.AppBaseURL(), reviewCheck.ID, reviewCheck.FacilityToken)
}

// ResendGiftCodeLink is both the admin approval URL and the re-drive URL in
// escalation mail; the send workflow makes re-entry idempotent.
func ResendGiftCodeLink(reviewCheck *ReviewCheck) string {
	return fmt.Sprintf("%s/review-checks/%d/resend-gift-code?token=%s",
		config.AppBaseURL(), reviewCheck.ID, reviewCheck.AdminToken)
}
