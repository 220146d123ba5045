package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/mailer"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FulfillmentResult is what the admin sees on the result page after clicking
// the send (or re-drive) link.
type FulfillmentResult string

const (
	ResultAlreadySent   FulfillmentResult = "ALREADY_SENT"
	ResultNotConfigured FulfillmentResult = "NOT_CONFIGURED"
	ResultOutOfStock    FulfillmentResult = "OUT_OF_STOCK"
	ResultSent          FulfillmentResult = "SENT"
)

// FulfillReviewCheck allocates one gift code for an admin-approved check and
// delivers it to the reviewer. It is the idempotent re-entry point behind the
// resend link: a check already marked SENT short-circuits before anything
// else, so a stale link clicked any number of times never burns a second
// code. On delivery failure the allocated code is released and admins get an
// escalation carrying the same link.
//
// Nothing in here retries automatically. A retry around the allocation could
// double-allocate when the failure was a false negative after a successful
// flip; the human-triggered re-drive is the only retry.
func FulfillReviewCheck(ctx context.Context, reviewCheckId int) (FulfillmentResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	// Redis lock is a best-effort optimization to keep concurrent re-drive
	// clicks from both reaching the database lock. Reliability must not
	// depend on Redis: the MySQL advisory lock below is the real guard.
	var lock *redislock.Lock
	if redisLock := config.GetRedisLock(); redisLock != nil {
		obtained, err := redisLock.Obtain(ctx, fmt.Sprintf("lock:giftsend:%d", reviewCheckId), 30*time.Second, nil)
		if err == nil {
			lock = obtained
		} else if err != redislock.ErrNotObtained {
			logger.WithFields(logrus.Fields{
				"module":          "fulfillment",
				"review_check_id": reviewCheckId,
			}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		}
	}
	defer func() {
		if lock != nil {
			_ = lock.Release(ctx)
		}
	}()

	var result FulfillmentResult
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		// GET_LOCK/RELEASE_LOCK must see the same connection.
		if err := AcquireGiftSendLock(conn, reviewCheckId); err != nil {
			return err
		}
		defer ReleaseGiftSendLock(conn, reviewCheckId)

		var err error
		result, err = fulfillLocked(ctx, reviewCheckId)
		return err
	})
	return result, err
}

func fulfillLocked(ctx context.Context, reviewCheckId int) (FulfillmentResult, error) {
	logger := config.GetLogger()

	reviewCheck, err := models.GetReviewCheck(ctx, reviewCheckId)
	if err != nil {
		return "", err
	}
	if reviewCheck.FulfillmentStatus == models.FulfillmentStatusSent {
		return ResultAlreadySent, nil
	}

	facility, err := models.GetFacility(ctx, reviewCheck.FacilityId)
	if err != nil {
		return "", err
	}

	if facility.GiftAmount == nil {
		if err := setFulfillmentStatus(ctx, reviewCheck.ID, models.FulfillmentStatusNotConfigured); err != nil {
			return "", err
		}
		escalate(ctx, mailer.KindEscalationNotConfigured, reviewCheck, facility, mailer.Fields{
			Reason: "gift amount is not configured for this facility",
		})
		return ResultNotConfigured, nil
	}
	amount := *facility.GiftAmount

	code, ok, err := models.AllocateOneGiftCode(ctx, amount)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := setFulfillmentStatus(ctx, reviewCheck.ID, models.FulfillmentStatusOutOfStock); err != nil {
			return "", err
		}
		escalate(ctx, mailer.KindEscalationOutOfStock, reviewCheck, facility, mailer.Fields{
			Amount: amount.StringFixed(2),
			Reason: "no unused gift codes left for this amount",
		})
		return ResultOutOfStock, nil
	}

	if delivered := deliverGiftCode(ctx, reviewCheck, facility, code); !delivered {
		// Compensate: the pool must not shrink because of a transport fault.
		if relErr := models.ReleaseGiftCode(ctx, code.ID); relErr != nil {
			config.LogError(logger, "fulfillment.go", "fulfillLocked", "ReleaseGiftCode", code.ID, relErr)
		}
		if err := setFulfillmentStatus(ctx, reviewCheck.ID, models.FulfillmentStatusOutOfStock); err != nil {
			return "", err
		}
		escalate(ctx, mailer.KindEscalationOutOfStock, reviewCheck, facility, mailer.Fields{
			Amount: amount.StringFixed(2),
			Reason: "gift code mail to the reviewer could not be delivered",
		})
		return ResultOutOfStock, nil
	}

	if err := models.BindGiftCode(ctx, code.ID, reviewCheck.ID); err != nil {
		return "", err
	}
	if err := setFulfillmentStatus(ctx, reviewCheck.ID, models.FulfillmentStatusSent); err != nil {
		return "", err
	}
	return ResultSent, nil
}

func setFulfillmentStatus(ctx context.Context, reviewCheckId int, status models.FulfillmentStatus) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&models.ReviewCheck{}).
		Where("id = ?", reviewCheckId).
		Update("fulfillment_status", status).Error
}

func deliverGiftCode(ctx context.Context, reviewCheck *models.ReviewCheck, facility *models.Facility, code *models.GiftCode) bool {
	logger := config.GetLogger()

	expires := ""
	if code.ExpiresAt != nil {
		expires = code.ExpiresAt.Format("2006-01-02")
	}
	subject, body, err := mailer.Render(mailer.KindGiftCodeDelivery, mailer.Fields{
		ReviewerName: reviewCheck.ReviewerName,
		FacilityName: facility.Name,
		Amount:       code.Amount.StringFixed(2),
		Code:         code.Code,
		ExpiresAt:    expires,
	})
	if err != nil {
		config.LogError(logger, "fulfillment.go", "deliverGiftCode", "Render", reviewCheck.ID, err)
		return false
	}
	return config.GetMailer().Send([]string{reviewCheck.ReviewerEmail}, subject, body)
}

// escalate sends an admin notification with the re-drive link. If even the
// escalation cannot be delivered to any admin, the check is downgraded to
// FAILED: at that point nobody would ever learn it needs attention.
func escalate(ctx context.Context, kind mailer.MessageKind, reviewCheck *models.ReviewCheck, facility *models.Facility, fields mailer.Fields) {
	db := config.GetDB()
	logger := config.GetLogger()

	fields.ReviewerName = reviewCheck.ReviewerName
	fields.FacilityName = facility.Name
	fields.Link = models.ResendGiftCodeLink(reviewCheck)
	if kind == mailer.KindEscalationOutOfStock && facility.GiftAmount != nil {
		if n, err := models.CountAvailableGiftCodes(ctx, *facility.GiftAmount); err == nil {
			fields.Remaining = int(n)
		}
	}

	subject, body, err := mailer.Render(kind, fields)
	if err != nil {
		config.LogError(logger, "fulfillment.go", "escalate", "Render", reviewCheck.ID, err)
		return
	}

	m := config.GetMailer()
	if len(m.AdminRecipients()) == 0 || !m.Send(m.AdminRecipients(), subject, body) {
		config.LogError(logger, "fulfillment.go", "escalate", "Send", reviewCheck.ID,
			fmt.Errorf("escalation mail could not be delivered to any admin recipient"))
		_ = db.WithContext(ctx).Model(&models.ReviewCheck{}).
			Where("id = ?", reviewCheck.ID).
			Update("status", models.ReviewCheckStatusFailed).Error
	}
}
