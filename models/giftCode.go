package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GiftCode is one redeemable code in a denomination pool. Once used it stays
// permanently bound to the review check that consumed it (the send workflow
// writes the back-reference, not the ledger).
type GiftCode struct {
	ID     int             `gorm:"primary_key" json:"id"`
	Code   string          `gorm:"size:100;not null;uniqueIndex" json:"code"`
	Amount decimal.Decimal `gorm:"type:decimal(13,2);not null;index" json:"amount"`
	Used   bool            `gorm:"not null;default:false;index" json:"used"`

	// AllocationMarker carries the one-statement claim: the UPDATE stamps it,
	// the read-back selects by it. Cleared on release.
	AllocationMarker    *string    `gorm:"size:36;index" json:"-"`
	UsedByReviewCheckId *int       `gorm:"index" json:"used_by_review_check_id"`
	ExpiresAt           *time.Time `json:"expires_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AllocateOneGiftCode claims one unused, unexpired code of the given amount.
// The claim is a single conditional UPDATE, so two concurrent callers can
// never receive the same code: MySQL row locking serializes the flip and the
// WHERE re-check rejects the loser. Returns ok=false when the pool is
// exhausted; that is a business outcome, not an error.
//
// Never wrap this in an automatic retry: a false negative after a successful
// flip would burn a second code.
func AllocateOneGiftCode(ctx context.Context, amount decimal.Decimal) (*GiftCode, bool, error) {
	db := config.GetDB()

	marker := uuid.NewString()
	res := db.WithContext(ctx).Exec(
		`UPDATE gift_codes
		    SET used = 1, allocation_marker = ?, updated_at = NOW()
		  WHERE used = 0
		    AND amount = ?
		    AND (expires_at IS NULL OR expires_at > NOW())
		  ORDER BY id
		  LIMIT 1`,
		marker, amount,
	)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var code GiftCode
	if err := db.WithContext(ctx).Where("allocation_marker = ?", marker).First(&code).Error; err != nil {
		// The flip committed; losing the read-back leaves the code claimed but
		// undelivered. Surface loudly - operators release via the marker.
		return nil, false, errors.New("gift code allocated but could not be read back (marker " + marker + "): " + err.Error())
	}
	return &code, true, nil
}

// ReleaseGiftCode is the compensating action for an abandoned allocation
// (delivery failed after claim). It is deliberately not reachable from any
// HTTP endpoint; only the send workflow's failure path calls it. Safe to call
// for a code that was never delivered.
func ReleaseGiftCode(ctx context.Context, codeId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&GiftCode{}).
		Where("id = ?", codeId).
		Updates(map[string]interface{}{
			"used":                    false,
			"allocation_marker":       nil,
			"used_by_review_check_id": nil,
		}).Error
}

// BindGiftCode records the permanent code<->check binding after a successful
// delivery.
func BindGiftCode(ctx context.Context, codeId int, reviewCheckId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&GiftCode{}).
		Where("id = ?", codeId).
		Update("used_by_review_check_id", reviewCheckId).Error
}

func CountAvailableGiftCodes(ctx context.Context, amount decimal.Decimal) (int64, error) {
	db := config.GetDB()
	var n int64
	err := db.WithContext(ctx).Model(&GiftCode{}).
		Where("used = 0 AND amount = ? AND (expires_at IS NULL OR expires_at > NOW())", amount).
		Count(&n).Error
	return n, err
}

type NewGiftCode struct {
	Code      string          `json:"code" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// ImportGiftCodes bulk-loads codes into their pools. Codes already present
// are skipped (unique index + 1062), so re-running an import is harmless.
func ImportGiftCodes(ctx context.Context, inputs []NewGiftCode) (imported int, skipped int, err error) {
	db := config.GetDB()
	for _, input := range inputs {
		if input.Code == "" || input.Amount.LessThanOrEqual(decimal.Zero) {
			skipped++
			continue
		}
		code := GiftCode{
			Code:      input.Code,
			Amount:    input.Amount,
			ExpiresAt: input.ExpiresAt,
		}
		createErr := db.WithContext(ctx).Create(&code).Error
		if createErr != nil {
			if isDuplicateKeyErr(createErr) {
				skipped++
				continue
			}
			return imported, skipped, createErr
		}
		imported++
	}
	return imported, skipped, nil
}
