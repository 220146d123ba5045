package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireGiftSendLock serializes gift code sends per review check across
// instances using MySQL advisory locks. Without it, two stale re-drive clicks
// racing through the "already sent?" check could each allocate a code.
// NOTE: GET_LOCK is connection-scoped, so acquire and release must run on the
// same pinned connection (see gorm's Connection in fulfillment.go).
func AcquireGiftSendLock(tx *gorm.DB, reviewCheckId int) error {
	lockName := fmt.Sprintf("giftsend:%d", reviewCheckId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire gift send lock for review_check_id=%d", reviewCheckId)
	}
	return nil
}

func ReleaseGiftSendLock(tx *gorm.DB, reviewCheckId int) {
	lockName := fmt.Sprintf("giftsend:%d", reviewCheckId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
