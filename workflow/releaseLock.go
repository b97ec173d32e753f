package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderLock serializes milestone processing per order across instances
// using MySQL advisory locks. The interactive handlers and the sweep may land
// on the same order from different processes, so an in-process mutex is not
// enough.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the guarded work.
func AcquireOrderLock(tx *gorm.DB, orderId int) error {
	lockName := fmt.Sprintf("milestone:%d", orderId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire milestone lock for order_id=%d", orderId)
	}
	return nil
}

func ReleaseOrderLock(tx *gorm.DB, orderId int) {
	lockName := fmt.Sprintf("milestone:%d", orderId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
