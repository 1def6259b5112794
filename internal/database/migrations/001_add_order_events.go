package migrations

import (
	"github.com/ksred/trading-oms/internal/types"
	"gorm.io/gorm"
)

func AddOrderEvents(db *gorm.DB) error {
	// The audit table must exist before any lifecycle table so that
	// crash recovery can always replay from it.
	if err := db.AutoMigrate(&types.Event{}); err != nil {
		return err
	}

	return nil
}
