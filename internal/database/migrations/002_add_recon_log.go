package migrations

import (
	"github.com/ksred/trading-oms/internal/types"
	"gorm.io/gorm"
)

func AddReconLog(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.ReconEntry{}); err != nil {
		return err
	}

	return nil
}
