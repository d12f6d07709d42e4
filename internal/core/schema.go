package core

import (
	"fmt"

	"gorm.io/gorm"
)

const overviewSelect = `SELECT d.device_id AS device_id,
	MAX(c.created_at) AS last_command_at,
	COUNT(CASE WHEN c.status = 'PENDING' THEN 1 END) AS pending_commands
FROM devices d
LEFT JOIN device_commands c ON c.device_id = d.device_id
GROUP BY d.device_id`

// Migrate drops device_overview, creates or updates every table in Models()
// order and then recreates the view on top of them. Devices are migrated
// before commands so the device_commands foreign key is created with the table.
func Migrate(db *gorm.DB) error {
	if err := db.Exec("DROP VIEW IF EXISTS device_overview").Error; err != nil {
		return fmt.Errorf("failed to drop device_overview: %w", err)
	}
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	if err := db.Exec("CREATE VIEW device_overview AS " + overviewSelect).Error; err != nil {
		return fmt.Errorf("failed to create device_overview: %w", err)
	}
	return nil
}
