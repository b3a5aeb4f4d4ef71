package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/vtcast/internal/models"
)

// AllMigrations returns all registered migrations in order.
// - 001: Create stream_keys and stream_key_aliases
// - 002: Index stream keys by owning stream and aliases by key hash
func AllMigrations() []Migration {
	return []Migration{
		migration001StreamKeys(),
		migration002StreamKeyIndexes(),
	}
}

func migration001StreamKeys() Migration {
	return Migration{
		Version:     "001",
		Description: "Create stream key tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.StreamKey{},
				&models.StreamKeyAlias{},
			)
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"stream_key_aliases", "stream_keys"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002StreamKeyIndexes adds the lookups used by listing and alias
// rotation.
func migration002StreamKeyIndexes() Migration {
	return Migration{
		Version:     "002",
		Description: "Add stream key lookup indexes",
		Up: func(tx *gorm.DB) error {
			if err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_stream_keys_user_stream ON stream_keys (user_id, stream_id)").Error; err != nil {
				return err
			}
			return tx.Exec("CREATE INDEX IF NOT EXISTS idx_stream_key_aliases_key_hash ON stream_key_aliases (key_hash)").Error
		},
		Down: func(tx *gorm.DB) error {
			if err := tx.Migrator().DropIndex("stream_key_aliases", "idx_stream_key_aliases_key_hash"); err != nil {
				return err
			}
			return tx.Migrator().DropIndex("stream_keys", "idx_stream_keys_user_stream")
		},
	}
}
