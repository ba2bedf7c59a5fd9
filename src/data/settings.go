package data

import (
	"sync"

	"github.com/bitline/trust-engine/src/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	settingsCache map[string]string
	settingsMu    sync.RWMutex
)

// LoadSettings loads all settings from the database into cache
func LoadSettings(db *gorm.DB) error {
	var settings []types.Setting
	if err := db.Find(&settings).Error; err != nil {
		return err
	}

	settingsMu.Lock()
	defer settingsMu.Unlock()

	settingsCache = make(map[string]string)
	for _, s := range settings {
		settingsCache[s.Name] = s.Value
	}

	return nil
}

// GetSetting retrieves a setting value from cache (call LoadSettings first)
func GetSetting(name string) string {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsCache[name]
}

// SetSetting persists a setting and updates the cache. Used by the admin
// API for runtime switches such as pausing settlement.
func SetSetting(db *gorm.DB, name, value string) error {
	s := types.Setting{Name: name, Value: value}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&s).Error
	if err != nil {
		return err
	}

	settingsMu.Lock()
	defer settingsMu.Unlock()
	if settingsCache == nil {
		settingsCache = make(map[string]string)
	}
	settingsCache[name] = value
	return nil
}
