package business

import (
	"time"

	"gorm.io/datatypes"
)

type businessRow struct {
	ID          string            `gorm:"primaryKey;size:64"`
	Name        string            `gorm:"size:255;not null"`
	Description string            `gorm:"type:text"`
	Timezone    string            `gorm:"size:64"`
	Settings    datatypes.JSONMap `gorm:"type:json"`
	CreatedAt   time.Time         `gorm:"not null"`
	UpdatedAt   time.Time         `gorm:"not null"`
}

func (businessRow) TableName() string {
	return "businesses"
}

func (r businessRow) toBusiness() *Business {
	settings := map[string]any{}
	for k, v := range r.Settings {
		settings[k] = v
	}
	return &Business{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Timezone:    r.Timezone,
		Settings:    settings,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
