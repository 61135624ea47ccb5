package links

import (
	"time"

	"gorm.io/datatypes"
)

type accessLinkRow struct {
	ID          string            `gorm:"primaryKey;size:64"`
	Token       string            `gorm:"size:128;uniqueIndex;not null"`
	BusinessID  string            `gorm:"size:64;index;not null"`
	Type        string            `gorm:"size:32;not null"`
	Status      string            `gorm:"size:32;index;not null"`
	CurrentUses int               `gorm:"not null;default:0"`
	MaxUses     *int
	MinutesUsed int               `gorm:"not null;default:0"`
	MaxMinutes  *int
	ExpiresAt   *time.Time        `gorm:"index"`
	Settings    datatypes.JSONMap `gorm:"type:json"`
	CreatedAt   time.Time         `gorm:"not null"`
	UpdatedAt   time.Time         `gorm:"not null"`
}

func (accessLinkRow) TableName() string {
	return "access_links"
}

func (r accessLinkRow) toLink() *Link {
	settings := map[string]any{}
	for k, v := range r.Settings {
		settings[k] = v
	}
	return &Link{
		ID:          r.ID,
		Token:       r.Token,
		BusinessID:  r.BusinessID,
		Type:        Type(r.Type),
		Status:      Status(r.Status),
		CurrentUses: r.CurrentUses,
		MaxUses:     r.MaxUses,
		MinutesUsed: r.MinutesUsed,
		MaxMinutes:  r.MaxMinutes,
		ExpiresAt:   r.ExpiresAt,
		Settings:    settings,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
