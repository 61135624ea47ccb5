package business

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bizagent/pkg/logger"
)

// Directory reads and registers businesses.
type Directory struct {
	log *logger.Logger
	db  *gorm.DB
}

// NewDirectory creates a directory on the shared database and migrates its table.
func NewDirectory(log *logger.Logger, db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is nil")
	}
	if err := db.AutoMigrate(&businessRow{}); err != nil {
		return nil, fmt.Errorf("migrate businesses: %w", err)
	}
	return &Directory{log: log, db: db}, nil
}

// Create registers a business.
func (d *Directory) Create(ctx context.Context, input CreateInput) (*Business, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("business name is required")
	}
	now := time.Now().UTC()
	row := businessRow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Timezone:    strings.TrimSpace(input.Timezone),
		Settings:    datatypes.JSONMap(input.Settings),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if row.Settings == nil {
		row.Settings = datatypes.JSONMap{}
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create business: %w", err)
	}
	d.log.Info("Business registered", zap.String("business_id", row.ID), zap.String("name", row.Name))
	return row.toBusiness(), nil
}

// Get returns a business by id.
func (d *Directory) Get(ctx context.Context, id string) (*Business, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("business id is required")
	}
	var row businessRow
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get business: %w", err)
	}
	return row.toBusiness(), nil
}

// List returns all businesses ordered by name.
func (d *Directory) List(ctx context.Context) ([]*Business, error) {
	var rows []businessRow
	if err := d.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list businesses: %w", err)
	}
	out := make([]*Business, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toBusiness())
	}
	return out, nil
}

// UpdateSettings merges settings into a business.
func (d *Directory) UpdateSettings(ctx context.Context, id string, settings map[string]any) (*Business, error) {
	current, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := datatypes.JSONMap{}
	for k, v := range current.Settings {
		merged[k] = v
	}
	for k, v := range settings {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	err = d.db.WithContext(ctx).Model(&businessRow{}).
		Where("id = ?", current.ID).
		Updates(map[string]any{"settings": merged, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return nil, fmt.Errorf("update business settings: %w", err)
	}
	return d.Get(ctx, current.ID)
}
