package links

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

const defaultTokenBytes = 24

// Manager validates, consumes and administers access links.
type Manager struct {
	log        *logger.Logger
	db         *gorm.DB
	tokenBytes int
	now        func() time.Time
}

// NewManager creates a link manager on the shared database and migrates its table.
func NewManager(log *logger.Logger, db *gorm.DB, tokenBytes int) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is nil")
	}
	if err := db.AutoMigrate(&accessLinkRow{}); err != nil {
		return nil, fmt.Errorf("migrate access links: %w", err)
	}
	if tokenBytes <= 0 {
		tokenBytes = defaultTokenBytes
	}
	return &Manager{
		log:        log,
		db:         db,
		tokenBytes: tokenBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Create issues a new active link with an unguessable token.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*Link, error) {
	businessID := strings.TrimSpace(input.BusinessID)
	if businessID == "" {
		return nil, errors.New("business id is required")
	}
	linkType := input.Type
	if linkType == "" {
		linkType = TypeMultiUse
	}
	if linkType != TypeSingleUse && linkType != TypeMultiUse {
		return nil, fmt.Errorf("invalid link type %q", linkType)
	}
	if input.MaxUses != nil && *input.MaxUses < 1 {
		return nil, errors.New("max uses must be at least 1")
	}
	if input.MaxMinutes != nil && *input.MaxMinutes < 1 {
		return nil, errors.New("max minutes must be at least 1")
	}

	token, err := randomToken(m.tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate link token: %w", err)
	}

	now := m.now()
	row := accessLinkRow{
		ID:         uuid.NewString(),
		Token:      token,
		BusinessID: businessID,
		Type:       string(linkType),
		Status:     string(StatusActive),
		MaxUses:    input.MaxUses,
		MaxMinutes: input.MaxMinutes,
		Settings:   datatypes.JSONMap(input.Settings),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if input.ExpiresAt != nil {
		expiresAt := input.ExpiresAt.UTC()
		row.ExpiresAt = &expiresAt
	}
	if row.Settings == nil {
		row.Settings = datatypes.JSONMap{}
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	m.log.Info("Access link issued",
		zap.String("link_id", row.ID),
		zap.String("business_id", businessID),
		zap.String("type", row.Type),
	)
	return row.toLink(), nil
}

// Get returns a link by id.
func (m *Manager) Get(ctx context.Context, id string) (*Link, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("link id is required")
	}
	row, err := m.take(ctx, m.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	return row.toLink(), nil
}

// GetByToken returns a link by token without applying any policy.
func (m *Manager) GetByToken(ctx context.Context, token string) (*Link, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	row, err := m.take(ctx, m.db, "token = ?", token)
	if err != nil {
		return nil, err
	}
	return row.toLink(), nil
}

// List returns links, newest first. An empty businessID lists all.
func (m *Manager) List(ctx context.Context, businessID string) ([]*Link, error) {
	query := m.db.WithContext(ctx).Order("created_at DESC")
	if businessID = strings.TrimSpace(businessID); businessID != "" {
		query = query.Where("business_id = ?", businessID)
	}
	var rows []accessLinkRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]*Link, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toLink())
	}
	return out, nil
}

// ValidateAndConsume checks a token against the link policy.
//
// Lazy expiry and limit exhaustion are persisted as status transitions on the
// failing path. A single_use link is consumed here, atomically, so that two
// concurrent starts cannot both succeed. Other links are returned unchanged;
// their counters move in IncrementUsage at conversation end.
func (m *Manager) ValidateAndConsume(ctx context.Context, token string) (*Link, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}

	row, err := m.take(ctx, m.db, "token = ?", token)
	if err != nil {
		return nil, err
	}

	if Status(row.Status) != StatusActive {
		return nil, ErrInvalidStatus
	}

	now := m.now()
	if row.ExpiresAt != nil && row.ExpiresAt.Before(now) {
		m.transition(ctx, row.ID, StatusExpired, ReasonExpired)
		return nil, ErrExpired
	}

	if Type(row.Type) == TypeSingleUse && row.CurrentUses >= 1 {
		m.transition(ctx, row.ID, StatusExhausted, ReasonSingleUseExhausted)
		return nil, ErrSingleUseExhausted
	}
	if row.MaxUses != nil && row.CurrentUses >= *row.MaxUses {
		m.transition(ctx, row.ID, StatusExhausted, ReasonUsageLimitReached)
		return nil, ErrUsageLimitReached
	}
	if row.MaxMinutes != nil && row.MinutesUsed >= *row.MaxMinutes {
		m.transition(ctx, row.ID, StatusExhausted, ReasonMinutesLimitReached)
		return nil, ErrMinutesLimitReached
	}

	if Type(row.Type) == TypeSingleUse {
		res := m.db.WithContext(ctx).Model(&accessLinkRow{}).
			Where("id = ? AND status = ? AND current_uses < 1", row.ID, string(StatusActive)).
			Updates(map[string]any{
				"current_uses": 1,
				"status":       string(StatusExhausted),
				"updated_at":   now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("consume single-use link: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrSingleUseExhausted
		}
		row.CurrentUses = 1
		row.Status = string(StatusExhausted)
		row.UpdatedAt = now
		m.log.Info("Single-use link consumed", zap.String("link_id", row.ID))
	}

	return row.toLink(), nil
}

// IncrementUsage records one finished conversation on a link.
//
// current_uses moves by one (capped at max_uses) and minutes_used by minutes.
// single_use links were consumed at validation, so only minutes accumulate.
// The link becomes exhausted once any configured limit is met.
func (m *Manager) IncrementUsage(ctx context.Context, linkID string, minutes int) (*Link, error) {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return nil, errors.New("link id is required")
	}
	if minutes < 0 {
		return nil, fmt.Errorf("minutes must be non-negative, got %d", minutes)
	}

	var updated accessLinkRow
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := m.take(ctx, tx, "id = ?", linkID)
		if err != nil {
			return err
		}

		now := m.now()
		updates := map[string]any{
			"minutes_used": gorm.Expr("minutes_used + ?", minutes),
			"updated_at":   now,
		}
		if Type(row.Type) != TypeSingleUse {
			updates["current_uses"] = gorm.Expr(
				"CASE WHEN max_uses IS NOT NULL AND current_uses >= max_uses THEN current_uses ELSE current_uses + 1 END")
		}
		if err := tx.Model(&accessLinkRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("increment link usage: %w", err)
		}

		err = tx.Model(&accessLinkRow{}).
			Where("id = ? AND status = ?", row.ID, string(StatusActive)).
			Where("(max_uses IS NOT NULL AND current_uses >= max_uses) OR (max_minutes IS NOT NULL AND minutes_used >= max_minutes)").
			Updates(map[string]any{"status": string(StatusExhausted), "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("recompute link status: %w", err)
		}

		reloaded, err := m.take(ctx, tx, "id = ?", row.ID)
		if err != nil {
			return err
		}
		updated = *reloaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("Access link usage recorded",
		zap.String("link_id", updated.ID),
		zap.Int("current_uses", updated.CurrentUses),
		zap.Int("minutes_used", updated.MinutesUsed),
		zap.String("status", updated.Status),
	)
	return updated.toLink(), nil
}

// Cancel moves an active link to cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*Link, error) {
	link, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := m.db.WithContext(ctx).Model(&accessLinkRow{}).
		Where("id = ? AND status = ?", link.ID, string(StatusActive)).
		Updates(map[string]any{"status": string(StatusCancelled), "updated_at": m.now()})
	if res.Error != nil {
		return nil, fmt.Errorf("cancel link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotActive
	}
	return m.Get(ctx, link.ID)
}

// ExpireOverdue marks every active link past its expiry as expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int64, error) {
	now := m.now()
	res := m.db.WithContext(ctx).Model(&accessLinkRow{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", string(StatusActive), now).
		Updates(map[string]any{"status": string(StatusExpired), "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("expire overdue links: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (m *Manager) take(ctx context.Context, db *gorm.DB, query string, args ...any) (*accessLinkRow, error) {
	var row accessLinkRow
	err := db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get link: %w", err)
	}
	return &row, nil
}

// transition leaves active at most once; a failed write is logged and the
// rejection still stands.
func (m *Manager) transition(ctx context.Context, id string, to Status, reason Reason) {
	res := m.db.WithContext(ctx).Model(&accessLinkRow{}).
		Where("id = ? AND status = ?", id, string(StatusActive)).
		Updates(map[string]any{"status": string(to), "updated_at": m.now()})
	if res.Error != nil {
		m.log.Warn("Failed to persist link status",
			zap.String("link_id", id),
			zap.String("status", string(to)),
			zap.Error(res.Error),
		)
		return
	}
	if res.RowsAffected > 0 {
		m.log.Info("Access link closed",
			zap.String("link_id", id),
			zap.String("status", string(to)),
			zap.String("reason", string(reason)),
		)
	}
}

func randomToken(bytesLen int) (string, error) {
	if bytesLen < 16 {
		bytesLen = 16
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
