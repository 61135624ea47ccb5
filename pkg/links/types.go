// Package links validates and consumes shareable access links that grant
// time and usage bounded entry to a business agent.
package links

import (
	"errors"
	"time"
)

// Type is the consumption policy of a link.
type Type string

const (
	TypeSingleUse Type = "single_use"
	TypeMultiUse  Type = "multi_use"
)

// Status is the lifecycle state of a link. Only active links can be used and
// a link that leaves active never returns to it.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
	StatusCancelled Status = "cancelled"
)

// Link is a policy-constrained entry point into an agent.
type Link struct {
	ID          string         `json:"id"`
	Token       string         `json:"token"`
	BusinessID  string         `json:"business_id"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	CurrentUses int            `json:"current_uses"`
	MaxUses     *int           `json:"max_uses,omitempty"`
	MinutesUsed int            `json:"minutes_used"`
	MaxMinutes  *int           `json:"max_minutes,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Settings keys read from a link.
const (
	SettingDisplayName    = "display_name"
	SettingWelcomeMessage = "welcome_message"
)

// Setting returns a string setting or "".
func (l *Link) Setting(key string) string {
	if l == nil || l.Settings == nil {
		return ""
	}
	v, _ := l.Settings[key].(string)
	return v
}

// CreateInput describes a new link.
type CreateInput struct {
	BusinessID string         `json:"business_id"`
	Type       Type           `json:"type"`
	MaxUses    *int           `json:"max_uses,omitempty"`
	MaxMinutes *int           `json:"max_minutes,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// Reason is the tag reported to clients when a link is rejected.
type Reason string

const (
	ReasonNotFound            Reason = "NotFound"
	ReasonInvalidStatus       Reason = "InvalidStatus"
	ReasonExpired             Reason = "Expired"
	ReasonSingleUseExhausted  Reason = "SingleUseExhausted"
	ReasonUsageLimitReached   Reason = "UsageLimitReached"
	ReasonMinutesLimitReached Reason = "MinutesLimitReached"
)

// PolicyError rejects a link. It is terminal for the start attempt.
type PolicyError struct {
	Reason Reason
}

func (e *PolicyError) Error() string {
	return string(e.Reason)
}

// Is matches policy errors by reason.
func (e *PolicyError) Is(target error) bool {
	var other *PolicyError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

var (
	ErrNotFound            = &PolicyError{Reason: ReasonNotFound}
	ErrInvalidStatus       = &PolicyError{Reason: ReasonInvalidStatus}
	ErrExpired             = &PolicyError{Reason: ReasonExpired}
	ErrSingleUseExhausted  = &PolicyError{Reason: ReasonSingleUseExhausted}
	ErrUsageLimitReached   = &PolicyError{Reason: ReasonUsageLimitReached}
	ErrMinutesLimitReached = &PolicyError{Reason: ReasonMinutesLimitReached}
)

// ErrNotActive is returned by admin operations on links that already left active.
var ErrNotActive = errors.New("link is not active")

// ReasonOf extracts the policy reason from err.
func ReasonOf(err error) (Reason, bool) {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Reason, true
	}
	return "", false
}
