// Package business is the read side of the business directory that the
// agent session layer consults for names, welcome text and service facts.
package business

import (
	"errors"
	"strings"
	"time"
)

// Settings keys read by the agent session layer.
const (
	SettingWelcomeMessage = "welcome_message"
	SettingAgentName      = "agent_name"
	SettingSystemPrompt   = "system_prompt"
	SettingServices       = "services"
	SettingHours          = "hours"
)

// ErrNotFound is returned when a business does not exist.
var ErrNotFound = errors.New("business not found")

// Business is the context an agent conversation runs in.
type Business struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateInput describes a new business.
type CreateInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Timezone    string         `json:"timezone"`
	Settings    map[string]any `json:"settings"`
}

// Setting returns a trimmed string setting or "".
func (b *Business) Setting(key string) string {
	if b == nil || b.Settings == nil {
		return ""
	}
	v, ok := b.Settings[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
