package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab_switch"
	ViolationWindowBlur     ViolationKind = "window_blur"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
)

// SuppressedAction is a client-side action blocked at the input layer.
// Suppression is preventive and never counts as a violation.
type SuppressedAction string

const (
	ActionCopy        SuppressedAction = "copy"
	ActionPaste       SuppressedAction = "paste"
	ActionContextMenu SuppressedAction = "context_menu"
	ActionShortcut    SuppressedAction = "shortcut"
)

// ViolationEvent is the audit record written for every counted violation.
type ViolationEvent struct {
	ID        uint          `json:"id" gorm:"primaryKey"`
	AttemptID uuid.UUID     `json:"attempt_id" gorm:"type:uuid;not null;index"`
	Kind      ViolationKind `json:"kind" gorm:"not null;index"`

	// Context
	Data       datatypes.JSON `json:"data" gorm:"type:jsonb"`
	TimeOffset int            `json:"time_offset"` // seconds from attempt start
	UserAgent  string         `json:"user_agent" gorm:"type:text"`
	IPAddress  string         `json:"ip_address" gorm:"size:45"`

	CreatedAt time.Time `json:"created_at"`
}

func (ViolationEvent) TableName() string {
	return "violation_events"
}

// IsCountedViolation reports whether a kind increments the violation count.
func IsCountedViolation(kind ViolationKind) bool {
	switch kind {
	case ViolationTabSwitch, ViolationWindowBlur, ViolationFullscreenExit:
		return true
	}
	return false
}
