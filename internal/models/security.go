package models

import "time"

type LoginAttempt struct {
	ID          string
	UserID      *string
	Email       string
	IPAddress   string
	UserAgent   string
	Successful  bool
	AttemptedAt time.Time
}

type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// SecurityAlert is raised by the alert engine and only mutated when a human resolves it.
type SecurityAlert struct {
	ID              string
	UserID          *string
	UserEmail       *string
	AlertType       string
	Severity        AlertSeverity
	Title           string
	Description     string
	IPAddress       string
	UserAgent       string
	Metadata        map[string]any
	IsResolved      bool
	ResolvedAt      *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
	CreatedAt       time.Time
}
