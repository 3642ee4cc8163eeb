package security

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"hospsurvey/internal/models"
)

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\/?~` + "`" + `]`)
)

// PasswordComplexity defines the rules a new password must satisfy.
type PasswordComplexity struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
}

func DefaultPasswordComplexity() PasswordComplexity {
	return PasswordComplexity{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSpecial:   true,
	}
}

func (p PasswordComplexity) Validate(password string) error {
	if utf8.RuneCountInString(password) < p.MinLength {
		return fmt.Errorf("password must be at least %d characters long", p.MinLength)
	}
	if p.RequireUppercase && !upperPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !lowerPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if p.RequireNumbers && !numberPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one number")
	}
	if p.RequireSpecial && !specialPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one special character")
	}
	return nil
}

// PasswordExpiryPolicy forces a change when flagged or when the password has expired.
type PasswordExpiryPolicy struct {
	MaxAge time.Duration
}

func (p PasswordExpiryPolicy) MustChangePassword(user *models.User, now time.Time) bool {
	if user == nil {
		return false
	}
	if user.PasswordChangeRequired {
		return true
	}
	return user.PasswordExpiresAt != nil && !user.PasswordExpiresAt.After(now)
}

// NextExpiry returns the expiry for a password changed at changedAt, or nil when passwords never expire.
func (p PasswordExpiryPolicy) NextExpiry(changedAt time.Time) *time.Time {
	if p.MaxAge <= 0 {
		return nil
	}
	at := changedAt.Add(p.MaxAge)
	return &at
}
