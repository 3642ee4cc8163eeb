package alerts

import (
	"fmt"
	"sort"
	"time"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/config"
	"hospsurvey/internal/models"
)

const (
	TypeMultipleFailedLogins   = "multiple_failed_logins"
	TypeMultiplePasswordChange = "multiple_password_changes"
	TypeUserDeletion           = "user_deletion"
	TypeOffHoursAdminActivity  = "off_hours_admin_activity"
	TypeMultipleIPs            = "multiple_ips"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Threat is one finding of a batch analysis.
type Threat struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data"`
}

// Fingerprint identifies a threat across overlapping analysis windows.
func (t Threat) Fingerprint() string {
	key, _ := t.Data["ip"].(string)
	if subject, ok := t.Data["subject_id"].(string); ok {
		key = subject
	} else if user, ok := t.Data["user_id"].(string); ok {
		key = user
	}
	return t.Type + ":" + key
}

type Rules struct {
	FailedLoginThreshold    int
	PasswordChangeThreshold int
	MultiIPThreshold        int
	OffHoursStart           int
	OffHoursEnd             int
	Location                *time.Location
}

func RulesFrom(cfg config.AlertsConfig) (Rules, error) {
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return Rules{}, fmt.Errorf("load alert timezone: %w", err)
		}
		loc = l
	}
	return Rules{
		FailedLoginThreshold:    cfg.FailedLoginThreshold,
		PasswordChangeThreshold: cfg.PasswordChangeThreshold,
		MultiIPThreshold:        cfg.MultiIPThreshold,
		OffHoursStart:           cfg.OffHoursStart,
		OffHoursEnd:             cfg.OffHoursEnd,
		Location:                loc,
	}, nil
}

func DefaultRules() Rules {
	return Rules{
		FailedLoginThreshold:    5,
		PasswordChangeThreshold: 3,
		MultiIPThreshold:        3,
		OffHoursStart:           22,
		OffHoursEnd:             6,
		Location:                time.Local,
	}
}

// offHours reports whether hour falls in [start, end), wrapping past midnight.
func (r Rules) offHours(t time.Time) bool {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	hour := t.In(loc).Hour()
	if r.OffHoursStart <= r.OffHoursEnd {
		return hour >= r.OffHoursStart && hour < r.OffHoursEnd
	}
	return hour >= r.OffHoursStart || hour < r.OffHoursEnd
}

// scheduled reports whether a background job, not a person, wrote e.
func scheduled(e models.AuditLogEntry) bool {
	origin, _ := e.Metadata["origin"].(string)
	return origin == audit.OriginScheduled
}

func actorOf(e models.AuditLogEntry) string {
	if e.ActorID != nil {
		return *e.ActorID
	}
	return ""
}

// Analyze applies every rule to entries and returns threats in a stable order.
func (r Rules) Analyze(entries []models.AuditLogEntry) []Threat {
	failedByIP := map[string]int{}
	passwordByActor := map[string]int{}
	offHoursByActor := map[string]int{}
	ipsByActor := map[string]map[string]struct{}{}
	var threats []Threat

	for _, e := range entries {
		switch e.EventType {
		case models.EventLoginFailed:
			if e.IPAddress != "" {
				failedByIP[e.IPAddress]++
			}
		case models.EventPasswordChanged:
			if subject := passwordSubject(e); subject != "" {
				passwordByActor[subject]++
			}
		case models.EventUserDeleted:
			threats = append(threats, Threat{
				Type:     TypeUserDeletion,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("User %s was deleted", e.SubjectID),
				Data: map[string]any{
					"subject_id": e.SubjectID,
					"user_id":    actorOf(e),
					"ip":         e.IPAddress,
					"at":         e.CreatedAt.UTC().Format(time.RFC3339),
				},
			})
		}

		if e.Category == models.CategorySystem && !scheduled(e) && r.offHours(e.CreatedAt) {
			offHoursByActor[actorOf(e)]++
		}

		if actor := actorOf(e); actor != "" && e.IPAddress != "" {
			if ipsByActor[actor] == nil {
				ipsByActor[actor] = map[string]struct{}{}
			}
			ipsByActor[actor][e.IPAddress] = struct{}{}
		}
	}

	for _, ip := range sortedKeys(failedByIP) {
		count := failedByIP[ip]
		if count < r.FailedLoginThreshold {
			continue
		}
		threats = append(threats, Threat{
			Type:     TypeMultipleFailedLogins,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d failed login attempts from %s", count, ip),
			Data:     map[string]any{"ip": ip, "count": count},
		})
	}

	for _, user := range sortedKeys(passwordByActor) {
		count := passwordByActor[user]
		if count < r.PasswordChangeThreshold {
			continue
		}
		threats = append(threats, Threat{
			Type:     TypeMultiplePasswordChange,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("Password changed %d times for user %s", count, user),
			Data:     map[string]any{"user_id": user, "count": count},
		})
	}

	for _, user := range sortedKeys(offHoursByActor) {
		count := offHoursByActor[user]
		message := fmt.Sprintf("%d administrative actions outside business hours", count)
		if user == "" {
			message = fmt.Sprintf("%d administrative actions without an actor outside business hours", count)
		}
		threats = append(threats, Threat{
			Type:     TypeOffHoursAdminActivity,
			Severity: SeverityWarning,
			Message:  message,
			Data:     map[string]any{"user_id": user, "count": count},
		})
	}

	for _, user := range sortedKeys(ipsByActor) {
		ips := sortedKeys(ipsByActor[user])
		if len(ips) < r.MultiIPThreshold {
			continue
		}
		list := make([]any, len(ips))
		for i, ip := range ips {
			list[i] = ip
		}
		threats = append(threats, Threat{
			Type:     TypeMultipleIPs,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("User %s active from %d different IP addresses", user, len(ips)),
			Data:     map[string]any{"user_id": user, "ips": list, "count": len(ips)},
		})
	}

	return threats
}

func passwordSubject(e models.AuditLogEntry) string {
	if e.SubjectID != "" {
		return e.SubjectID
	}
	return actorOf(e)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
