package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/ids"
	"hospsurvey/internal/metrics"
	"hospsurvey/internal/models"
)

type AuditSource interface {
	ListSince(ctx context.Context, since time.Time) ([]models.AuditLogEntry, error)
}

type AlertStore interface {
	Create(ctx context.Context, alert models.SecurityAlert) error
	GetByID(ctx context.Context, id string) (models.SecurityAlert, error)
	ListSince(ctx context.Context, since time.Time) ([]models.SecurityAlert, error)
	ListUnresolved(ctx context.Context, limit int) ([]models.SecurityAlert, error)
	Resolve(ctx context.Context, id string, by string, notes string, at time.Time) error
}

// ArchiveStore keeps SIEM export files.
type ArchiveStore interface {
	PutExport(ctx context.Context, key string, body []byte) error
}

type Recorder interface {
	Log(ctx context.Context, ev audit.Event) *models.AuditLogEntry
}

// Engine runs the batch security analysis. It is meant for the worker and the
// CLI, never for the request path.
type Engine struct {
	rules    Rules
	audit    AuditSource
	alerts   AlertStore
	notifier Notifier
	archive  ArchiveStore
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewEngine(rules Rules, auditSource AuditSource, alertStore AlertStore, notifier Notifier, archive ArchiveStore, recorder Recorder, log zerolog.Logger) *Engine {
	return &Engine{
		rules:    rules,
		audit:    auditSource,
		alerts:   alertStore,
		notifier: notifier,
		archive:  archive,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

func (e *Engine) AnalyzeSecurityThreats(ctx context.Context, hours int) ([]Threat, error) {
	entries, err := e.audit.ListSince(ctx, e.windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("load audit window: %w", err)
	}
	return e.rules.Analyze(entries), nil
}

// Run analyzes the window, stores new threats as alerts and notifies critical ones.
// Threats already stored inside the window are not raised twice.
func (e *Engine) Run(ctx context.Context, hours int) ([]Threat, error) {
	threats, err := e.AnalyzeSecurityThreats(ctx, hours)
	if err != nil {
		return nil, err
	}

	existing, err := e.alerts.ListSince(ctx, e.windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("load existing alerts: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		if fp, ok := a.Metadata["fingerprint"].(string); ok {
			seen[fp] = struct{}{}
		}
	}

	var raised []Threat
	for _, threat := range threats {
		fp := threat.Fingerprint()
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		if err := e.alerts.Create(ctx, e.toAlert(threat, fp)); err != nil {
			e.log.Error().Err(err).Str("alert_type", threat.Type).Msg("failed to store security alert")
			continue
		}
		metrics.SecurityAlerts.WithLabelValues(threat.Type, threat.Severity).Inc()
		raised = append(raised, threat)
	}

	notified := e.NotifyCriticalAlerts(ctx, raised)
	e.log.Info().Int("threats", len(threats)).Int("raised", len(raised)).Int("notified", notified).Msg("security analysis finished")
	return raised, nil
}

// NotifyCriticalAlerts sends only critical threats and returns how many were delivered.
func (e *Engine) NotifyCriticalAlerts(ctx context.Context, threats []Threat) int {
	if e.notifier == nil {
		return 0
	}
	sent := 0
	for _, threat := range threats {
		if threat.Severity != SeverityCritical {
			continue
		}
		if err := e.notifier.Notify(ctx, threat); err != nil {
			e.log.Error().Err(err).Str("alert_type", threat.Type).Msg("critical alert notification failed")
			continue
		}
		sent++
	}
	return sent
}

func (e *Engine) toAlert(threat Threat, fingerprint string) models.SecurityAlert {
	metadata := make(map[string]any, len(threat.Data)+1)
	for k, v := range threat.Data {
		metadata[k] = v
	}
	metadata["fingerprint"] = fingerprint

	alert := models.SecurityAlert{
		ID:          ids.New(),
		AlertType:   threat.Type,
		Severity:    alertSeverity(threat.Severity),
		Title:       titles[threat.Type],
		Description: threat.Message,
		Metadata:    metadata,
		CreatedAt:   e.now().UTC(),
	}
	if uid, ok := threat.Data["user_id"].(string); ok && uid != "" {
		alert.UserID = &uid
	}
	if ip, ok := threat.Data["ip"].(string); ok {
		alert.IPAddress = ip
	}
	if alert.Title == "" {
		alert.Title = threat.Type
	}
	return alert
}

var titles = map[string]string{
	TypeMultipleFailedLogins:   "Multiple failed login attempts",
	TypeMultiplePasswordChange: "Repeated password changes",
	TypeUserDeletion:           "User account deleted",
	TypeOffHoursAdminActivity:  "Administrative activity outside business hours",
	TypeMultipleIPs:            "Account used from multiple IP addresses",
}

func alertSeverity(s string) models.AlertSeverity {
	if s == SeverityCritical {
		return models.AlertCritical
	}
	return models.AlertMedium
}

type Report struct {
	PeriodDays          int       `json:"period_days"`
	From                time.Time `json:"from"`
	To                  time.Time `json:"to"`
	TotalEvents         int       `json:"total_events"`
	SecurityAlertEvents int       `json:"security_alert_events"`
	AlertsRaised        int       `json:"alerts_raised"`
	FailedLogins        int       `json:"failed_logins"`
	PasswordChanges     int       `json:"password_changes"`
	UserCreations       int       `json:"user_creations"`
	UserDeletions       int       `json:"user_deletions"`
	Threats             []Threat  `json:"threats"`
}

func (e *Engine) GenerateSecurityReport(ctx context.Context, days int) (Report, error) {
	if days <= 0 {
		days = 7
	}
	hours := days * 24
	to := e.now()
	from := e.windowStart(hours)

	entries, err := e.audit.ListSince(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("load audit window: %w", err)
	}
	stored, err := e.alerts.ListSince(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("load alerts: %w", err)
	}

	report := Report{
		PeriodDays:   days,
		From:         from,
		To:           to,
		TotalEvents:  len(entries),
		AlertsRaised: len(stored),
		Threats:      e.rules.Analyze(entries),
	}
	for _, entry := range entries {
		if entry.IsSecurityAlert {
			report.SecurityAlertEvents++
		}
		switch entry.EventType {
		case models.EventLoginFailed:
			report.FailedLogins++
		case models.EventPasswordChanged:
			report.PasswordChanges++
		case models.EventUserCreated:
			report.UserCreations++
		case models.EventUserDeleted:
			report.UserDeletions++
		}
	}
	return report, nil
}

// SIEMRecord is the flat export row. Field names are a public contract.
type SIEMRecord struct {
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	AlertType   string         `json:"alert_type"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	UserID      *string        `json:"user_id"`
	UserEmail   *string        `json:"user_email"`
	IP          string         `json:"ip"`
	UserAgent   string         `json:"user_agent"`
	Metadata    map[string]any `json:"metadata"`
	IsResolved  bool           `json:"is_resolved"`
}

func (e *Engine) ExportAlertsForSIEM(ctx context.Context, hours int) ([]SIEMRecord, error) {
	stored, err := e.alerts.ListSince(ctx, e.windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	records := make([]SIEMRecord, 0, len(stored))
	for _, a := range stored {
		records = append(records, SIEMRecord{
			ID:          a.ID,
			Timestamp:   a.CreatedAt.UTC().Format(time.RFC3339),
			AlertType:   a.AlertType,
			Severity:    string(a.Severity),
			Title:       a.Title,
			Description: a.Description,
			UserID:      a.UserID,
			UserEmail:   a.UserEmail,
			IP:          a.IPAddress,
			UserAgent:   a.UserAgent,
			Metadata:    a.Metadata,
			IsResolved:  a.IsResolved,
		})
	}
	return records, nil
}

// ArchiveSIEMExport writes the export for the window to the archive store and returns its key.
func (e *Engine) ArchiveSIEMExport(ctx context.Context, hours int) (string, int, error) {
	if e.archive == nil {
		return "", 0, fmt.Errorf("no export archive configured")
	}
	records, err := e.ExportAlertsForSIEM(ctx, hours)
	if err != nil {
		return "", 0, err
	}
	body, err := json.Marshal(records)
	if err != nil {
		return "", 0, fmt.Errorf("encode export: %w", err)
	}

	key := fmt.Sprintf("siem/%s/%s.json", e.now().UTC().Format("2006/01/02"), ids.New())
	if err := e.archive.PutExport(ctx, key, body); err != nil {
		return "", 0, fmt.Errorf("archive export: %w", err)
	}
	return key, len(records), nil
}

// OpenAlerts lists unresolved alerts, newest first.
func (e *Engine) OpenAlerts(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.alerts.ListUnresolved(ctx, limit)
}

func (e *Engine) ResolveAlert(ctx context.Context, alertID, by, notes string) error {
	alert, err := e.alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if err := e.alerts.Resolve(ctx, alertID, by, notes, e.now().UTC()); err != nil {
		return err
	}

	e.recorder.Log(ctx, audit.Event{
		EventType:   models.EventAlertResolved,
		Category:    models.CategorySecurity,
		Description: fmt.Sprintf("Security alert resolved: %s", alert.Title),
		SubjectType: "security_alert",
		SubjectID:   alertID,
		ActorID:     by,
		NewValues:   map[string]any{"resolution_notes": notes},
	})
	return nil
}

func (e *Engine) windowStart(hours int) time.Time {
	if hours <= 0 {
		hours = 24
	}
	return e.now().Add(-time.Duration(hours) * time.Hour)
}
