package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/ids"
	"hospsurvey/internal/metrics"
	"hospsurvey/internal/models"
	"hospsurvey/internal/security"
)

// ErrChainBroken is returned by VerifyChain at the first entry whose link does not match.
var ErrChainBroken = errors.New("audit chain broken")

// sensitiveFields mark an update as a security alert when their value changes.
var sensitiveFields = []string{
	"email",
	"status",
	"active",
	"password",
	"two_factor_secret",
	"failed_login_attempts",
	"account_locked_until",
	"locked_until",
}

// Store appends to the hash chain. Append must hold a chain-wide lock from
// reading the head until the entry built by link is persisted.
type Store interface {
	Append(ctx context.Context, link func(prevHash string) models.AuditLogEntry) error
}

// Event is one audit record before masking. Zero values fall back to sensible
// defaults: severity info, request metadata from the context.
type Event struct {
	EventType       string
	Category        string
	Description     string
	SubjectType     string
	SubjectID       string
	OldValues       map[string]any
	NewValues       map[string]any
	Metadata        map[string]any
	Severity        models.Severity
	IsSecurityAlert bool
	ActorID         string
	Request         *RequestInfo
}

// Writer persists audit entries. It never fails its caller: problems are logged
// and counted, and Log returns nil.
type Writer struct {
	store      Store
	masker     *security.Masker
	signingKey string
	log        zerolog.Logger
	now        func() time.Time
}

func NewWriter(store Store, masker *security.Masker, signingKey string, log zerolog.Logger) *Writer {
	if masker == nil {
		masker = security.NewMasker()
	}
	return &Writer{
		store:      store,
		masker:     masker,
		signingKey: signingKey,
		log:        log,
		now:        time.Now,
	}
}

func (w *Writer) Log(ctx context.Context, ev Event) (entry *models.AuditLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("event_type", ev.EventType).Msg("audit write panicked")
			metrics.AuditWrites.WithLabelValues("failed").Inc()
			entry = nil
		}
	}()

	if ev.EventType == "" {
		w.log.Warn().Msg("audit event without type dropped")
		metrics.AuditWrites.WithLabelValues("failed").Inc()
		return nil
	}

	e := w.build(ctx, ev)

	err := w.store.Append(ctx, func(prev string) models.AuditLogEntry {
		e.CreatedAt = w.now().UTC().Truncate(time.Microsecond)
		e.PrevHash = prev
		e.Hash = security.ChainLink(w.signingKey, prev, chainFields(e)...)
		return e
	})
	if err != nil {
		w.log.Error().Err(err).Str("event_type", e.EventType).Str("subject_id", e.SubjectID).Msg("audit write failed")
		metrics.AuditWrites.WithLabelValues("failed").Inc()
		return nil
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return &e
}

func (w *Writer) build(ctx context.Context, ev Event) models.AuditLogEntry {
	req, _ := RequestFromContext(ctx)
	if ev.Request != nil {
		req = *ev.Request
	}

	severity := ev.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}
	category := ev.Category
	if category == "" {
		category = models.CategorySystem
	}

	e := models.AuditLogEntry{
		ID:              ids.New(),
		EventType:       ev.EventType,
		Category:        category,
		Severity:        severity,
		Description:     security.Sanitize(ev.Description),
		SubjectType:     ev.SubjectType,
		SubjectID:       ev.SubjectID,
		OldValues:       w.masker.Mask(ev.OldValues),
		NewValues:       w.masker.Mask(ev.NewValues),
		Metadata:        w.masker.Mask(ev.Metadata),
		IPAddress:       req.IP,
		UserAgent:       req.UserAgent,
		RequestID:       req.RequestID,
		IsSecurityAlert: ev.IsSecurityAlert || touchesSensitiveField(ev),
	}
	if origin := OriginFromContext(ctx); origin != "" {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["origin"] = origin
	}

	actor := ev.ActorID
	if actor == "" {
		actor = req.ActorID
	}
	if actor != "" {
		e.ActorID = &actor
	}
	return e
}

func touchesSensitiveField(ev Event) bool {
	if !strings.HasSuffix(ev.EventType, ".updated") || ev.OldValues == nil || ev.NewValues == nil {
		return false
	}
	for _, field := range sensitiveFields {
		oldValue, inOld := ev.OldValues[field]
		newValue, inNew := ev.NewValues[field]
		if !inOld && !inNew {
			continue
		}
		if !reflect.DeepEqual(oldValue, newValue) {
			return true
		}
	}
	return false
}

// VerifyChain checks entries in chain order and returns the index of the first
// broken link, or -1 when every link holds.
func (w *Writer) VerifyChain(entries []models.AuditLogEntry) (int, error) {
	for i, e := range entries {
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return i, fmt.Errorf("%w at entry %s: previous hash mismatch", ErrChainBroken, e.ID)
		}
		if !security.VerifyLink(w.signingKey, e.PrevHash, e.Hash, chainFields(e)...) {
			return i, fmt.Errorf("%w at entry %s: content hash mismatch", ErrChainBroken, e.ID)
		}
	}
	return -1, nil
}

func chainFields(e models.AuditLogEntry) []string {
	actor := ""
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	return []string{
		e.ID,
		actor,
		e.EventType,
		e.Category,
		string(e.Severity),
		e.Description,
		e.SubjectType,
		e.SubjectID,
		canonicalJSON(e.OldValues),
		canonicalJSON(e.NewValues),
		canonicalJSON(e.Metadata),
		e.IPAddress,
		e.UserAgent,
		e.RequestID,
		strconv.FormatBool(e.IsSecurityAlert),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(values map[string]any) string {
	if len(values) == 0 {
		return ""
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(raw)
}
