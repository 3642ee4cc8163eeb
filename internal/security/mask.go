package security

import (
	"fmt"
	"net"
	"strings"
)

const redacted = "***"

var defaultSensitiveKeys = []string{
	"email",
	"phone",
	"cpf",
	"name",
	"ip",
	"ip_address",
	"password",
	"password_confirmation",
	"two_factor_secret",
	"two_factor_recovery_codes",
	"remember_token",
	"token",
}

var secretKeys = map[string]struct{}{
	"password":                  {},
	"password_confirmation":     {},
	"two_factor_secret":         {},
	"two_factor_recovery_codes": {},
	"remember_token":            {},
	"token":                     {},
}

// Masker replaces personal data and secrets in audit payloads.
type Masker struct {
	keys map[string]struct{}
}

func NewMasker(extra ...string) *Masker {
	keys := make(map[string]struct{}, len(defaultSensitiveKeys)+len(extra))
	for _, k := range defaultSensitiveKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return &Masker{keys: keys}
}

func (m *Masker) IsSensitive(key string) bool {
	_, ok := m.keys[strings.ToLower(key)]
	return ok
}

// Mask returns a copy of values with sensitive keys masked, descending into
// nested maps and slices. A nil input yields nil.
func (m *Masker) Mask(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if m.IsSensitive(k) {
			out[k] = maskValue(strings.ToLower(k), v)
			continue
		}
		out[k] = m.walk(v)
	}
	return out
}

func (m *Masker) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.Mask(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = m.walk(item)
		}
		return items
	case []map[string]any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = m.Mask(item)
		}
		return items
	default:
		return v
	}
}

func maskValue(key string, v any) any {
	if v == nil {
		return nil
	}
	if _, ok := secretKeys[key]; ok {
		return redacted
	}
	raw, ok := v.(string)
	if !ok {
		raw = fmt.Sprint(v)
	}
	if raw == "" {
		return ""
	}

	var masked string
	switch key {
	case "email":
		masked = maskEmail(raw)
	case "ip", "ip_address":
		masked = maskIP(raw)
	case "phone", "cpf":
		masked = maskDigits(raw)
	default:
		masked = maskText(raw)
	}

	if strings.Contains(masked, raw) {
		return redacted
	}
	return masked
}

func maskEmail(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at <= 0 {
		return maskText(raw)
	}
	return raw[:1] + redacted + raw[at:]
}

func maskIP(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return redacted
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.*.*", v4[0], v4[1])
	}
	parts := strings.Split(ip.String(), ":")
	if len(parts) > 2 {
		return parts[0] + ":" + parts[1] + ":" + redacted
	}
	return redacted
}

func maskDigits(raw string) string {
	var digits []rune
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return redacted
	}
	return redacted + string(digits[len(digits)-2:])
}

func maskText(raw string) string {
	r := []rune(raw)
	return string(r[0]) + redacted
}
