package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospsurvey/internal/models"
)

func TestHashAndVerifyPassword(t *testing.T) {
	params := Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
	hash, err := HashPasswordWithParams("S3cure!pass", params)
	require.NoError(t, err)

	ok, err := VerifyPassword("S3cure!pass", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("x", []byte("plain"))
	assert.ErrorIs(t, err, ErrMalformedHash)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	token, err := GenerateSessionToken("secret", "user-1", "sess-1", time.Minute)
	require.NoError(t, err)

	claims, err := ParseSessionToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "sess-1", claims.SessionID)

	_, err = ParseSessionToken(token, "other")
	assert.Error(t, err)
}

func TestChainLinkDetectsTampering(t *testing.T) {
	first := ChainLink("k", "", "a", "b")
	second := ChainLink("k", first, "c")

	assert.True(t, VerifyLink("k", "", first, "a", "b"))
	assert.True(t, VerifyLink("k", first, second, "c"))
	assert.False(t, VerifyLink("k", first, second, "d"))
	assert.False(t, VerifyLink("k", "", second, "c"))
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`hello <script>alert(1)</script>world`:    "hello world",
		`<b onclick="steal()">bold</b> text`:      "bold text",
		`plain   text`:                            "plain text",
		`&lt;img src=x onerror=alert(1)&gt;after`: "after",
	}
	for input, want := range cases {
		assert.Equal(t, want, Sanitize(input), input)
	}
}

func TestMaskHidesSensitiveValues(t *testing.T) {
	m := NewMasker()
	input := map[string]any{
		"email":    "maria.silva@hospital.org",
		"name":     "Maria Silva",
		"password": "hunter2",
		"phone":    "+55 11 98765-4321",
		"ip":       "10.20.30.40",
		"status":   "active",
		"profile": map[string]any{
			"cpf":  "123.456.789-09",
			"role": "nurse",
		},
		"contacts": []any{
			map[string]any{"email": "x@y.com"},
		},
	}

	out := m.Mask(input)

	assert.Equal(t, "m***@hospital.org", out["email"])
	assert.Equal(t, "M***", out["name"])
	assert.Equal(t, "***", out["password"])
	assert.Equal(t, "***21", out["phone"])
	assert.Equal(t, "10.20.*.*", out["ip"])
	assert.Equal(t, "active", out["status"])

	profile := out["profile"].(map[string]any)
	assert.Equal(t, "***09", profile["cpf"])
	assert.Equal(t, "nurse", profile["role"])

	contact := out["contacts"].([]any)[0].(map[string]any)
	assert.Equal(t, "x***@y.com", contact["email"])

	assert.Equal(t, "maria.silva@hospital.org", input["email"], "input must not be mutated")
}

func TestMaskNeverLeaksShortValues(t *testing.T) {
	m := NewMasker()
	out := m.Mask(map[string]any{"name": "A", "token": 12345, "cpf": "12"})
	for k, v := range out {
		s, _ := v.(string)
		assert.Equal(t, "***", s, k)
	}
	assert.Nil(t, m.Mask(nil))
}

func TestPasswordComplexity(t *testing.T) {
	p := DefaultPasswordComplexity()
	assert.NoError(t, p.Validate("Abcdef1!"))
	assert.Error(t, p.Validate("short"))
	assert.Error(t, p.Validate("alllowercase1!"))
	assert.Error(t, p.Validate("NoDigitsHere!"))
	assert.Error(t, p.Validate("NoSpecial123"))
}

func TestPasswordLengthCountsCharacters(t *testing.T) {
	p := DefaultPasswordComplexity()
	require.Equal(t, 8, p.MinLength)

	// Seven characters, ten bytes.
	assert.Error(t, p.Validate("Ação1!é"))
	assert.NoError(t, p.Validate("Ação1!éé"))
}

func TestPasswordExpiryPolicy(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := PasswordExpiryPolicy{MaxAge: 90 * 24 * time.Hour}

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, policy.MustChangePassword(nil, now))
	assert.True(t, policy.MustChangePassword(&models.User{PasswordChangeRequired: true}, now))
	assert.True(t, policy.MustChangePassword(&models.User{PasswordExpiresAt: &past}, now))
	assert.True(t, policy.MustChangePassword(&models.User{PasswordExpiresAt: &now}, now))
	assert.False(t, policy.MustChangePassword(&models.User{PasswordExpiresAt: &future}, now))

	next := policy.NextExpiry(now)
	require.NotNil(t, next)
	assert.True(t, strings.HasPrefix(next.Format(time.RFC3339), "2025-05-30"))
	assert.Nil(t, PasswordExpiryPolicy{}.NextExpiry(now))
}
