package rbac

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nowPtr() *time.Time {
	now := time.Now()
	return &now
}

func TestLabelUnmarshalAcceptsStringAndMap(t *testing.T) {
	var plain Label
	require.NoError(t, json.Unmarshal([]byte(`"Editor"`), &plain))
	assert.Equal(t, Label{"": "Editor"}, plain)

	var localized Label
	require.NoError(t, json.Unmarshal([]byte(`{"en":"Editor","id":"Penyunting"}`), &localized))
	assert.Equal(t, "Penyunting", localized["id"])
}

func TestLocalePolicyResolve(t *testing.T) {
	p := NewLocalePolicy(true, []string{"en", "id", "fr"}, "en", "en")

	// Plain-string labels win regardless of locale.
	assert.Equal(t, "Editor", p.Resolve(Label{"": "Editor", "id": "ignored"}, "id"))

	label := Label{"en": "Editor", "id": "Penyunting"}
	assert.Equal(t, "Penyunting", p.Resolve(label, "id"))
	// Unknown locale falls back to the configured fallback.
	assert.Equal(t, "Editor", p.Resolve(label, "fr"))
	// Empty locale uses the default.
	assert.Equal(t, "Editor", p.Resolve(label, ""))
	// Neither current nor fallback present: first value in locale order.
	assert.Equal(t, "Premier", p.Resolve(Label{"fr": "Premier", "zz": "Zed"}, "id"))

	assert.Equal(t, "", p.Resolve(nil, "en"))
}

func TestLocalePolicyKeyAndNormalize(t *testing.T) {
	disabled := NewLocalePolicy(false, nil, "en", "en")
	assert.Equal(t, "default", disabled.LocaleKey("id"))

	p := NewLocalePolicy(true, []string{"en", "id"}, "en", "en")
	assert.Equal(t, "id", p.LocaleKey("id"))
	assert.Equal(t, "en", p.LocaleKey(""))
	// Region variants collapse onto the configured base locale.
	assert.Equal(t, "en", p.Normalize("en-US"))
	assert.Equal(t, "", p.Normalize("not a locale"))
}

func TestStatusDerivation(t *testing.T) {
	now := nowPtr()
	assert.Equal(t, StatusActive, Role{Active: true}.Status())
	assert.Equal(t, StatusInactive, Role{Active: false}.Status())
	assert.Equal(t, StatusDeleted, Role{Active: true, DeletedAt: now}.Status())
	assert.Equal(t, StatusDeleted, Permission{Active: false, DeletedAt: now}.Status())
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, validateName("name", "posts.view"))
	assert.NoError(t, validateName("name", "posts_view-2"))
	assert.Error(t, validateName("name", ""))
	assert.Error(t, validateName("name", "Posts.View"))
	assert.Error(t, validateName("name", "posts view"))
	assert.True(t, IsValidation(validateName("name", "")))
}
