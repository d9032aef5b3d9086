package rbac

import (
	"sort"

	"golang.org/x/text/language"
)

// LocalePolicy resolves localized labels: current locale first, then the
// configured fallback, then the first available value. The same rule
// applies to role labels, permission labels and group labels everywhere.
type LocalePolicy struct {
	Enabled  bool
	Default  string
	Fallback string
	locales  []string
	matcher  language.Matcher
}

// NewLocalePolicy builds a policy from the configured locale list. When
// localization is disabled or no locales are configured, label maps
// resolve to their first value and cache keys use the literal "default".
func NewLocalePolicy(enabled bool, locales []string, def, fallback string) LocalePolicy {
	p := LocalePolicy{Enabled: enabled, Default: def, Fallback: fallback}
	if !enabled || len(locales) == 0 {
		return p
	}
	tags := make([]language.Tag, 0, len(locales))
	seen := make(map[string]struct{}, len(locales))
	for _, l := range locales {
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		base, _ := tag.Base()
		if _, ok := seen[base.String()]; !ok {
			seen[base.String()] = struct{}{}
			p.locales = append(p.locales, base.String())
		}
	}
	if len(tags) > 0 {
		p.matcher = language.NewMatcher(tags)
	}
	return p
}

// Keys enumerates every locale component a cache key can carry, so
// eviction on backends without tag support can cover all of them.
func (p LocalePolicy) Keys() []string {
	if !p.Enabled || len(p.locales) == 0 {
		return []string{"default"}
	}
	return p.locales
}

// LocaleKey returns the locale component of cache keys.
func (p LocalePolicy) LocaleKey(locale string) string {
	if !p.Enabled {
		return "default"
	}
	if locale = p.Normalize(locale); locale != "" {
		return locale
	}
	if p.Default != "" {
		return p.Default
	}
	return "default"
}

// Normalize maps an arbitrary locale string (e.g. an Accept-Language
// value) onto the configured locale list; empty when nothing matches.
func (p LocalePolicy) Normalize(locale string) string {
	if locale == "" || p.matcher == nil {
		return locale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	matched, _, conf := p.matcher.Match(tag)
	if conf == language.No {
		return ""
	}
	base, _ := matched.Base()
	return base.String()
}

// Resolve picks the text for locale out of a label map. Plain-string
// labels live under the empty key and win immediately.
func (p LocalePolicy) Resolve(label Label, locale string) string {
	if len(label) == 0 {
		return ""
	}
	if v, ok := label[""]; ok {
		return v
	}
	if locale == "" {
		locale = p.Default
	}
	if v, ok := label[locale]; ok && v != "" {
		return v
	}
	if v, ok := label[p.Fallback]; ok && v != "" {
		return v
	}
	// First available value, in deterministic locale order.
	keys := make([]string, 0, len(label))
	for k := range label {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if label[k] != "" {
			return label[k]
		}
	}
	return ""
}
