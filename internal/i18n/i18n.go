// Package i18n holds the English and Arabic message catalogs and picks the
// language for a request.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"golang.org/x/text/language"
)

// Supported languages
const (
	English = "en"
	Arabic  = "ar"
)

// QueryParam selects a language for a single request
const QueryParam = "lang"

//go:embed locales/*.json
var localeFS embed.FS

var rtl = map[string]bool{Arabic: true}

// Bundle holds every catalog. It is read-only after NewBundle.
type Bundle struct {
	catalogs map[string]map[string]string
	fallback string
	tags     []language.Tag
	matcher  language.Matcher
}

// NewBundle loads the embedded catalogs with defaultLang as fallback
func NewBundle(defaultLang string) (*Bundle, error) {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}

	b := &Bundle{catalogs: make(map[string]map[string]string)}
	for _, e := range entries {
		lang := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", lang, err)
		}
		var messages map[string]string
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", lang, err)
		}
		b.catalogs[lang] = messages
	}

	if _, ok := b.catalogs[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no catalog", defaultLang)
	}
	b.fallback = defaultLang

	// The matcher falls back to the first tag, so the default goes first.
	b.tags = []language.Tag{language.Make(defaultLang)}
	for lang := range b.catalogs {
		if lang != defaultLang {
			b.tags = append(b.tags, language.Make(lang))
		}
	}
	b.matcher = language.NewMatcher(b.tags)
	return b, nil
}

// Default returns the fallback language
func (b *Bundle) Default() string { return b.fallback }

// Supported reports whether lang has a catalog
func (b *Bundle) Supported(lang string) bool {
	_, ok := b.catalogs[lang]
	return ok
}

// Detect picks the language for r: the session preference, then the lang
// query parameter, then Accept-Language, then the default.
func (b *Bundle) Detect(r *http.Request, sessionLang string) string {
	if b.Supported(sessionLang) {
		return sessionLang
	}
	if q := r.URL.Query().Get(QueryParam); b.Supported(q) {
		return q
	}
	if header := r.Header.Get("Accept-Language"); header != "" {
		if tags, _, err := language.ParseAcceptLanguage(header); err == nil && len(tags) > 0 {
			_, idx, conf := b.matcher.Match(tags...)
			if conf != language.No {
				base, _ := b.tags[idx].Base()
				if b.Supported(base.String()) {
					return base.String()
				}
			}
		}
	}
	return b.fallback
}

// Localizer returns the localizer for lang, or for the default language
func (b *Bundle) Localizer(lang string) *Localizer {
	if !b.Supported(lang) {
		lang = b.fallback
	}
	return &Localizer{lang: lang, messages: b.catalogs[lang], fallback: b.catalogs[b.fallback]}
}

// Localizer translates message keys for one language
type Localizer struct {
	lang     string
	messages map[string]string
	fallback map[string]string
}

// T translates key, formatting args into the message. Unknown keys are returned as is.
func (l *Localizer) T(key string, args ...any) string {
	msg, ok := l.messages[key]
	if !ok {
		if msg, ok = l.fallback[key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Lang returns the language code
func (l *Localizer) Lang() string { return l.lang }

// IsRTL reports whether the language is written right to left
func (l *Localizer) IsRTL() bool { return rtl[l.lang] }

// Dir returns the HTML dir attribute value
func (l *Localizer) Dir() string {
	if l.IsRTL() {
		return "rtl"
	}
	return "ltr"
}
