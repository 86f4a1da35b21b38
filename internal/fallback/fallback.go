// Package fallback maps non-nominal outcomes to localized user-facing
// messages.
package fallback

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	tutorerrors "tutor/internal/errors"
)

// Reason is a user-facing fallback category.
type Reason string

const (
	EmptyQuery          Reason = "empty_query"
	NoRelevantContent   Reason = "no_relevant_content"
	TechnicalError      Reason = "technical_error"
	InsufficientContext Reason = "insufficient_context"
	SubjectUnavailable  Reason = "subject_unavailable"
)

// Reasons lists every category.
func Reasons() []Reason {
	return []Reason{EmptyQuery, NoRelevantContent, TechnicalError, InsufficientContext, SubjectUnavailable}
}

// ForFailure maps a query failure onto a category. Every failure of the
// generation path is a technical error from the user's point of view.
func ForFailure(tutorerrors.FailureReason) Reason {
	return TechnicalError
}

// Message is what the user sees instead of an answer.
type Message struct {
	Reason      Reason   `json:"reason"`
	Language    string   `json:"language"`
	Text        string   `json:"message"`
	Suggestions []string `json:"suggestions"`
}

type entry struct {
	Message     string   `yaml:"message"`
	Suggestions []string `yaml:"suggestions"`
}

// Catalog holds messages per language and reason.
type Catalog map[string]map[Reason]entry

//go:embed catalog.yaml
var builtin []byte

// DefaultCatalog returns the built-in English and Indonesian messages.
func DefaultCatalog() Catalog {
	catalog, err := ParseCatalog(builtin)
	if err != nil {
		panic(fmt.Sprintf("fallback: built-in catalog: %v", err))
	}
	return catalog
}

// ParseCatalog decodes a YAML catalog and checks that every language covers
// every reason.
func ParseCatalog(data []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse fallback catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("fallback catalog is empty")
	}
	for lang, entries := range catalog {
		for _, r := range Reasons() {
			if e, ok := entries[r]; !ok || strings.TrimSpace(e.Message) == "" {
				return nil, fmt.Errorf("fallback catalog %q is missing %s", lang, r)
			}
		}
	}
	return catalog, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallback catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Policy renders fallback messages.
type Policy struct {
	catalog     Catalog
	defaultLang string
}

// NewPolicy uses catalog, or the built-in one when nil. defaultLang must be
// present in the catalog.
func NewPolicy(catalog Catalog, defaultLang string) (*Policy, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if defaultLang == "" {
		defaultLang = "en"
	}
	if _, ok := catalog[defaultLang]; !ok {
		return nil, fmt.Errorf("fallback catalog has no %q messages", defaultLang)
	}
	return &Policy{catalog: catalog, defaultLang: defaultLang}, nil
}

// Languages returns the catalog languages, sorted.
func (p *Policy) Languages() []string {
	langs := make([]string, 0, len(p.catalog))
	for lang := range p.catalog {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	return langs
}

// Message renders reason in lang, falling back to the default language.
// {key} placeholders are replaced from params.
func (p *Policy) Message(reason Reason, lang string, params map[string]string) Message {
	entries, ok := p.catalog[lang]
	if !ok {
		lang = p.defaultLang
		entries = p.catalog[lang]
	}
	e, ok := entries[reason]
	if !ok {
		reason = TechnicalError
		e = entries[reason]
	}

	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)

	suggestions := make([]string, len(e.Suggestions))
	for i, s := range e.Suggestions {
		suggestions[i] = replacer.Replace(s)
	}
	return Message{
		Reason:      reason,
		Language:    lang,
		Text:        replacer.Replace(e.Message),
		Suggestions: suggestions,
	}
}

var indonesianMarkers = map[string]struct{}{
	"apa": {}, "apakah": {}, "bagaimana": {}, "mengapa": {}, "kenapa": {}, "siapa": {},
	"yang": {}, "adalah": {}, "dengan": {}, "dari": {}, "untuk": {}, "jelaskan": {},
	"dan": {}, "di": {}, "ini": {}, "itu": {}, "kelas": {},
}

// DetectLanguage guesses "id" or "en" from function words in text. Blank
// text yields "".
func DetectLanguage(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	if len(words) == 0 {
		return ""
	}
	hits := 0
	for _, w := range words {
		if _, ok := indonesianMarkers[w]; ok {
			hits++
		}
	}
	if hits > 0 && hits*5 >= len(words) {
		return "id"
	}
	return "en"
}
