// Package localization translates the system notices sent to chat clients.
// Translations are JSON files named after the language code (e.g. "en.json");
// a built-in set is embedded and a directory on disk can replace it.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

// DefaultLanguage is the fallback for unknown languages and missing keys.
const DefaultLanguage = "en"

//go:embed locales/*.json
var builtin embed.FS

// Localizer holds translation keys and values per language.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// NewLocalizer loads every *.json file of the directory at path.
func NewLocalizer(dir string) (*Localizer, error) {
	return NewLocalizerFS(os.DirFS(dir), ".")
}

// Builtin returns the embedded translations.
func Builtin() (*Localizer, error) {
	return NewLocalizerFS(builtin, "locales")
}

// NewLocalizerFS loads every *.json file of dir inside fsys.
func NewLocalizerFS(fsys fs.FS, dir string) (*Localizer, error) {
	l := &Localizer{
		translations: make(map[string]map[string]string),
	}

	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}

		l.translations[strings.ToLower(strings.TrimSuffix(file.Name(), ".json"))] = translations
	}

	if len(l.translations) == 0 {
		return nil, fmt.Errorf("no localization files in %s", dir)
	}
	return l, nil
}

// Normalize reduces a client language tag ("tr-TR", "en_US") to a loaded
// language code, or DefaultLanguage.
func (l *Localizer) Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.translations[lang]; ok {
		return lang
	}
	return DefaultLanguage
}

// Languages lists the loaded language codes in order.
func (l *Localizer) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	langs := make([]string, 0, len(l.translations))
	for lang := range l.translations {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// GetString returns the localized string for key, falling back to the
// default language and finally to the key itself.
func (l *Localizer) GetString(lang, key string) string {
	lang = l.Normalize(lang)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if value, ok := l.translations[lang][key]; ok {
		return value
	}
	if value, ok := l.translations[DefaultLanguage][key]; ok {
		return value
	}
	return key
}
