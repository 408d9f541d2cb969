package modules

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
)

// Catalog is an in memory Translator. Lookups walk the requested locale's
// parent chain (es-MX, es), then the fallback locale's chain, and finally
// return the key itself.
type Catalog struct {
	mu       sync.RWMutex
	fallback language.Tag
	messages map[string]map[string]string
}

// NewCatalog returns an empty catalog. An unparsable fallback means English.
func NewCatalog(fallback string) *Catalog {
	tag, err := language.Parse(fallback)
	if err != nil {
		tag = language.English
	}
	return &Catalog{
		fallback: tag,
		messages: map[string]map[string]string{},
	}
}

// Add merges messages for a locale.
func (c *Catalog) Add(locale string, messages map[string]string) error {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return NewValidationError("invalid locale "+locale, map[string]any{"locale": locale})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := tag.String()
	bucket, ok := c.messages[key]
	if !ok {
		bucket = map[string]string{}
		c.messages[key] = bucket
	}
	for k, v := range messages {
		bucket[k] = v
	}
	return nil
}

// AddDescriptor loads the translations a module descriptor ships with.
// Invalid locales are skipped and reported.
func (c *Catalog) AddDescriptor(desc ModuleDescriptor) []string {
	skipped := []string{}
	for locale, messages := range desc.Translations {
		if err := c.Add(locale, messages); err != nil {
			skipped = append(skipped, locale)
		}
	}
	return skipped
}

// Translate implements Translator.
func (c *Catalog) Translate(locale, key string) string {
	if key == "" {
		return key
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if tag, err := language.Parse(locale); err == nil {
		if msg, ok := c.lookup(tag, key); ok {
			return msg
		}
	}

	if msg, ok := c.lookup(c.fallback, key); ok {
		return msg
	}
	return key
}

func (c *Catalog) lookup(tag language.Tag, key string) (string, bool) {
	for {
		if bucket, ok := c.messages[tag.String()]; ok {
			if msg, ok := bucket[key]; ok && msg != "" {
				return msg, true
			}
		}
		if tag == language.Und {
			return "", false
		}
		tag = tag.Parent()
	}
}
