package template

import (
	_ "embed"
	"errors"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultChannel is the catalog key used when a type has no entry for a
// specific channel.
const DefaultChannel = "default"

// Entry is the raw template pair for one channel.
type Entry struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// Catalog maps notification type to channel key to entry.
type Catalog map[string]map[string]Entry

// LoadCatalog parses a YAML catalog and checks that every template compiles.
func LoadCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if len(c) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("catalog is empty"))
	}
	for typ, channels := range c {
		for ch, e := range channels {
			for part, src := range map[string]string{"title": e.Title, "body": e.Body} {
				if src == "" {
					continue
				}
				if _, err := template.New("").Parse(src); err != nil {
					return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("%s.%s.%s: %w", typ, ch, part, err))
				}
			}
		}
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog of marketplace notification types.
func DefaultCatalog() Catalog {
	c, err := LoadCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}
