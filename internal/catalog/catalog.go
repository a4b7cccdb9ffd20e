// Package catalog serves the hero styles a generation can use.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScenePlaceholder is replaced by one scene option when building a prompt.
const ScenePlaceholder = "{scene}"

// ErrStyleNotFound is returned by GetByID for an unknown style id.
var ErrStyleNotFound = errors.New("style not found")

//go:embed heroes.yaml
var defaultCatalog []byte

type Style struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	PromptTemplate string   `yaml:"prompt_template" json:"-"`
	Scenes         []string `yaml:"scenes" json:"-"`
}

// Prompt renders the template with scene.
func (s *Style) Prompt(scene string) string {
	return strings.ReplaceAll(s.PromptTemplate, ScenePlaceholder, scene)
}

type file struct {
	Styles []Style `yaml:"styles"`
}

// Catalog is an immutable, ordered set of styles.
type Catalog struct {
	order []string
	byID  map[string]*Style
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %q: %w", path, err)
		}
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]*Style, len(f.Styles))}
	for i := range f.Styles {
		s := &f.Styles[i]
		if s.ID == "" {
			return nil, fmt.Errorf("style %d: missing id", i)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("style %q: duplicate id", s.ID)
		}
		if !strings.Contains(s.PromptTemplate, ScenePlaceholder) {
			return nil, fmt.Errorf("style %q: prompt_template lacks %s", s.ID, ScenePlaceholder)
		}
		if len(s.Scenes) == 0 {
			return nil, fmt.Errorf("style %q: no scenes", s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

func (c *Catalog) GetByID(_ context.Context, id string) (*Style, error) {
	s, ok := c.byID[id]
	if !ok {
		return nil, ErrStyleNotFound
	}
	return s, nil
}

func (c *Catalog) List() []*Style {
	out := make([]*Style, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
