// Package catalog holds the static layer and overlay tables of the
// multi-survey cutout service.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed layers.yaml
var layersYAML []byte

// Entry is a service token with its human-readable alias.
type Entry struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
	// Anchor overlays are centered on a sky position and serialize as token=ra,dec.
	Anchor bool `yaml:"anchor"`
}

// Catalog resolves layer and overlay names. It is immutable once loaded.
type Catalog struct {
	layers   []Entry
	overlays []Entry
	byName   map[string]map[string]Entry
}

type document struct {
	Layers   []Entry `yaml:"layers"`
	Overlays []Entry `yaml:"overlays"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog, parsed on first use.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(layersYAML)
	})
	if defaultErr != nil {
		// the embedded table is part of the binary; failing to parse it is a build defect
		panic(fmt.Sprintf("catalog: embedded layers.yaml: %v", defaultErr))
	}
	return defaultCat
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Layers) == 0 {
		return nil, fmt.Errorf("parse catalog: no layers defined")
	}
	c := &Catalog{
		layers:   doc.Layers,
		overlays: doc.Overlays,
		byName: map[string]map[string]Entry{
			"layer":   index(doc.Layers),
			"overlay": index(doc.Overlays),
		},
	}
	return c, nil
}

func index(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries)*2)
	for _, e := range entries {
		m[e.Name] = e
		if e.Alias != "" {
			m[e.Alias] = e
		}
	}
	return m
}

// ResolveLayer maps a layer token or alias to its token.
func (c *Catalog) ResolveLayer(name string) (string, error) {
	e, err := c.resolve("layer", name, c.layers)
	return e.Name, err
}

// ResolveOverlay maps an overlay token or alias to its entry.
func (c *Catalog) ResolveOverlay(name string) (Entry, error) {
	return c.resolve("overlay", name, c.overlays)
}

func (c *Catalog) resolve(kind, name string, all []Entry) (Entry, error) {
	if e, ok := c.byName[kind][strings.TrimSpace(name)]; ok {
		return e, nil
	}
	return Entry{}, fmt.Errorf("%s %q is not valid; available %ss: %s", kind, name, kind, strings.Join(names(all), ", "))
}

// Layers returns the layer entries in catalog order.
func (c *Catalog) Layers() []Entry { return append([]Entry(nil), c.layers...) }

// Overlays returns the overlay entries in catalog order.
func (c *Catalog) Overlays() []Entry { return append([]Entry(nil), c.overlays...) }

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
