package lifecycle

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTotalDays applies when a crop omits total_days.
const DefaultTotalDays = 120

//go:embed crops.yaml
var defaultCatalogYAML []byte

// Stage is one named growth phase. StartDay is inclusive, EndDay exclusive.
type Stage struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"`
	StartDay    int    `yaml:"start_day" json:"start_day"`
	EndDay      int    `yaml:"end_day" json:"end_day"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Crop is the validated lifecycle table of a single crop type.
type Crop struct {
	Name      string  `json:"name"`
	TotalDays int     `json:"total_days"`
	Stages    []Stage `json:"stages"`
}

// Catalog holds every crop lifecycle. It is immutable once built and safe
// for concurrent readers.
type Catalog struct {
	crops map[string]Crop
	names []string
}

type document struct {
	Crops map[string]struct {
		TotalDays *int    `yaml:"total_days"`
		Stages    []Stage `yaml:"stages"`
	} `yaml:"crops"`
}

// Load reads and validates a catalog file. An empty path yields the
// embedded default catalog.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("crop configuration file not found: %s", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return FromYAML(defaultCatalogYAML)
}

// FromYAML decodes and validates a catalog document.
func FromYAML(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}
	if len(doc.Crops) == 0 {
		return nil, &ConfigError{Reason: "'crops' key not found or empty"}
	}
	c := &Catalog{crops: make(map[string]Crop, len(doc.Crops))}
	for rawName, def := range doc.Crops {
		name := normalize(rawName)
		if name == "" {
			return nil, &ConfigError{Reason: "crop with empty name"}
		}
		if _, dup := c.crops[name]; dup {
			return nil, &ConfigError{Crop: name, Reason: "defined more than once (names are case-insensitive)"}
		}
		total := DefaultTotalDays
		if def.TotalDays != nil {
			total = *def.TotalDays
		}
		crop := Crop{Name: name, TotalDays: total, Stages: def.Stages}
		if err := crop.Validate(); err != nil {
			return nil, err
		}
		c.crops[name] = crop
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Validate checks the stage table of a crop.
func (c Crop) Validate() error {
	if c.TotalDays <= 0 {
		return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("total_days must be positive, got %d", c.TotalDays)}
	}
	if len(c.Stages) == 0 {
		return &ConfigError{Crop: c.Name, Reason: "stage list is empty"}
	}
	seen := make(map[string]struct{}, len(c.Stages))
	for i, s := range c.Stages {
		if strings.TrimSpace(s.ID) == "" {
			return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("stage %d has empty id", i)}
		}
		if strings.TrimSpace(s.Label) == "" {
			return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("stage %s has empty label", s.ID)}
		}
		if _, dup := seen[s.ID]; dup {
			return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("stage id %s is duplicated", s.ID)}
		}
		seen[s.ID] = struct{}{}
		if s.EndDay <= s.StartDay {
			return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("stage %s has end_day %d <= start_day %d", s.ID, s.EndDay, s.StartDay)}
		}
		if i > 0 {
			prev := c.Stages[i-1]
			if prev.EndDay != s.StartDay {
				return &ConfigError{Crop: c.Name, Reason: fmt.Sprintf("stages %s and %s are not contiguous (%d != %d)", prev.ID, s.ID, prev.EndDay, s.StartDay)}
			}
		}
	}
	return nil
}

// Crop looks up a crop case-insensitively. The returned stage slice is a copy.
func (c *Catalog) Crop(cropType string) (Crop, error) {
	crop, err := c.lookup(cropType)
	if err != nil {
		return Crop{}, err
	}
	return crop.clone(), nil
}

func (c *Catalog) lookup(cropType string) (Crop, error) {
	crop, ok := c.crops[normalize(cropType)]
	if !ok {
		return Crop{}, &UnknownCropError{CropType: cropType, Available: c.Names()}
	}
	return crop, nil
}

func (c Crop) clone() Crop {
	stages := make([]Stage, len(c.Stages))
	copy(stages, c.Stages)
	c.Stages = stages
	return c
}

// Names lists crop types in alphabetical order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Crops returns every crop in name order. Stage slices are copies.
func (c *Catalog) Crops() []Crop {
	out := make([]Crop, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.crops[n].clone())
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
