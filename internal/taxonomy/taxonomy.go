// Package taxonomy loads the static curriculum tree (groups → subjects →
// topics). The tree is immutable once loaded and is the only source of
// topic identity and display order.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Topic is a static topic definition.
type Topic struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

// Subject groups topics.
type Subject struct {
	ID     string  `yaml:"id" json:"id"`
	Title  string  `yaml:"title" json:"title"`
	Topics []Topic `yaml:"topics" json:"topics"`
}

// Group groups subjects.
type Group struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Subjects []Subject `yaml:"subjects" json:"subjects"`
}

// Taxonomy is the full static tree.
type Taxonomy struct {
	Groups []Group `yaml:"groups" json:"groups"`
}

// Default returns the curriculum compiled into the binary.
func Default() (*Taxonomy, error) {
	return Parse(defaultYAML)
}

// Load reads a taxonomy YAML file. An empty path yields Default().
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	// #nosec G304 - path comes from user configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a taxonomy document.
func Parse(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid taxonomy: %w", err)
	}
	return &t, nil
}

// Validate checks that every node has an id and that topic ids are unique
// across the whole tree.
func (t *Taxonomy) Validate() error {
	seen := make(map[string]string)
	for gi, g := range t.Groups {
		if g.ID == "" {
			return fmt.Errorf("group %d has no id", gi)
		}
		for si, s := range g.Subjects {
			if s.ID == "" {
				return fmt.Errorf("subject %d in group %s has no id", si, g.ID)
			}
			for ti, topic := range s.Topics {
				if topic.ID == "" {
					return fmt.Errorf("topic %d in subject %s has no id", ti, s.ID)
				}
				if prev, dup := seen[topic.ID]; dup {
					return fmt.Errorf("duplicate topic id %q in subjects %s and %s", topic.ID, prev, s.ID)
				}
				seen[topic.ID] = s.ID
			}
		}
	}
	return nil
}

// Topics returns every topic in display order.
func (t *Taxonomy) Topics() []Topic {
	var out []Topic
	for _, g := range t.Groups {
		for _, s := range g.Subjects {
			out = append(out, s.Topics...)
		}
	}
	return out
}

// TopicCount returns the number of topics in the tree.
func (t *Taxonomy) TopicCount() int {
	n := 0
	for _, g := range t.Groups {
		for _, s := range g.Subjects {
			n += len(s.Topics)
		}
	}
	return n
}

// Has reports whether id names a static topic.
func (t *Taxonomy) Has(id string) bool {
	for _, g := range t.Groups {
		for _, s := range g.Subjects {
			for _, topic := range s.Topics {
				if topic.ID == id {
					return true
				}
			}
		}
	}
	return false
}
