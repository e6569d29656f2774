// Package knowledge holds the medicinal facts known for each plant label.
package knowledge

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/leaf-api/internal/model"
)

// Unavailable is the text of every field of the fallback record.
const Unavailable = "Information not available."

//go:embed plants.yaml
var plantsYAML []byte

// Fact is what the service knows about one plant.
type Fact struct {
	MedicinalProperties string `yaml:"medicinal_properties" json:"medicinal_properties"`
	UsedFor             string `yaml:"used_for" json:"used_for"`
	HowToUse            string `yaml:"how_to_use" json:"how_to_use"`
}

// Fallback is returned for labels without a record.
var Fallback = Fact{
	MedicinalProperties: Unavailable,
	UsedFor:             Unavailable,
	HowToUse:            Unavailable,
}

// Base is a read-only label to Fact mapping.
type Base struct {
	facts map[string]Fact
}

// New copies facts into a Base. Every key must be a label of schema and
// every record must have all three fields.
func New(facts map[string]Fact, schema model.Schema) (*Base, error) {
	b := &Base{facts: make(map[string]Fact, len(facts))}
	for label, f := range facts {
		if !schema.Contains(label) {
			return nil, fmt.Errorf("knowledge base entry %q is not a schema label", label)
		}
		if f.MedicinalProperties == "" || f.UsedFor == "" || f.HowToUse == "" {
			return nil, fmt.Errorf("knowledge base entry %q has empty fields", label)
		}
		b.facts[label] = f
	}
	return b, nil
}

// Parse reads a YAML document mapping labels to facts.
func Parse(doc []byte, schema model.Schema) (*Base, error) {
	var facts map[string]Fact
	if err := yaml.Unmarshal(doc, &facts); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	return New(facts, schema)
}

// Default returns the knowledge base compiled into the binary.
func Default(schema model.Schema) (*Base, error) {
	return Parse(plantsYAML, schema)
}

// Get returns the record for label and whether one exists.
func (b *Base) Get(label string) (Fact, bool) {
	f, ok := b.facts[label]
	return f, ok
}

// Lookup returns the record for label, or Fallback. It never fails.
func (b *Base) Lookup(label string) Fact {
	if f, ok := b.Get(label); ok {
		return f
	}
	return Fallback
}

func (b *Base) Len() int { return len(b.facts) }
