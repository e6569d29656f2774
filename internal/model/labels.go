package model

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// PlantLabels is the class ordering of the pinned leaf classifier. Index i
// of the model output is the probability of PlantLabels[i]; any artifact
// shipped with a different ordering is rejected at load time.
var PlantLabels = []string{
	"Aloevera", "Amla", "Amruta_Balli", "Arali", "Ashoka", "Ashwagandha", "Avocado", "Bamboo",
	"Basale", "Betel", "Betel_Nut", "Brahmi", "Castor", "Curry_Leaf", "Doddapatre", "Ekka",
	"Ganike", "Gauva", "Geranium", "Henna", "Hibiscus", "Honge", "Insulin", "Jasmine",
	"Lemon", "Lemon_grass", "Mango", "Mint", "Nagadali", "Neem", "Nithyapushpa", "Nooni",
	"Pappaya", "Pepper", "Pomegranate", "Raktachandini", "Rose", "Sapota", "Tulasi", "Wood_sorel",
}

// Schema is an immutable, ordered set of unique labels.
type Schema struct {
	labels []string
	index  map[string]int
}

// NewSchema copies labels into a Schema. It fails on an empty list,
// blank labels or duplicates.
func NewSchema(labels []string) (Schema, error) {
	if len(labels) == 0 {
		return Schema{}, errors.New("label schema is empty")
	}
	if lo.Contains(labels, "") {
		return Schema{}, errors.New("label schema contains a blank label")
	}
	if dups := lo.FindDuplicates(labels); len(dups) > 0 {
		return Schema{}, fmt.Errorf("label schema has duplicate labels: %v", dups)
	}

	s := Schema{
		labels: append([]string(nil), labels...),
		index:  make(map[string]int, len(labels)),
	}
	for i, l := range s.labels {
		s.index[l] = i
	}
	return s, nil
}

// MustSchema is NewSchema for package-level literals.
func MustSchema(labels []string) Schema {
	s, err := NewSchema(labels)
	if err != nil {
		panic(err)
	}
	return s
}

// DefaultSchema returns the schema for PlantLabels.
func DefaultSchema() Schema {
	return MustSchema(PlantLabels)
}

func (s Schema) Len() int { return len(s.labels) }

// LabelAt returns the label for a model output index. An out of range index
// can only come from a model whose output does not match the schema.
func (s Schema) LabelAt(i int) (string, error) {
	if i < 0 || i >= len(s.labels) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrSchemaMismatch, i, len(s.labels))
	}
	return s.labels[i], nil
}

// Index returns the output index of label.
func (s Schema) Index(label string) (int, bool) {
	i, ok := s.index[label]
	return i, ok
}

func (s Schema) Contains(label string) bool {
	_, ok := s.index[label]
	return ok
}

// Labels returns a copy of the ordered labels.
func (s Schema) Labels() []string {
	return append([]string(nil), s.labels...)
}

// Verify checks that an artifact's metadata was produced for this schema:
// same classes in the same order and an output width of Len().
func (s Schema) Verify(meta Metadata) error {
	if len(meta.OutputShape) == 0 || meta.OutputShape[len(meta.OutputShape)-1] != int64(s.Len()) {
		return fmt.Errorf("%w: output shape %v does not end in %d", ErrSchemaMismatch, meta.OutputShape, s.Len())
	}
	if len(meta.Classes) == 0 {
		return nil
	}
	if len(meta.Classes) != s.Len() {
		return fmt.Errorf("%w: artifact lists %d classes, schema has %d", ErrSchemaMismatch, len(meta.Classes), s.Len())
	}
	for i, c := range meta.Classes {
		if c != s.labels[i] {
			return fmt.Errorf("%w: class %d is %q in the artifact and %q in the schema", ErrSchemaMismatch, i, c, s.labels[i])
		}
	}
	return nil
}
