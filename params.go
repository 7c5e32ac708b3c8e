package aperture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParams is returned when vocabulary parameters fail validation.
var ErrInvalidParams = errors.New("invalid vocabulary parameters")

// Params bundles everything needed to build and score a vocabulary.
//
// K and L shape the tree: branching factor K with depth L yields at most K^L
// words. Typical image retrieval setups use K around 9-10 and L around 3-6.
// DescriptorLength is usually 128 for SIFT and 64 or 128 for SURF.
//
// Params can be read from and written to YAML, which makes training
// configurations easy to version alongside the data they produced.
type Params struct {
	// Kind of vocabulary to build. Only HierarchicalVocabulary is supported.
	Kind VocabularyKind `yaml:"kind"`

	// Weighting method for word weights.
	Weighting WeightingKind `yaml:"weighting"`

	// Scoring method used by Score and Query.
	Scoring ScoringKind `yaml:"scoring"`

	// ScaleScore maps scores into [0, 1] where the scoring supports it
	// (L1, L2 and chi-square; KL and dot product are never scaled and
	// Bhattacharyya is already in range).
	ScaleScore bool `yaml:"scale_score"`

	// DescriptorLength is the number of floats per descriptor.
	DescriptorLength int `yaml:"descriptor_length"`

	// K is the tree branching factor. Must be at least 2.
	K int `yaml:"k"`

	// L is the maximum tree depth. Must be at least 1.
	L int `yaml:"l"`
}

// DefaultParams returns hierarchical-vocabulary parameters with the
// conventional defaults: tf-idf weighting, L1 scoring, scaled scores.
func DefaultParams(k, l, descriptorLength int) Params {
	return Params{
		Kind:             HierarchicalVocabulary,
		Weighting:        TFIDF,
		Scoring:          L1Norm,
		ScaleScore:       true,
		DescriptorLength: descriptorLength,
		K:                k,
		L:                l,
	}
}

// Validate checks the parameter ranges and kind tags.
func (p Params) Validate() error {
	if !p.Kind.valid() {
		return fmt.Errorf("%w: %w (%d)", ErrInvalidParams, ErrUnknownVocabularyKind, p.Kind)
	}
	if !p.Weighting.valid() {
		return fmt.Errorf("%w: %w (%d)", ErrInvalidParams, ErrUnknownWeightingKind, p.Weighting)
	}
	if !p.Scoring.valid() {
		return fmt.Errorf("%w: %w (%d)", ErrInvalidParams, ErrUnknownScoringKind, p.Scoring)
	}
	if p.K < 2 {
		return fmt.Errorf("%w: branching factor must be at least 2, got %d", ErrInvalidParams, p.K)
	}
	if p.L < 1 {
		return fmt.Errorf("%w: depth must be at least 1, got %d", ErrInvalidParams, p.L)
	}
	if p.DescriptorLength < 1 {
		return fmt.Errorf("%w: descriptor length must be at least 1, got %d", ErrInvalidParams, p.DescriptorLength)
	}
	return nil
}

// String returns a multi-line description of the parameters.
func (p Params) String() string {
	scale := "without scaling"
	if p.ScaleScore {
		scale = "scaling to 0..1"
	}
	return fmt.Sprintf(
		"vocabulary type: %s\nweighting: %s\nscoring: %s %s\ndescriptor length: %d\nk: %d, L: %d",
		p.Kind, p.Weighting, p.Scoring, scale, p.DescriptorLength, p.K, p.L)
}

// LoadParams decodes parameters from YAML.
func LoadParams(r io.Reader) (Params, error) {
	var p Params
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Params{}, fmt.Errorf("failed to decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadParamsFile reads parameters from a YAML file.
func LoadParamsFile(filename string) (Params, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Params{}, fmt.Errorf("failed to open params file: %w", err)
	}
	defer f.Close()
	return LoadParams(f)
}

// WriteYAML encodes the parameters as YAML.
func (p Params) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	return enc.Close()
}

// SaveFile writes the parameters to a YAML file.
func (p Params) SaveFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create params file: %w", err)
	}
	if err := p.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MarshalYAML encodes the vocabulary kind by name.
func (k VocabularyKind) MarshalYAML() (interface{}, error) {
	if !k.valid() {
		return nil, ErrUnknownVocabularyKind
	}
	return k.String(), nil
}

// UnmarshalYAML decodes a vocabulary kind from its name.
func (k *VocabularyKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s != HierarchicalVocabulary.String() {
		return fmt.Errorf("%w: %q", ErrUnknownVocabularyKind, s)
	}
	*k = HierarchicalVocabulary
	return nil
}

// MarshalYAML encodes the weighting kind by name.
func (k WeightingKind) MarshalYAML() (interface{}, error) {
	if !k.valid() {
		return nil, ErrUnknownWeightingKind
	}
	return k.String(), nil
}

// UnmarshalYAML decodes a weighting kind from its name.
func (k *WeightingKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseWeightingKind(s)
	if err != nil {
		return fmt.Errorf("%w: %q", err, s)
	}
	*k = parsed
	return nil
}

// MarshalYAML encodes the scoring kind by name.
func (k ScoringKind) MarshalYAML() (interface{}, error) {
	if !k.valid() {
		return nil, ErrUnknownScoringKind
	}
	return k.String(), nil
}

// UnmarshalYAML decodes a scoring kind from its name.
func (k *ScoringKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseScoringKind(s)
	if err != nil {
		return fmt.Errorf("%w: %q", err, s)
	}
	*k = parsed
	return nil
}
