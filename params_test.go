package aperture

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestParamsYAMLRoundTrip(t *testing.T) {
	p := DefaultParams(10, 5, 128)
	p.Weighting = Binary
	p.Scoring = Bhattacharyya
	p.ScaleScore = false

	var buf bytes.Buffer
	if err := p.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML() error = %v", err)
	}

	loaded, err := LoadParams(&buf)
	if err != nil {
		t.Fatalf("LoadParams() error = %v", err)
	}
	if loaded != p {
		t.Errorf("LoadParams() = %+v, want %+v", loaded, p)
	}
}

func TestLoadParamsFromYAMLText(t *testing.T) {
	doc := `
kind: hierarchical
weighting: tf-idf
scoring: l1-norm
scale_score: true
descriptor_length: 64
k: 9
l: 3
`
	p, err := LoadParams(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadParams() error = %v", err)
	}

	want := DefaultParams(9, 3, 64)
	if p != want {
		t.Errorf("LoadParams() = %+v, want %+v", p, want)
	}
}

func TestLoadParamsUnknownKinds(t *testing.T) {
	cases := []struct {
		doc  string
		want error
	}{
		{"kind: flat\nweighting: tf\nscoring: kl\ndescriptor_length: 8\nk: 2\nl: 1\n", ErrUnknownVocabularyKind},
		{"kind: hierarchical\nweighting: bm25\nscoring: kl\ndescriptor_length: 8\nk: 2\nl: 1\n", ErrUnknownWeightingKind},
		{"kind: hierarchical\nweighting: tf\nscoring: cosine\ndescriptor_length: 8\nk: 2\nl: 1\n", ErrUnknownScoringKind},
	}

	for _, tc := range cases {
		if _, err := LoadParams(strings.NewReader(tc.doc)); !errors.Is(err, tc.want) {
			t.Errorf("LoadParams(%q) error = %v, want %v", tc.doc, err, tc.want)
		}
	}
}

func TestLoadParamsValidates(t *testing.T) {
	doc := "kind: hierarchical\nweighting: tf\nscoring: kl\ndescriptor_length: 8\nk: 1\nl: 1\n"
	if _, err := LoadParams(strings.NewReader(doc)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("LoadParams() error = %v, want ErrInvalidParams", err)
	}
}

func TestParamsFileRoundTrip(t *testing.T) {
	p := DefaultParams(4, 2, 32)
	path := filepath.Join(t.TempDir(), "params.yaml")

	if err := p.SaveFile(path); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	loaded, err := LoadParamsFile(path)
	if err != nil {
		t.Fatalf("LoadParamsFile() error = %v", err)
	}
	if loaded != p {
		t.Errorf("LoadParamsFile() = %+v, want %+v", loaded, p)
	}
}

func TestParamsValidate(t *testing.T) {
	good := DefaultParams(2, 1, 1)
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v for minimal valid params", err)
	}

	bad := good
	bad.Weighting = WeightingKind(7)
	if err := bad.Validate(); !errors.Is(err, ErrUnknownWeightingKind) {
		t.Errorf("Validate() error = %v, want ErrUnknownWeightingKind", err)
	}
}

func TestKindStrings(t *testing.T) {
	weightings := map[WeightingKind]string{
		TFIDF: "tf-idf", TF: "tf", IDF: "idf", Binary: "binary",
	}
	for k, want := range weightings {
		if got := k.String(); got != want {
			t.Errorf("WeightingKind(%d).String() = %q, want %q", k, got, want)
		}
		parsed, err := ParseWeightingKind(want)
		if err != nil || parsed != k {
			t.Errorf("ParseWeightingKind(%q) = %v, %v, want %v", want, parsed, err, k)
		}
	}

	scorings := map[ScoringKind]string{
		L1Norm: "l1-norm", L2Norm: "l2-norm", ChiSquare: "chi-square",
		KullbackLeibler: "kl", Bhattacharyya: "bhattacharyya", DotProduct: "dot-product",
	}
	for k, want := range scorings {
		if got := k.String(); got != want {
			t.Errorf("ScoringKind(%d).String() = %q, want %q", k, got, want)
		}
		parsed, err := ParseScoringKind(want)
		if err != nil || parsed != k {
			t.Errorf("ParseScoringKind(%q) = %v, %v, want %v", want, parsed, err, k)
		}
	}
}
