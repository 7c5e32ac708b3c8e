package aperture

import (
	"fmt"
	"strings"
)

// VocabularyInfo is a snapshot of a vocabulary's parameters and counts, as
// returned by Vocabulary.RetrieveInfo. For an empty vocabulary the counts
// are zero.
type VocabularyInfo struct {
	Kind             VocabularyKind
	Weighting        WeightingKind
	Scoring          ScoringKind
	ScaleScore       bool
	DescriptorLength int
	K                int
	L                int

	WordCount              int
	StoppedFrequentWords   int
	StoppedInfrequentWords int
}

// String returns a multi-line description of the vocabulary.
func (i VocabularyInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "vocabulary type: %s\n", i.Kind)
	fmt.Fprintf(&sb, "weighting: %s\n", i.Weighting)
	if i.ScaleScore {
		fmt.Fprintf(&sb, "scoring: %s scaling to 0..1\n", i.Scoring)
	} else {
		fmt.Fprintf(&sb, "scoring: %s without scaling\n", i.Scoring)
	}
	fmt.Fprintf(&sb, "descriptor length: %d\n", i.DescriptorLength)
	fmt.Fprintf(&sb, "k: %d, L: %d\n", i.K, i.L)
	fmt.Fprintf(&sb, "words: %d (%d frequent and %d infrequent stopped)",
		i.WordCount, i.StoppedFrequentWords, i.StoppedInfrequentWords)
	return sb.String()
}

// DatabaseInfo extends VocabularyInfo with the database entry count, as
// returned by Database.RetrieveInfo.
type DatabaseInfo struct {
	VocabularyInfo
	EntryCount int
}

// String returns a multi-line description of the database.
func (i DatabaseInfo) String() string {
	return fmt.Sprintf("%s\nentries: %d", i.VocabularyInfo.String(), i.EntryCount)
}
