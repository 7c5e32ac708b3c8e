package aperture

import (
	"errors"
	"math"
	"sort"
)

// ErrVectorNotInOrder is returned when a pairwise score is requested for a
// bag-of-words vector whose entries are not in strictly ascending word order.
var ErrVectorNotInOrder = errors.New("bag-of-words vector entries are not in ascending word order")

// BowEntry is a single (word, value) pair of a bag-of-words vector.
type BowEntry struct {
	Word  WordID
	Value WordValue
}

// BowVector is a sparse bag-of-words representation of an image: the words
// its descriptors map to, each with its accumulated weight.
//
// Entries must be in strictly ascending word order for pairwise scoring with
// Vocabulary.Score. Vectors that only flow into Database.AddEntry or
// Database.Query may stay unordered; Transform skips the final sort in that
// case to save some time.
type BowVector []BowEntry

// Clone returns an independent copy of the vector.
func (v BowVector) Clone() BowVector {
	if v == nil {
		return nil
	}
	return append(BowVector(nil), v...)
}

// Normalize divides every value by the vector's L1 or L2 magnitude,
// depending on norm (L1Norm or L2Norm). A vector with zero magnitude is
// left untouched. Normalizing twice equals normalizing once, up to
// floating-point rounding.
func (v BowVector) Normalize(norm ScoringKind) {
	var mag float64

	switch norm {
	case L1Norm:
		for _, e := range v {
			mag += math.Abs(e.Value)
		}
	case L2Norm:
		for _, e := range v {
			mag += e.Value * e.Value
		}
		mag = math.Sqrt(mag)
	default:
		return
	}

	if mag > 0 {
		for i := range v {
			v[i].Value /= mag
		}
	}
}

// PutInOrder sorts the entries in ascending word order.
func (v BowVector) PutInOrder() {
	sort.Slice(v, func(i, j int) bool { return v[i].Word < v[j].Word })
}

// InOrder reports whether the entries are in strictly ascending word order
// with no duplicates.
func (v BowVector) InOrder() bool {
	for i := 0; i+1 < len(v); i++ {
		if v[i].Word >= v[i+1].Word {
			return false
		}
	}
	return true
}
