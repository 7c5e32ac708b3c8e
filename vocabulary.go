// Package aperture implements a hierarchical bag-of-visual-words vocabulary.
//
// WHAT IS A VISUAL VOCABULARY?
// Feature extractors (SURF, SIFT, ...) turn an image into a set of
// high-dimensional float descriptors. A visual vocabulary quantizes that
// descriptor space into a fixed set of "visual words" so that an image can
// be summarized as a sparse histogram of word occurrences — a bag of words —
// and two images can be compared by their histograms instead of their raw
// descriptors.
//
// HOW THE HIERARCHICAL VOCABULARY WORKS (Nister, 2006):
// Training descriptors are clustered with k-means into k groups; each group
// is clustered again, recursively, up to depth L. The resulting k-ary tree
// has at most k^L leaves, and each leaf is one visual word. Turning a
// descriptor into a word is then a walk from the root, at each level picking
// the child with the nearest centroid: O(k*L) distance computations instead
// of O(k^L) for a flat codebook of the same size.
//
// WEIGHTING:
// Words are weighted at training time (tf-idf, tf, idf or binary) so that
// words seen in every training image contribute little to a match and rare,
// distinctive words contribute a lot. Frequent or infrequent words can also
// be suppressed wholesale with a reversible stop list.
//
// GUARANTEES & TRADE-OFFS:
// ✓ Pros:
//   - Transform cost grows with k*L, not with the number of words
//   - Sparse vectors keep scoring and database queries cheap
//   - The tree is frozen after creation (only the stop list can change):
//     safe for concurrent reads
//
// ✗ Cons:
//   - Tree quantization is approximate: a descriptor near a Voronoi border
//     can land in a different leaf than exhaustive search would pick
//   - The vocabulary must be retrained to incorporate new descriptor data
package aperture

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Vocabulary is a trained set of visual words arranged in a k-ary tree.
//
// A vocabulary is empty until Create succeeds (or a stored vocabulary is
// loaded into it); after that the tree is frozen and only the stop list can
// change. All methods are safe for concurrent use: readers share, while
// Create, StopWords and ReadFrom take the write lock.
type Vocabulary struct {
	mu sync.RWMutex

	params Params
	rng    *rand.Rand

	created bool

	// node arena; index 0 is the root
	nodes []node
	// words[w] = arena index of the leaf carrying word w
	words []NodeID

	// normalized corpus frequency of each word (sums to 1 when any
	// occurrences exist)
	wordFrequency []float32
	// word ids sorted by ascending frequency, ties by ascending id
	wordsInOrder []WordID
	// currently stopped word ids
	stopped *roaring.Bitmap

	frequentStopped   int
	infrequentStopped int
}

// NewVocabulary creates an empty vocabulary with the given parameters.
// The training RNG is seeded from the current time; use NewVocabularyWithRand
// for reproducible training.
func NewVocabulary(params Params) (*Vocabulary, error) {
	return NewVocabularyWithRand(params, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewVocabularyWithRand creates an empty vocabulary that draws k-means++
// seeding randomness from rng.
func NewVocabularyWithRand(params Params, rng *rand.Rand) (*Vocabulary, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Vocabulary{
		params:  params,
		rng:     rng,
		stopped: roaring.New(),
	}, nil
}

// IsEmpty reports whether the vocabulary has not been created yet.
func (vc *Vocabulary) IsEmpty() bool {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return !vc.created
}

// NumberOfWords returns the number of words in the vocabulary, or 0 if it
// has not been created.
func (vc *Vocabulary) NumberOfWords() int {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	if !vc.created {
		return 0
	}
	return len(vc.words)
}

// Weighting returns the weighting method.
func (vc *Vocabulary) Weighting() WeightingKind {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.params.Weighting
}

// Scoring returns the scoring method.
func (vc *Vocabulary) Scoring() ScoringKind {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.params.Scoring
}

// Params returns a copy of the vocabulary parameters.
func (vc *Vocabulary) Params() Params {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.params
}

// RetrieveInfo returns a snapshot of the vocabulary's parameters and counts.
func (vc *Vocabulary) RetrieveInfo() VocabularyInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.retrieveInfo()
}

func (vc *Vocabulary) retrieveInfo() VocabularyInfo {
	info := VocabularyInfo{
		Kind:             vc.params.Kind,
		Weighting:        vc.params.Weighting,
		Scoring:          vc.params.Scoring,
		ScaleScore:       vc.params.ScaleScore,
		DescriptorLength: vc.params.DescriptorLength,
		K:                vc.params.K,
		L:                vc.params.L,
	}
	if vc.created {
		info.WordCount = len(vc.words)
		info.StoppedFrequentWords = vc.frequentStopped
		info.StoppedInfrequentWords = vc.infrequentStopped
	}
	return info
}

// WordWeight returns the training-time weight of a word, or 0 if the
// vocabulary is empty or the id is out of range.
func (vc *Vocabulary) WordWeight(id WordID) WordValue {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	if !vc.created || int(id) >= len(vc.words) {
		return 0
	}
	return vc.nodes[vc.words[id]].weight
}

// WordFrequency returns the normalized corpus frequency of a word, or 0 if
// the vocabulary is empty or the id is out of range.
func (vc *Vocabulary) WordFrequency(id WordID) float32 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	if !vc.created || int(id) >= len(vc.wordFrequency) {
		return 0
	}
	return vc.wordFrequency[id]
}

// Clone returns an independent deep copy of the vocabulary. The copy shares
// no state with the original; its training RNG is freshly seeded.
func (vc *Vocabulary) Clone() *Vocabulary {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	c := &Vocabulary{
		params:            vc.params,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		created:           vc.created,
		frequentStopped:   vc.frequentStopped,
		infrequentStopped: vc.infrequentStopped,
		stopped:           vc.stopped.Clone(),
	}
	c.nodes = make([]node, len(vc.nodes))
	for i := range vc.nodes {
		c.nodes[i] = vc.nodes[i].clone()
	}
	c.words = append([]NodeID(nil), vc.words...)
	c.wordFrequency = append([]float32(nil), vc.wordFrequency...)
	c.wordsInOrder = append([]WordID(nil), vc.wordsInOrder...)
	return c
}

// Create builds the vocabulary from training data, replacing any previous
// content. Each group holds the flat descriptors of one image (its length
// must be a multiple of the descriptor length); the grouping matters for
// idf-style weighting, where N is the number of groups.
//
// An empty training set (no groups, or only empty groups) leaves the
// vocabulary empty without error: Transform then returns empty vectors.
// A group with a misaligned length fails with ErrAlignment before any state
// is touched.
func (vc *Vocabulary) Create(training [][]float32) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	dim := vc.params.DescriptorLength

	// validate before touching state so a failed Create leaves the
	// vocabulary as it was
	nfeatures := 0
	for i, group := range training {
		if len(group)%dim != 0 {
			return fmt.Errorf("training group %d: %w: buffer length %d, descriptor length %d",
				i, ErrAlignment, len(group), dim)
		}
		nfeatures += len(group) / dim
	}

	vc.reset()

	if nfeatures == 0 {
		return nil
	}

	// expectedNodes = (k^(L+1) - 1) / (k - 1); reserving up front keeps the
	// arena from reallocating while the tree grows. The tree can never hold
	// more than L*nfeatures+1 nodes, which also bounds the reservation when
	// k^(L+1) overflows.
	expectedNodes := int((math.Pow(float64(vc.params.K), float64(vc.params.L)+1) - 1) /
		float64(vc.params.K-1))
	if limit := vc.params.L*nfeatures + 1; expectedNodes <= 0 || expectedNodes > limit {
		expectedNodes = limit
	}
	vc.nodes = make([]node, 0, expectedNodes)
	vc.nodes = append(vc.nodes, node{id: 0, word: noWord})

	features := make([][]float32, 0, nfeatures)
	for _, group := range training {
		for off := 0; off+dim <= len(group); off += dim {
			features = append(features, group[off:off+dim])
		}
	}

	vc.hkmeansStep(0, features, 1)
	vc.createWords()
	vc.created = true
	vc.setNodeWeights(training)

	return nil
}

// reset drops all trained state, returning the vocabulary to empty.
func (vc *Vocabulary) reset() {
	vc.created = false
	vc.nodes = nil
	vc.words = nil
	vc.wordFrequency = nil
	vc.wordsInOrder = nil
	vc.stopped = roaring.New()
	vc.frequentStopped = 0
	vc.infrequentStopped = 0
}

// createWords walks the arena in order and assigns the next word id to each
// leaf. Arena order follows node creation order, so word numbering is
// deterministic for a given tree.
func (vc *Vocabulary) createWords() {
	vc.words = vc.words[:0]
	for i := range vc.nodes {
		if vc.nodes[i].isLeaf() {
			vc.nodes[i].word = WordID(len(vc.words))
			vc.words = append(vc.words, vc.nodes[i].id)
		}
	}
}

// wordOf descends the tree from the root, at each internal node picking the
// child with the nearest descriptor (ties go to the lowest child index), and
// returns the word id of the leaf it lands on. An empty vocabulary maps
// everything to word 0.
func (vc *Vocabulary) wordOf(descriptor []float32) WordID {
	if !vc.created || len(vc.nodes) == 0 || vc.nodes[0].isLeaf() {
		return 0
	}

	cur := NodeID(0)
	for !vc.nodes[cur].isLeaf() {
		children := vc.nodes[cur].children
		best := children[0]
		bestSqd := sqDistance(descriptor, vc.nodes[best].descriptor)
		for _, id := range children[1:] {
			if sqd := sqDistance(descriptor, vc.nodes[id].descriptor); sqd < bestSqd {
				bestSqd = sqd
				best = id
			}
		}
		cur = best
	}
	return vc.nodes[cur].word
}

// Transform converts the flat descriptors of one image into a bag-of-words
// vector under the vocabulary's weighting. Stopped words are excluded from
// the output but still count toward the document's word total in the tf and
// tf-idf denominators.
//
// If arrange is true the result is sorted in ascending word order, which
// Score requires; vectors that only feed a Database can skip it.
//
// Returns ErrAlignment if len(features) is not a multiple of the descriptor
// length. An empty vocabulary yields an empty vector.
func (vc *Vocabulary) Transform(features []float32, arrange bool) (BowVector, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.transform(features, arrange)
}

func (vc *Vocabulary) transform(features []float32, arrange bool) (BowVector, error) {
	set, err := NewDescriptorSet(features, vc.params.DescriptorLength)
	if err != nil {
		return nil, err
	}

	if !vc.created {
		return BowVector{}, nil
	}

	v := make(BowVector, 0, set.Count())

	switch vc.params.Weighting {
	case TF, IDF, TFIDF:
		// word weights hold the idf part (or 1 for tf); the tf part is the
		// in-document count over nd, the document's word total. A stopped
		// word emits no entry but its first hit still increments nd.
		var stoppedSeen []WordID
		nd := 0

		for i := 0; i < set.Count(); i++ {
			id := vc.wordOf(set.At(i))

			if vc.stopped.Contains(uint32(id)) {
				if indexOfWord(stoppedSeen, id) < 0 {
					stoppedSeen = append(stoppedSeen, id)
					nd++
				}
				continue
			}

			if pos := v.indexOf(id); pos < 0 {
				v = append(v, BowEntry{Word: id, Value: vc.nodes[vc.words[id]].weight})
				nd++
			} else if vc.params.Weighting != IDF {
				// the in-document count is implicit in this accumulation
				v[pos].Value += vc.nodes[vc.words[id]].weight
			}
		}

		if nd > 0 && vc.params.Weighting != IDF {
			for i := range v {
				v[i].Value /= float64(nd)
			}
		}

	case Binary:
		// weights are unused; present words get a fixed 1
		for i := 0; i < set.Count(); i++ {
			id := vc.wordOf(set.At(i))
			if vc.stopped.Contains(uint32(id)) {
				continue
			}
			if v.indexOf(id) < 0 {
				v = append(v, BowEntry{Word: id, Value: 1})
			}
		}
	}

	if arrange {
		v.PutInOrder()
	}
	return v, nil
}

// indexOf returns the position of the entry with the given word, or -1.
// Transform vectors are small enough that a linear scan beats bookkeeping.
func (v BowVector) indexOf(id WordID) int {
	for i := range v {
		if v[i].Word == id {
			return i
		}
	}
	return -1
}

func indexOfWord(ids []WordID, id WordID) int {
	for i := range ids {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

// setNodeWeights computes per-word weights and corpus frequencies from the
// training groups and stores the weights on the leaf nodes. Must be called
// with the tree built and vc.created set.
func (vc *Vocabulary) setNodeWeights(training [][]float32) {
	nWords := len(vc.words)
	nDocs := len(training)
	dim := vc.params.DescriptorLength

	weights := make([]WordValue, nWords)
	vc.wordFrequency = make([]float32, nWords)

	switch vc.params.Weighting {
	case IDF, TFIDF:
		// Ni = number of groups with at least one descriptor reaching word i.
		// The stored weight is the idf part only; the tf part is applied in
		// Transform.
		ni := make([]uint32, nWords)
		counted := make([]bool, nWords)

		for _, group := range training {
			for i := range counted {
				counted[i] = false
			}
			for off := 0; off+dim <= len(group); off += dim {
				id := vc.wordOf(group[off : off+dim])
				vc.wordFrequency[id]++
				if !counted[id] {
					ni[id]++
					counted[id] = true
				}
			}
		}

		for i := range weights {
			if ni[i] > 0 {
				weights[i] = math.Log(float64(nDocs) / float64(ni[i]))
			}
			// a word with no training hits keeps weight 0; this happens for
			// a leaf that duplicates an earlier sibling's descriptor or whose
			// Lloyd cluster ended empty
		}

	case TF:
		for i := range weights {
			weights[i] = 1
		}
		fallthrough

	case Binary:
		// only the frequency table is needed; binary weights are unused
		for _, group := range training {
			for off := 0; off+dim <= len(group); off += dim {
				vc.wordFrequency[vc.wordOf(group[off:off+dim])]++
			}
		}
	}

	var total float32
	for _, f := range vc.wordFrequency {
		total += f
	}
	if total > 0 {
		for i := range vc.wordFrequency {
			vc.wordFrequency[i] /= total
		}
	}

	vc.createStopList()

	for i, nid := range vc.words {
		vc.nodes[nid].weight = weights[i]
	}
}

// createStopList rebuilds the frequency ordering and clears the stop list.
// vc.wordFrequency must be filled for all words.
func (vc *Vocabulary) createStopList() {
	vc.stopped = roaring.New()
	vc.frequentStopped = 0
	vc.infrequentStopped = 0

	type freqWord struct {
		freq float32
		id   WordID
	}
	pairs := make([]freqWord, len(vc.wordFrequency))
	for i, f := range vc.wordFrequency {
		pairs[i] = freqWord{freq: f, id: WordID(i)}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].freq != pairs[j].freq {
			return pairs[i].freq < pairs[j].freq
		}
		return pairs[i].id < pairs[j].id
	})

	vc.wordsInOrder = make([]WordID, len(pairs))
	for i, p := range pairs {
		vc.wordsInOrder[i] = p.id
	}
}

// StopWords replaces the stop list with the frequentWords highest-frequency
// and infrequentWords lowest-frequency words. Calls do not stack; in
// particular StopWords(0, 0) clears the stop list and restores every word.
// Counts larger than the vocabulary are clamped.
//
// Bag-of-words vectors built before a StopWords call still contain the newly
// stopped words; transform again for correct scoring.
func (vc *Vocabulary) StopWords(frequentWords, infrequentWords int) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.stopWords(frequentWords, infrequentWords)
}

// StopWordsFraction is StopWords with counts given as fractions of the word
// count, truncated toward zero.
func (vc *Vocabulary) StopWordsFraction(frequentWords, infrequentWords float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if !vc.created {
		return
	}
	n := float64(len(vc.wordsInOrder))
	vc.stopWords(int(frequentWords*n), int(infrequentWords*n))
}

func (vc *Vocabulary) stopWords(frequentWords, infrequentWords int) {
	if !vc.created {
		return
	}

	n := len(vc.wordsInOrder)
	if frequentWords > n {
		frequentWords = n
	}
	if infrequentWords > n {
		infrequentWords = n
	}
	if frequentWords < 0 {
		frequentWords = 0
	}
	if infrequentWords < 0 {
		infrequentWords = 0
	}

	vc.stopped.Clear()
	for i := 0; i < infrequentWords; i++ {
		vc.stopped.Add(uint32(vc.wordsInOrder[i]))
	}
	for i := 0; i < frequentWords; i++ {
		vc.stopped.Add(uint32(vc.wordsInOrder[n-1-i]))
	}

	vc.frequentStopped = frequentWords
	vc.infrequentStopped = infrequentWords
}
