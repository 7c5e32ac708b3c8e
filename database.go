// Package aperture's database keeps an inverted index over bag-of-words
// vectors for fast similarity queries.
//
// HOW THE INVERTED INDEX WORKS:
// Instead of storing one dense histogram per image, the database stores one
// row per word: index[w] = [(entry, value), ...] for every entry whose
// vector contains w. A query then touches only the rows of its own words,
// so its cost scales with the entries that share at least one word with the
// query — not with the database size.
//
// Each scoring is rewritten into a form that accumulates over common words
// only (Nister, 2006); a post-pass maps the accumulator into the final
// score. KL is the exception: absent coordinates carry an epsilon-log
// penalty, so a second pass over the candidates is needed, driven by
// per-word entry bitmaps.
package aperture

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Result is one database query match.
type Result struct {
	Entry EntryID
	Score float64
}

// QueryResults holds query matches, best first under the active scoring's
// convention (lowest score first for unscaled L1, L2, chi-square and for KL;
// highest first for scaled L1, L2, chi-square and for Bhattacharyya and dot
// product).
type QueryResults []Result

// indexEntry is one cell of an inverted-index row.
type indexEntry struct {
	entry EntryID
	value WordValue
}

// Database is an image database backed by an inverted index.
//
// A database owns its own copy of the vocabulary it was created from, so
// later changes to the original (such as StopWords) do not affect stored
// entries. All methods are safe for concurrent use; AddEntry, Clear and
// ReadFrom are exclusive writers.
type Database struct {
	mu sync.RWMutex

	voc *Vocabulary

	// index[w] = entries containing word w, in ascending entry order
	// (entries are appended with monotonically increasing ids, so rows
	// never need sorting)
	index [][]indexEntry

	// rows[w] = bitmap of entry ids present in index[w]; drives the KL
	// absent-word pass and the non-empty row count in persistence
	rows []*roaring.Bitmap

	nentries uint32
}

// NewDatabase creates an empty database over a copy of the given vocabulary.
func NewDatabase(voc *Vocabulary) *Database {
	own := voc.Clone()
	n := own.NumberOfWords()
	return &Database{
		voc:   own,
		index: make([][]indexEntry, n),
		rows:  make([]*roaring.Bitmap, n),
	}
}

// NewDatabaseFromFile loads a stored database, auto-detecting the format.
func NewDatabaseFromFile(filename string) (*Database, error) {
	placeholder, err := NewVocabulary(DefaultParams(2, 1, 64))
	if err != nil {
		return nil, err
	}
	db := NewDatabase(placeholder)
	if err := db.Load(filename); err != nil {
		return nil, err
	}
	return db, nil
}

// Voc returns the database's vocabulary. Treat it as read-only: stopping
// words on it changes how AddFeatures and QueryFeatures transform
// descriptors, but not the vectors already stored.
func (db *Database) Voc() *Vocabulary {
	return db.voc
}

// NumberOfEntries returns how many entries the database holds.
func (db *Database) NumberOfEntries() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int(db.nentries)
}

// RetrieveInfo returns a snapshot of the database's vocabulary parameters
// and entry count.
func (db *Database) RetrieveInfo() DatabaseInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return DatabaseInfo{
		VocabularyInfo: db.voc.RetrieveInfo(),
		EntryCount:     int(db.nentries),
	}
}

// AddEntry stores a bag-of-words vector and returns its entry id. Ids are
// assigned sequentially from 0 in call order. The input is not modified;
// the stored copy is normalized when the active scoring demands it.
//
// The vector's words must come from this database's vocabulary.
func (db *Database) AddEntry(v BowVector) EntryID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.addEntry(v.Clone())
}

// AddFeatures transforms an image's flat descriptors with the database's
// vocabulary and stores the resulting vector. Returns ErrAlignment if the
// buffer length is not a multiple of the descriptor length.
func (db *Database) AddFeatures(features []float32) (EntryID, error) {
	v, err := db.voc.Transform(features, false)
	if err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.addEntry(v), nil
}

// addEntry owns v and may modify it. Lock must be held.
func (db *Database) addEntry(v BowVector) EntryID {
	if norm, ok := mustNormalize(db.voc.Scoring()); ok {
		v.Normalize(norm)
	}

	eid := EntryID(db.nentries)
	db.nentries++

	for _, e := range v {
		db.index[e.Word] = append(db.index[e.Word], indexEntry{entry: eid, value: e.Value})
		if db.rows[e.Word] == nil {
			db.rows[e.Word] = roaring.New()
		}
		db.rows[e.Word].Add(uint32(eid))
	}

	return eid
}

// Clear empties the inverted index and resets the entry counter. The
// vocabulary is kept.
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := db.voc.NumberOfWords()
	db.index = make([][]indexEntry, n)
	db.rows = make([]*roaring.Bitmap, n)
	db.nentries = 0
}

// Query scores the bag-of-words vector against every entry sharing at least
// one word with it and returns at most maxResults matches, best first.
// A negative maxResults returns all matches. The input is not modified.
//
// Results are deterministic for identical inputs: the sort is stable over
// the index's fixed traversal order.
func (db *Database) Query(v BowVector, maxResults int) QueryResults {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.query(v.Clone(), maxResults)
}

// QueryFeatures transforms an image's flat descriptors and queries with the
// resulting vector.
func (db *Database) QueryFeatures(features []float32, maxResults int) (QueryResults, error) {
	v, err := db.voc.Transform(features, false)
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.query(v, maxResults), nil
}

// query owns v and may modify it. Read lock must be held.
func (db *Database) query(v BowVector, maxResults int) QueryResults {
	scoring := db.voc.Scoring()
	scale := db.voc.Params().ScaleScore

	if norm, ok := mustNormalize(scoring); ok {
		v.Normalize(norm)
	}

	switch scoring {
	case L1Norm:
		return db.queryL1(v, maxResults, scale)
	case L2Norm:
		return db.queryL2(v, maxResults, scale)
	case ChiSquare:
		return db.queryChiSquare(v, maxResults, scale)
	case KullbackLeibler:
		return db.queryKL(v, maxResults)
	case Bhattacharyya:
		return db.queryBhattacharyya(v, maxResults)
	case DotProduct:
		return db.queryDotProduct(v, maxResults)
	}
	return QueryResults{}
}

// accumulate walks the inverted rows of the query's words and folds the
// per-pair term into one running score per candidate entry. Candidates keep
// their first-encounter order, which is deterministic for a fixed database
// and query; the stable sorts downstream rely on that.
func (db *Database) accumulate(v BowVector, pair func(q, d WordValue) float64) QueryResults {
	ret := make(QueryResults, 0, 100)
	pos := make(map[EntryID]int)

	for _, qe := range v {
		for _, ie := range db.index[qe.Word] {
			value := pair(qe.Value, ie.value)
			if p, ok := pos[ie.entry]; ok {
				ret[p].Score += value
			} else {
				pos[ie.entry] = len(ret)
				ret = append(ret, Result{Entry: ie.entry, Score: value})
			}
		}
	}

	return ret
}

func (r QueryResults) sortAscending() {
	sort.SliceStable(r, func(i, j int) bool { return r[i].Score < r[j].Score })
}

func (r QueryResults) sortDescending() {
	sort.SliceStable(r, func(i, j int) bool { return r[i].Score > r[j].Score })
}

func (r QueryResults) truncate(maxResults int) QueryResults {
	if maxResults >= 0 && len(r) > maxResults {
		return r[:maxResults]
	}
	return r
}

func (db *Database) queryL1(v BowVector, maxResults int, scale bool) QueryResults {
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		return math.Abs(q-d) - math.Abs(q) - math.Abs(d)
	})

	// running scores are in [-2 best .. 0 worst]
	ret.sortAscending()
	ret = ret.truncate(maxResults)

	// complete the score:
	// ||v - w||_L1 = 2 + sum(|v_i - w_i| - |v_i| - |w_i|) over common words
	for i := range ret {
		if scale {
			ret[i].Score = -ret[i].Score / 2
		} else {
			ret[i].Score = 2 + ret[i].Score
		}
	}
	return ret
}

func (db *Database) queryL2(v BowVector, maxResults int, scale bool) QueryResults {
	// the dot product is accumulated negated so that the common ascending
	// sort puts the best entry first; Vocabulary.Score uses the positive
	// form. sqrt(2 + 2*running) == sqrt(2 - 2*sum(v_i*w_i)).
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		return -(q * d)
	})

	// running scores are in [-1 best .. 0 worst]
	ret.sortAscending()
	ret = ret.truncate(maxResults)

	for i := range ret {
		if ret[i].Score < -1 {
			// rounding in normalization can push a self-dot just past 1
			ret[i].Score = -1
		}
		if scale {
			ret[i].Score = 1 - math.Sqrt(1+ret[i].Score)
		} else {
			ret[i].Score = math.Sqrt(2 + 2*ret[i].Score)
		}
	}
	return ret
}

func (db *Database) queryChiSquare(v BowVector, maxResults int, scale bool) QueryResults {
	// assumes non-negative entries, so sum(v) == sum(w) == 1 after L1
	// normalization and the absent-word terms collapse into the constant 2
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		return (q-d)*(q-d)/(q+d) - q - d
	})

	// running scores are in [-2 best .. 0 worst]
	ret.sortAscending()
	ret = ret.truncate(maxResults)

	for i := range ret {
		if scale {
			ret[i].Score = -ret[i].Score / 2
		} else {
			ret[i].Score = 2 + ret[i].Score
		}
	}
	return ret
}

func (db *Database) queryKL(v BowVector, maxResults int) QueryResults {
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		// zero coordinates contribute nothing; a zero on the entry side
		// falls back to the epsilon floor
		if q <= 0 {
			return 0
		}
		if d <= 0 {
			return q * (math.Log(q) - logEpsilon)
		}
		return q * math.Log(q/d)
	})

	// the running score alone does not order candidates: every query word
	// missing from a candidate adds an epsilon-log penalty, so complete all
	// scores before sorting
	for i := range ret {
		eid := uint32(ret[i].Entry)
		var value float64
		for _, qe := range v {
			if qe.Value <= 0 {
				continue
			}
			if row := db.rows[qe.Word]; row == nil || !row.Contains(eid) {
				value += qe.Value * (math.Log(qe.Value) - logEpsilon)
			}
		}
		ret[i].Score += value
	}

	// real scores are now in [0 best .. +inf worst]; never scaled
	ret.sortAscending()
	return ret.truncate(maxResults)
}

func (db *Database) queryBhattacharyya(v BowVector, maxResults int) QueryResults {
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		return math.Sqrt(q * d)
	})

	// scores are already in [0 worst .. 1 best]
	ret.sortDescending()
	return ret.truncate(maxResults)
}

func (db *Database) queryDotProduct(v BowVector, maxResults int) QueryResults {
	ret := db.accumulate(v, func(q, d WordValue) float64 {
		return q * d
	})

	// higher is better; never scaled
	ret.sortDescending()
	return ret.truncate(maxResults)
}

// nonEmptyRows counts inverted-index rows with at least one cell.
// Lock must be held.
func (db *Database) nonEmptyRows() int {
	n := 0
	for _, row := range db.rows {
		if row != nil && !row.IsEmpty() {
			n++
		}
	}
	return n
}

// String returns a short description of the database.
func (db *Database) String() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fmt.Sprintf("database with %d entries over %d words", db.nentries, len(db.index))
}
