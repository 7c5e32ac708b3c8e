package aperture

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

// newPersistVocabulary trains a mid-sized vocabulary for round-trip tests.
func newPersistVocabulary(t *testing.T) *Vocabulary {
	t.Helper()
	voc := newTestVocabulary(t, DefaultParams(3, 2, 4), 31)

	rng := rand.New(rand.NewSource(17))
	training := make([][]float32, 4)
	for g := range training {
		group := make([]float32, 4*15)
		for i := range group {
			group[i] = rng.Float32() * 20
		}
		training[g] = group
	}
	if err := voc.Create(training); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return voc
}

// checkVocabulariesEqual compares two vocabularies through their public
// surface: info, word count, per-word weight and frequency.
func checkVocabulariesEqual(t *testing.T, got, want *Vocabulary, tol float64) {
	t.Helper()

	gi, wi := got.RetrieveInfo(), want.RetrieveInfo()
	if gi != wi {
		t.Errorf("RetrieveInfo() = %+v, want %+v", gi, wi)
	}
	if got.NumberOfWords() != want.NumberOfWords() {
		t.Fatalf("NumberOfWords() = %d, want %d", got.NumberOfWords(), want.NumberOfWords())
	}

	for w := 0; w < want.NumberOfWords(); w++ {
		id := WordID(w)
		if g, x := got.WordWeight(id), want.WordWeight(id); math.Abs(g-x) > tol {
			t.Errorf("WordWeight(%d) = %v, want %v", w, g, x)
		}
		if g, x := got.WordFrequency(id), want.WordFrequency(id); math.Abs(float64(g-x)) > tol {
			t.Errorf("WordFrequency(%d) = %v, want %v", w, g, x)
		}
	}
}

func TestVocabularyRoundTripBinary(t *testing.T) {
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	n, err := voc.WriteTo(&buf, FormatBinary)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo() = %d bytes, buffer holds %d", n, buf.Len())
	}
	if buf.Bytes()[0] != 0x00 {
		t.Errorf("binary stream leads with 0x%02x, want 0x00", buf.Bytes()[0])
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	read, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if read != n {
		t.Errorf("ReadFrom() consumed %d bytes, want %d", read, n)
	}

	// binary round-trips are bit-exact
	checkVocabulariesEqual(t, loaded, voc, 0)

	// the loaded tree quantizes descriptors identically
	probe := []float32{3, 7, 11, 2}
	a, _ := voc.Transform(probe, true)
	b, _ := loaded.Transform(probe, true)
	if len(a) != len(b) || a[0].Word != b[0].Word {
		t.Errorf("Transform() after round trip = %v, want %v", b, a)
	}
}

func TestVocabularyRoundTripText(t *testing.T) {
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatText); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if first := buf.Bytes()[0]; first < 32 {
		t.Errorf("text stream leads with byte %d, want printable", first)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	checkVocabulariesEqual(t, loaded, voc, 1e-6)
}

func TestVocabularyRoundTripBinaryCompact(t *testing.T) {
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatBinaryCompact); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if buf.Bytes()[0] != 0x01 {
		t.Errorf("compact stream leads with 0x%02x, want 0x01", buf.Bytes()[0])
	}

	var plain bytes.Buffer
	if _, err := voc.WriteTo(&plain, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if buf.Len() >= plain.Len() {
		t.Errorf("compact stream is %d bytes, plain binary %d; want smaller", buf.Len(), plain.Len())
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	// weights and frequencies are stored full-width even in the compact
	// format; only descriptors are half-precision
	checkVocabulariesEqual(t, loaded, voc, 0)
}

func TestVocabularySaveLoadFile(t *testing.T) {
	voc := newPersistVocabulary(t)
	path := filepath.Join(t.TempDir(), "voc.db")

	if err := voc.Save(path, FormatBinary); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkVocabulariesEqual(t, loaded, voc, 0)
}

func TestVocabularyLoadMissingFile(t *testing.T) {
	voc, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if err := voc.Load(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Errorf("Load() of missing file returned nil error")
	}
}

func TestVocabularyRoundTripPreservesStopList(t *testing.T) {
	voc := newPersistVocabulary(t)
	voc.StopWords(2, 1)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	info := loaded.RetrieveInfo()
	if info.StoppedFrequentWords != 2 || info.StoppedInfrequentWords != 1 {
		t.Errorf("stopped counts after round trip = %d, %d, want 2, 1",
			info.StoppedFrequentWords, info.StoppedInfrequentWords)
	}
}

func TestVocabularyReadFromTruncated(t *testing.T) {
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes()[:buf.Len()/2])); err == nil {
		t.Fatalf("ReadFrom() of truncated stream returned nil error")
	}
	if !loaded.IsEmpty() {
		t.Errorf("vocabulary not empty after failed load")
	}
}

func TestVocabularyReadFromUnknownSentinel(t *testing.T) {
	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	_, err := loaded.ReadFrom(bytes.NewReader([]byte{0x05, 1, 2, 3}))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ReadFrom() error = %v, want ErrUnknownFormat", err)
	}
}

func TestVocabularyWriteToUnknownFormat(t *testing.T) {
	voc := newPersistVocabulary(t)
	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, Format("csv")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("WriteTo() error = %v, want ErrUnknownFormat", err)
	}
}

func TestVocabularyReadFromBadKindTag(t *testing.T) {
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatText); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	// corrupt the weighting tag (second token) to an unsupported value
	data := buf.Bytes()
	data[2] = '9'

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(bytes.NewReader(data)); err == nil {
		t.Errorf("ReadFrom() with unknown weighting tag returned nil error")
	}
}

func newPersistDatabase(t *testing.T) *Database {
	t.Helper()
	voc := newPersistVocabulary(t)
	db := NewDatabase(voc)

	rng := rand.New(rand.NewSource(53))
	for i := 0; i < 6; i++ {
		features := make([]float32, 4*8)
		for j := range features {
			features[j] = rng.Float32() * 20
		}
		if _, err := db.AddFeatures(features); err != nil {
			t.Fatalf("AddFeatures() error = %v", err)
		}
	}
	return db
}

func checkDatabasesEqual(t *testing.T, got, want *Database) {
	t.Helper()

	if got.NumberOfEntries() != want.NumberOfEntries() {
		t.Fatalf("NumberOfEntries() = %d, want %d", got.NumberOfEntries(), want.NumberOfEntries())
	}
	if len(got.index) != len(want.index) {
		t.Fatalf("index size = %d, want %d", len(got.index), len(want.index))
	}

	// every (word, entry, value) triple must survive
	for wid := range want.index {
		if len(got.index[wid]) != len(want.index[wid]) {
			t.Errorf("row %d length = %d, want %d", wid, len(got.index[wid]), len(want.index[wid]))
			continue
		}
		for i, cell := range want.index[wid] {
			g := got.index[wid][i]
			if g.entry != cell.entry || g.value != cell.value {
				t.Errorf("row %d cell %d = %+v, want %+v", wid, i, g, cell)
			}
		}
	}
}

func TestDatabaseRoundTripBinary(t *testing.T) {
	db := newPersistDatabase(t)

	var buf bytes.Buffer
	n, err := db.WriteTo(&buf, FormatBinary)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo() = %d bytes, buffer holds %d", n, buf.Len())
	}

	loaded := NewDatabase(db.Voc())
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	checkDatabasesEqual(t, loaded, db)
	checkVocabulariesEqual(t, loaded.Voc(), db.Voc(), 0)

	// identical queries against both databases return identical rankings
	query := BowVector{{Word: 0, Value: 0.5}, {Word: 1, Value: 0.5}}
	a := db.Query(query, 5)
	b := loaded.Query(query, 5)
	if len(a) != len(b) {
		t.Fatalf("query result counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Entry != b[i].Entry || math.Abs(a[i].Score-b[i].Score) > 1e-12 {
			t.Errorf("result %d = %+v, want %+v", i, b[i], a[i])
		}
	}
}

func TestDatabaseRoundTripText(t *testing.T) {
	db := newPersistDatabase(t)

	var buf bytes.Buffer
	if _, err := db.WriteTo(&buf, FormatText); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	loaded := NewDatabase(db.Voc())
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}

	if loaded.NumberOfEntries() != db.NumberOfEntries() {
		t.Errorf("NumberOfEntries() = %d, want %d", loaded.NumberOfEntries(), db.NumberOfEntries())
	}
	for wid := range db.index {
		if len(loaded.index[wid]) != len(db.index[wid]) {
			t.Errorf("row %d length = %d, want %d", wid, len(loaded.index[wid]), len(db.index[wid]))
			continue
		}
		for i, cell := range db.index[wid] {
			g := loaded.index[wid][i]
			if g.entry != cell.entry || math.Abs(g.value-cell.value) > 1e-6 {
				t.Errorf("row %d cell %d = %+v, want %+v", wid, i, g, cell)
			}
		}
	}
}

func TestDatabaseSaveLoadFile(t *testing.T) {
	db := newPersistDatabase(t)
	path := filepath.Join(t.TempDir(), "index.db")

	if err := db.Save(path, FormatBinary); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := NewDatabaseFromFile(path)
	if err != nil {
		t.Fatalf("NewDatabaseFromFile() error = %v", err)
	}
	checkDatabasesEqual(t, loaded, db)
}

func TestVocabularyLoadsFromDatabaseStream(t *testing.T) {
	// a database stream starts with its vocabulary; Vocabulary.ReadFrom
	// reads that part and ignores the index tail
	db := newPersistDatabase(t)

	var buf bytes.Buffer
	if _, err := db.WriteTo(&buf, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	checkVocabulariesEqual(t, loaded, db.Voc(), 0)
}

func TestDatabaseReadFromVocabularyOnlyStream(t *testing.T) {
	// the reverse direction must fail cleanly: a vocabulary stream has no
	// database tail
	voc := newPersistVocabulary(t)

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	db := NewDatabase(voc)
	if _, err := db.ReadFrom(bytes.NewReader(buf.Bytes())); err == nil {
		t.Errorf("ReadFrom() of vocabulary-only stream returned nil error")
	}
	if db.NumberOfEntries() != 0 {
		t.Errorf("NumberOfEntries() = %d after failed load, want 0", db.NumberOfEntries())
	}
}

func TestExportVocabulary(t *testing.T) {
	db := newPersistDatabase(t)
	path := filepath.Join(t.TempDir(), "voc.db")

	if err := db.ExportVocabulary(path, FormatBinary); err != nil {
		t.Fatalf("ExportVocabulary() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkVocabulariesEqual(t, loaded, db.Voc(), 0)
}

func TestEmptyVocabularyRoundTrip(t *testing.T) {
	voc, _ := NewVocabulary(DefaultParams(5, 2, 8))

	var buf bytes.Buffer
	if _, err := voc.WriteTo(&buf, FormatBinary); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	loaded, _ := NewVocabulary(DefaultParams(2, 1, 64))
	if _, err := loaded.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if !loaded.IsEmpty() {
		t.Errorf("IsEmpty() = false after loading an empty vocabulary")
	}
	if got := loaded.Params().K; got != 5 {
		t.Errorf("loaded K = %d, want 5", got)
	}
}
