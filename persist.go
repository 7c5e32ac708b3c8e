package aperture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// ErrMalformedStream is returned when a persistence stream is truncated or
// internally inconsistent.
var ErrMalformedStream = errors.New("malformed persistence stream")

// Stream layout, shared by all formats (token for token):
//
//	Vt Wt St Ss D W SfW SiW        vocabulary header (eight integers)
//	k L N                          hierarchical sub-header
//	NodeId ParentId Weight d_1..d_D   for every node except the root,
//	                                  in depth-first order from the root
//	WordId Frequency NodeId        for every word, ascending WordId
//	[ Ne W'                        database tail (database streams only)
//	  WordId K EntryId Value ...   for every non-empty inverted row ]
//
// Leaf nodes carry no marker; leafness is re-derived on load from the
// absence of children. Binary streams lead with a sentinel byte (0x00
// plain, 0x01 compact) so the loader can tell the formats apart: any first
// byte below 32 means binary, anything printable means text.

// newTokenWriter emits the format sentinel (if any) and returns the matching
// token encoder.
func newTokenWriter(cw *countingWriter, format Format) (tokenWriter, error) {
	switch format {
	case FormatBinary:
		if _, err := cw.Write([]byte{0x00}); err != nil {
			return nil, err
		}
		return &binaryTokenWriter{w: cw}, nil
	case FormatBinaryCompact:
		if _, err := cw.Write([]byte{0x01}); err != nil {
			return nil, err
		}
		return &binaryTokenWriter{w: cw, half: true}, nil
	case FormatText:
		return &textTokenWriter{w: cw}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// newTokenReader sniffs the format from the first byte and returns the
// matching token decoder.
func newTokenReader(r io.Reader) (tokenReader, error) {
	cr := &countingReader{r: r}
	var first [1]byte
	if _, err := io.ReadFull(cr, first[:]); err != nil {
		return nil, fmt.Errorf("failed to read format sentinel: %w", err)
	}
	if first[0] < 32 {
		switch first[0] {
		case 0x00:
			return &binaryTokenReader{r: cr}, nil
		case 0x01:
			return &binaryTokenReader{r: cr, half: true}, nil
		default:
			return nil, fmt.Errorf("%w: sentinel byte 0x%02x", ErrUnknownFormat, first[0])
		}
	}
	return &textTokenReader{r: cr, pending: first[0], hasByte: true}, nil
}

// WriteTo serializes the vocabulary to w in the given format and returns the
// number of bytes written. Training data is not saved.
func (vc *Vocabulary) WriteTo(w io.Writer, format Format) (int64, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	cw := &countingWriter{w: w}
	tw, err := newTokenWriter(cw, format)
	if err != nil {
		return cw.n, err
	}
	if err := vc.writeTo(tw); err != nil {
		return cw.n, fmt.Errorf("failed to write vocabulary: %w", err)
	}
	return cw.n, nil
}

// writeTo emits the vocabulary tokens. Read lock must be held.
func (vc *Vocabulary) writeTo(tw tokenWriter) error {
	nwords := 0
	if vc.created {
		nwords = len(vc.words)
	}

	// vocabulary header
	for _, v := range []int32{
		int32(vc.params.Kind),
		int32(vc.params.Weighting),
		int32(vc.params.Scoring),
		boolTag(vc.params.ScaleScore),
		int32(vc.params.DescriptorLength),
		int32(nwords),
		int32(vc.frequentStopped),
		int32(vc.infrequentStopped),
	} {
		if err := tw.Int(v); err != nil {
			return err
		}
	}
	if err := tw.EndLine(); err != nil {
		return err
	}

	// hierarchical sub-header
	for _, v := range []int32{int32(vc.params.K), int32(vc.params.L), int32(len(vc.nodes))} {
		if err := tw.Int(v); err != nil {
			return err
		}
	}
	if err := tw.EndLine(); err != nil {
		return err
	}

	// tree, depth-first from the root; every parent's children appear
	// consecutively and in order, which load relies on to rebuild child
	// lists with the original ordering
	if len(vc.nodes) > 0 {
		parents := []NodeID{0}
		for len(parents) > 0 {
			pid := parents[len(parents)-1]
			parents = parents[:len(parents)-1]

			for _, cid := range vc.nodes[pid].children {
				child := &vc.nodes[cid]
				if err := tw.Int(int32(child.id)); err != nil {
					return err
				}
				if err := tw.Int(int32(pid)); err != nil {
					return err
				}
				if err := tw.Double(child.weight); err != nil {
					return err
				}
				if err := tw.Descriptor(child.descriptor); err != nil {
					return err
				}
				if err := tw.EndLine(); err != nil {
					return err
				}
				if !child.isLeaf() {
					parents = append(parents, cid)
				}
			}
		}
	}

	// words
	for wid := 0; wid < nwords; wid++ {
		if err := tw.Int(int32(wid)); err != nil {
			return err
		}
		if err := tw.Float(vc.wordFrequency[wid]); err != nil {
			return err
		}
		if err := tw.Int(int32(vc.words[wid])); err != nil {
			return err
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}

	return nil
}

// ReadFrom loads a stored vocabulary from r, replacing the current content.
// The format is auto-detected from the first byte. On failure the vocabulary
// is left empty. Returns the number of bytes consumed.
func (vc *Vocabulary) ReadFrom(r io.Reader) (int64, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	tr, err := newTokenReader(r)
	if err != nil {
		return 0, err
	}
	if err := vc.readFrom(tr); err != nil {
		return tr.Count(), err
	}
	return tr.Count(), nil
}

// readFrom resets the vocabulary and consumes its tokens from tr. Write lock
// must be held. On error the vocabulary stays empty.
func (vc *Vocabulary) readFrom(tr tokenReader) error {
	vc.reset()

	header := make([]int32, 8)
	for i := range header {
		v, err := tr.Int()
		if err != nil {
			return fmt.Errorf("%w: failed to read vocabulary header: %w", ErrMalformedStream, err)
		}
		header[i] = v
	}

	params := Params{
		Kind:             VocabularyKind(header[0]),
		Weighting:        WeightingKind(header[1]),
		Scoring:          ScoringKind(header[2]),
		ScaleScore:       header[3] != 0,
		DescriptorLength: int(header[4]),
	}
	nwords := int(header[5])
	nfreq := int(header[6])
	ninfreq := int(header[7])

	k, err := tr.Int()
	if err != nil {
		return fmt.Errorf("%w: failed to read tree header: %w", ErrMalformedStream, err)
	}
	l, err := tr.Int()
	if err != nil {
		return fmt.Errorf("%w: failed to read tree header: %w", ErrMalformedStream, err)
	}
	nnodes32, err := tr.Int()
	if err != nil {
		return fmt.Errorf("%w: failed to read tree header: %w", ErrMalformedStream, err)
	}
	params.K = int(k)
	params.L = int(l)
	nnodes := int(nnodes32)

	if err := params.Validate(); err != nil {
		return err
	}
	if nwords < 0 || nnodes < 0 || nfreq < 0 || ninfreq < 0 {
		return fmt.Errorf("%w: negative count in header", ErrMalformedStream)
	}
	if nnodes > 0 && nwords >= nnodes {
		return fmt.Errorf("%w: %d words cannot fit in %d nodes", ErrMalformedStream, nwords, nnodes)
	}
	if nnodes == 0 && nwords > 0 {
		return fmt.Errorf("%w: %d words but no nodes", ErrMalformedStream, nwords)
	}
	if nnodes > 0 && nwords < 1 {
		return fmt.Errorf("%w: tree with %d nodes carries no words", ErrMalformedStream, nnodes)
	}

	vc.params = params

	if nnodes == 0 {
		// an empty vocabulary was saved; nothing more follows
		return nil
	}

	nodes := make([]node, nnodes)
	for i := range nodes {
		nodes[i].id = NodeID(i)
		nodes[i].word = noWord
	}

	for i := 1; i < nnodes; i++ {
		nodeID, err := tr.Int()
		if err != nil {
			return fmt.Errorf("%w: failed to read node %d: %w", ErrMalformedStream, i, err)
		}
		parentID, err := tr.Int()
		if err != nil {
			return fmt.Errorf("%w: failed to read node %d: %w", ErrMalformedStream, i, err)
		}
		weight, err := tr.Double()
		if err != nil {
			return fmt.Errorf("%w: failed to read node %d: %w", ErrMalformedStream, i, err)
		}
		if nodeID <= 0 || int(nodeID) >= nnodes || parentID < 0 || int(parentID) >= nnodes {
			return fmt.Errorf("%w: node %d references ids out of range", ErrMalformedStream, i)
		}

		n := &nodes[nodeID]
		n.weight = weight
		n.descriptor = make([]float32, params.DescriptorLength)
		if err := tr.Descriptor(n.descriptor); err != nil {
			return fmt.Errorf("%w: failed to read node %d descriptor: %w", ErrMalformedStream, i, err)
		}
		nodes[parentID].children = append(nodes[parentID].children, NodeID(nodeID))
	}

	words := make([]NodeID, nwords)
	frequency := make([]float32, nwords)
	for i := 0; i < nwords; i++ {
		wordID, err := tr.Int()
		if err != nil {
			return fmt.Errorf("%w: failed to read word %d: %w", ErrMalformedStream, i, err)
		}
		freq, err := tr.Float()
		if err != nil {
			return fmt.Errorf("%w: failed to read word %d: %w", ErrMalformedStream, i, err)
		}
		nodeID, err := tr.Int()
		if err != nil {
			return fmt.Errorf("%w: failed to read word %d: %w", ErrMalformedStream, i, err)
		}
		if wordID < 0 || int(wordID) >= nwords || nodeID <= 0 || int(nodeID) >= nnodes {
			return fmt.Errorf("%w: word %d references ids out of range", ErrMalformedStream, i)
		}

		nodes[nodeID].word = WordID(wordID)
		words[wordID] = NodeID(nodeID)
		frequency[wordID] = freq
	}

	vc.nodes = nodes
	vc.words = words
	vc.wordFrequency = frequency
	vc.created = true
	vc.createStopList()
	vc.stopWords(nfreq, ninfreq)

	return nil
}

// Save writes the vocabulary to a file in the given format.
func (vc *Vocabulary) Save(filename string, format Format) error {
	return saveFile(filename, func(w io.Writer) error {
		_, err := vc.WriteTo(w, format)
		return err
	})
}

// Load reads a stored vocabulary from a file, auto-detecting the format.
func (vc *Vocabulary) Load(filename string) error {
	return loadFile(filename, func(r io.Reader) error {
		_, err := vc.ReadFrom(r)
		return err
	})
}

// WriteTo serializes the database — its vocabulary followed by the inverted
// index — to w in the given format. Returns the number of bytes written.
func (db *Database) WriteTo(w io.Writer, format Format) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	cw := &countingWriter{w: w}
	tw, err := newTokenWriter(cw, format)
	if err != nil {
		return cw.n, err
	}

	db.voc.mu.RLock()
	err = db.voc.writeTo(tw)
	db.voc.mu.RUnlock()
	if err != nil {
		return cw.n, fmt.Errorf("failed to write vocabulary: %w", err)
	}

	if err := db.writeTail(tw); err != nil {
		return cw.n, fmt.Errorf("failed to write database index: %w", err)
	}
	return cw.n, nil
}

// writeTail emits the inverted-index tail. Read lock must be held.
func (db *Database) writeTail(tw tokenWriter) error {
	if err := tw.Int(int32(db.nentries)); err != nil {
		return err
	}
	if err := tw.Int(int32(db.nonEmptyRows())); err != nil {
		return err
	}
	if err := tw.EndLine(); err != nil {
		return err
	}

	for wid, row := range db.index {
		if len(row) == 0 {
			continue
		}
		if err := tw.Int(int32(wid)); err != nil {
			return err
		}
		if err := tw.Int(int32(len(row))); err != nil {
			return err
		}
		for _, cell := range row {
			if err := tw.Int(int32(cell.entry)); err != nil {
				return err
			}
			if err := tw.Double(cell.value); err != nil {
				return err
			}
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom loads a stored database — vocabulary plus inverted index — from
// r, replacing the current content. The format is auto-detected. On failure
// the index is left empty; the previous vocabulary is kept. Returns the
// number of bytes consumed.
func (db *Database) ReadFrom(r io.Reader) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// reset up front so a failed load leaves an empty index, never a
	// partial one
	db.index = nil
	db.rows = nil
	db.nentries = 0

	tr, err := newTokenReader(r)
	if err != nil {
		db.index = make([][]indexEntry, db.voc.NumberOfWords())
		db.rows = make([]*roaring.Bitmap, db.voc.NumberOfWords())
		return 0, err
	}

	voc := &Vocabulary{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped: roaring.New(),
	}
	if err := voc.readFrom(tr); err != nil {
		db.index = make([][]indexEntry, db.voc.NumberOfWords())
		db.rows = make([]*roaring.Bitmap, db.voc.NumberOfWords())
		return tr.Count(), err
	}

	nwords := 0
	if voc.created {
		nwords = len(voc.words)
	}
	index := make([][]indexEntry, nwords)
	rows := make([]*roaring.Bitmap, nwords)

	readTail := func() (uint32, error) {
		nentries, err := tr.Int()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to read entry count: %w", ErrMalformedStream, err)
		}
		usedRows, err := tr.Int()
		if err != nil {
			return 0, fmt.Errorf("%w: failed to read row count: %w", ErrMalformedStream, err)
		}
		if nentries < 0 || usedRows < 0 || int(usedRows) > nwords {
			return 0, fmt.Errorf("%w: inconsistent database tail", ErrMalformedStream)
		}

		for i := int32(0); i < usedRows; i++ {
			wid, err := tr.Int()
			if err != nil {
				return 0, fmt.Errorf("%w: failed to read row %d: %w", ErrMalformedStream, i, err)
			}
			rowLen, err := tr.Int()
			if err != nil {
				return 0, fmt.Errorf("%w: failed to read row %d: %w", ErrMalformedStream, i, err)
			}
			if wid < 0 || int(wid) >= nwords || rowLen < 0 {
				return 0, fmt.Errorf("%w: row %d references word out of range", ErrMalformedStream, i)
			}

			row := make([]indexEntry, 0, rowLen)
			bitmap := roaring.New()
			for j := int32(0); j < rowLen; j++ {
				eid, err := tr.Int()
				if err != nil {
					return 0, fmt.Errorf("%w: failed to read row %d cell %d: %w", ErrMalformedStream, i, j, err)
				}
				value, err := tr.Double()
				if err != nil {
					return 0, fmt.Errorf("%w: failed to read row %d cell %d: %w", ErrMalformedStream, i, j, err)
				}
				if eid < 0 || eid >= nentries {
					return 0, fmt.Errorf("%w: row %d references entry out of range", ErrMalformedStream, i)
				}
				row = append(row, indexEntry{entry: EntryID(eid), value: value})
				bitmap.Add(uint32(eid))
			}
			index[wid] = row
			rows[wid] = bitmap
		}
		return uint32(nentries), nil
	}

	nentries, err := readTail()
	if err != nil {
		db.index = make([][]indexEntry, db.voc.NumberOfWords())
		db.rows = make([]*roaring.Bitmap, db.voc.NumberOfWords())
		return tr.Count(), err
	}

	db.voc = voc
	db.index = index
	db.rows = rows
	db.nentries = nentries
	return tr.Count(), nil
}

// Save writes the database to a file in the given format.
func (db *Database) Save(filename string, format Format) error {
	return saveFile(filename, func(w io.Writer) error {
		_, err := db.WriteTo(w, format)
		return err
	})
}

// Load reads a stored database from a file, auto-detecting the format.
func (db *Database) Load(filename string) error {
	return loadFile(filename, func(r io.Reader) error {
		_, err := db.ReadFrom(r)
		return err
	})
}

// ExportVocabulary writes just the database's vocabulary to a file.
func (db *Database) ExportVocabulary(filename string, format Format) error {
	return db.voc.Save(filename, format)
}

func saveFile(filename string, write func(io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("cannot create file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("cannot write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot write file: %w", err)
	}
	return nil
}

func loadFile(filename string, read func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("cannot open file: %w", err)
	}
	defer f.Close()
	return read(bufio.NewReader(f))
}

func boolTag(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
