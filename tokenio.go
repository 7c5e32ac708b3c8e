package aperture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/x448/float16"
)

// ErrUnknownFormat is returned when a persistence format is not recognized.
var ErrUnknownFormat = errors.New("unknown persistence format")

// Format identifies a persistence encoding.
type Format string

const (
	// FormatBinary is little-endian fixed-width encoding (int32, float32,
	// double64), preceded by a 0x00 sentinel byte for detection.
	FormatBinary Format = "binary"

	// FormatText is whitespace-separated tokens with at least 10 significant
	// digits per float. No sentinel; the first byte is printable.
	FormatText Format = "text"

	// FormatBinaryCompact is FormatBinary with node descriptors stored as
	// IEEE 754 half-precision (2 bytes per dimension), preceded by a 0x01
	// sentinel byte. Lossy: descriptors round-trip only within float16
	// precision.
	FormatBinaryCompact Format = "binary-compact"
)

// Persistence streams are flat sequences of integer and float tokens (plus
// descriptor runs); tokenWriter and tokenReader abstract the three on-disk
// encodings behind one token vocabulary so the layout logic in persist.go is
// written once.

type tokenWriter interface {
	Int(v int32) error
	Float(v float32) error
	Double(v float64) error
	// Descriptor writes one descriptor; the compact encoding stores it
	// half-precision, all others as plain floats.
	Descriptor(d []float32) error
	// EndLine marks a row boundary; only the text encoding emits anything.
	EndLine() error
}

type tokenReader interface {
	Int() (int32, error)
	Float() (float32, error)
	Double() (float64, error)
	Descriptor(dst []float32) error
	// Count returns the bytes consumed from the underlying reader so far.
	Count() int64
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// countingReader tracks bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// ─── binary encoding ────────────────────────────────────────────────────────

type binaryTokenWriter struct {
	w       io.Writer
	half    bool
	scratch [8]byte
}

func (bw *binaryTokenWriter) Int(v int32) error {
	binary.LittleEndian.PutUint32(bw.scratch[:4], uint32(v))
	_, err := bw.w.Write(bw.scratch[:4])
	return err
}

func (bw *binaryTokenWriter) Float(v float32) error {
	binary.LittleEndian.PutUint32(bw.scratch[:4], math.Float32bits(v))
	_, err := bw.w.Write(bw.scratch[:4])
	return err
}

func (bw *binaryTokenWriter) Double(v float64) error {
	binary.LittleEndian.PutUint64(bw.scratch[:8], math.Float64bits(v))
	_, err := bw.w.Write(bw.scratch[:8])
	return err
}

func (bw *binaryTokenWriter) Descriptor(d []float32) error {
	if bw.half {
		for _, v := range d {
			binary.LittleEndian.PutUint16(bw.scratch[:2], float16.Fromfloat32(v).Bits())
			if _, err := bw.w.Write(bw.scratch[:2]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, v := range d {
		if err := bw.Float(v); err != nil {
			return err
		}
	}
	return nil
}

func (bw *binaryTokenWriter) EndLine() error { return nil }

type binaryTokenReader struct {
	r       *countingReader
	half    bool
	scratch [8]byte
}

func (br *binaryTokenReader) Int() (int32, error) {
	if _, err := io.ReadFull(br.r, br.scratch[:4]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(br.scratch[:4])), nil
}

func (br *binaryTokenReader) Float() (float32, error) {
	if _, err := io.ReadFull(br.r, br.scratch[:4]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(br.scratch[:4])), nil
}

func (br *binaryTokenReader) Double() (float64, error) {
	if _, err := io.ReadFull(br.r, br.scratch[:8]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(br.scratch[:8])), nil
}

func (br *binaryTokenReader) Descriptor(dst []float32) error {
	if br.half {
		for i := range dst {
			if _, err := io.ReadFull(br.r, br.scratch[:2]); err != nil {
				return err
			}
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(br.scratch[:2])).Float32()
		}
		return nil
	}
	for i := range dst {
		v, err := br.Float()
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (br *binaryTokenReader) Count() int64 { return br.r.n }

// ─── text encoding ──────────────────────────────────────────────────────────

type textTokenWriter struct {
	w io.Writer
}

func (tw *textTokenWriter) write(s string) error {
	_, err := io.WriteString(tw.w, s)
	return err
}

func (tw *textTokenWriter) Int(v int32) error {
	return tw.write(strconv.FormatInt(int64(v), 10) + " ")
}

func (tw *textTokenWriter) Float(v float32) error {
	return tw.write(strconv.FormatFloat(float64(v), 'g', 10, 32) + " ")
}

func (tw *textTokenWriter) Double(v float64) error {
	return tw.write(strconv.FormatFloat(v, 'g', 10, 64) + " ")
}

func (tw *textTokenWriter) Descriptor(d []float32) error {
	for _, v := range d {
		if err := tw.Float(v); err != nil {
			return err
		}
	}
	return nil
}

func (tw *textTokenWriter) EndLine() error {
	return tw.write("\n")
}

// textTokenReader scans whitespace-separated tokens byte by byte so the
// consumed count stays exact. Pass a buffered reader for throughput; Load
// does.
type textTokenReader struct {
	r       *countingReader
	pending byte
	hasByte bool
	buf     [1]byte
}

func (tr *textTokenReader) readByte() (byte, error) {
	if tr.hasByte {
		tr.hasByte = false
		return tr.pending, nil
	}
	if _, err := io.ReadFull(tr.r, tr.buf[:1]); err != nil {
		return 0, err
	}
	return tr.buf[0], nil
}

func isTokenSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

func (tr *textTokenReader) token() (string, error) {
	var b byte
	var err error
	for {
		b, err = tr.readByte()
		if err != nil {
			return "", err
		}
		if !isTokenSpace(b) {
			break
		}
	}

	tok := make([]byte, 0, 16)
	tok = append(tok, b)
	for {
		b, err = tr.readByte()
		if err != nil {
			if err == io.EOF {
				return string(tok), nil
			}
			return "", err
		}
		if isTokenSpace(b) {
			return string(tok), nil
		}
		tok = append(tok, b)
	}
}

func (tr *textTokenReader) Int() (int32, error) {
	tok, err := tr.token()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(tok, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid integer token %q: %w", tok, err)
	}
	return int32(v), nil
}

func (tr *textTokenReader) Float() (float32, error) {
	tok, err := tr.token()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid float token %q: %w", tok, err)
	}
	return float32(v), nil
}

func (tr *textTokenReader) Double() (float64, error) {
	tok, err := tr.token()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float token %q: %w", tok, err)
	}
	return v, nil
}

func (tr *textTokenReader) Descriptor(dst []float32) error {
	for i := range dst {
		v, err := tr.Float()
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (tr *textTokenReader) Count() int64 {
	n := tr.r.n
	if tr.hasByte {
		n--
	}
	return n
}
