package bm25

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"
)

const (
	formatMagic   = "BM25IDX"
	formatVersion = uint16(1)
)

var ErrCorruptIndex = errors.New("bm25: corrupt index")

// Entry is one indexed window. Entries and model rows are positionally aligned.
type Entry struct {
	ChunkID  int
	Text     string
	Category string
	Source   string
}

// Index is the persisted keyword index of one document.
type Index struct {
	DocumentID string
	Category   string
	Entries    []Entry
	Model      *Model
}

// Encode writes idx in the versioned binary format: magic, version, header,
// params, idf table, entries with term frequencies, then a CRC32 of everything before it.
func Encode(w io.Writer, idx *Index) error {
	if idx.Model == nil || len(idx.Model.DocLens) != len(idx.Entries) {
		return fmt.Errorf("bm25 encode: model/entries misaligned")
	}
	var buf bytes.Buffer
	e := &encoder{w: bufio.NewWriter(&buf)}

	e.raw([]byte(formatMagic))
	e.u16(formatVersion)
	e.str(idx.DocumentID)
	e.str(idx.Category)
	e.f64(idx.Model.Params.K1)
	e.f64(idx.Model.Params.B)
	e.f64(idx.Model.Params.Epsilon)
	e.f64(idx.Model.AvgDL)

	terms := sortedKeys(idx.Model.IDF)
	e.uvar(uint64(len(terms)))
	for _, t := range terms {
		e.str(t)
		e.f64(idx.Model.IDF[t])
	}

	e.uvar(uint64(len(idx.Entries)))
	for i, entry := range idx.Entries {
		e.uvar(uint64(entry.ChunkID))
		e.str(entry.Text)
		e.str(entry.Category)
		e.str(entry.Source)
		e.uvar(uint64(idx.Model.DocLens[i]))
		freqs := idx.Model.DocFreqs[i]
		keys := make([]string, 0, len(freqs))
		for k := range freqs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.uvar(uint64(len(keys)))
		for _, k := range keys {
			e.str(k)
			e.uvar(uint64(freqs[k]))
		}
	}
	if e.err != nil {
		return fmt.Errorf("bm25 encode: %w", e.err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("bm25 encode flush: %w", err)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(&buf, binary.BigEndian, sum); err != nil {
		return fmt.Errorf("bm25 encode checksum: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("bm25 write: %w", err)
	}
	return nil
}

func Decode(data []byte) (*Index, error) {
	if len(data) < len(formatMagic)+2+4 {
		return nil, ErrCorruptIndex
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptIndex)
	}

	d := &decoder{r: bytes.NewReader(body)}
	magic := d.raw(len(formatMagic))
	if string(magic) != formatMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptIndex)
	}
	if v := d.u16(); v != formatVersion {
		return nil, fmt.Errorf("bm25: unsupported index version %d", v)
	}

	idx := &Index{DocumentID: d.str(), Category: d.str()}
	m := &Model{IDF: make(map[string]float64)}
	m.Params.K1 = d.f64()
	m.Params.B = d.f64()
	m.Params.Epsilon = d.f64()
	m.AvgDL = d.f64()

	nTerms := d.count()
	for i := 0; i < nTerms && d.err == nil; i++ {
		t := d.str()
		m.IDF[t] = d.f64()
	}

	nEntries := d.count()
	idx.Entries = make([]Entry, 0, nEntries)
	m.DocLens = make([]int, 0, nEntries)
	m.DocFreqs = make([]map[string]int, 0, nEntries)
	for i := 0; i < nEntries && d.err == nil; i++ {
		entry := Entry{ChunkID: int(d.uvar()), Text: d.str(), Category: d.str(), Source: d.str()}
		docLen := int(d.uvar())
		nFreqs := d.count()
		freqs := make(map[string]int, nFreqs)
		for j := 0; j < nFreqs && d.err == nil; j++ {
			k := d.str()
			freqs[k] = int(d.uvar())
		}
		idx.Entries = append(idx.Entries, entry)
		m.DocLens = append(m.DocLens, docLen)
		m.DocFreqs = append(m.DocFreqs, freqs)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, d.err)
	}
	idx.Model = m
	return idx, nil
}

type encoder struct {
	w   *bufio.Writer
	err error
	tmp [binary.MaxVarintLen64]byte
}

func (e *encoder) raw(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.raw(b[:])
}

func (e *encoder) uvar(v uint64) {
	n := binary.PutUvarint(e.tmp[:], v)
	e.raw(e.tmp[:n])
}

func (e *encoder) f64(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	e.raw(b[:])
}

func (e *encoder) str(s string) {
	e.uvar(uint64(len(s)))
	e.raw([]byte(s))
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	return b
}

func (d *decoder) u16() uint16 {
	b := d.raw(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uvar() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.r)
	d.err = err
	return v
}

// count reads a length prefix and rejects values larger than the remaining input.
func (d *decoder) count() int {
	v := d.uvar()
	if d.err == nil && v > uint64(d.r.Len()) {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	return int(v)
}

func (d *decoder) f64() float64 {
	b := d.raw(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (d *decoder) str() string {
	n := d.count()
	return string(d.raw(n))
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
