package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fathom-search/fathom/internal/document"
	ferrors "github.com/fathom-search/fathom/internal/errors"
)

const storedCacheSize = 256

// LiveDocs is one immutable version of a segment's live-document bitmap.
// Deletes never touch an existing version; they produce a successor.
type LiveDocs struct {
	Version uint64
	Bitmap  *roaring.Bitmap
}

// Segment is an open immutable segment. Readers pin it with IncRef and
// release with DecRef; once a merge drops it and the last reference is
// released, the directory is removed from disk.
type Segment struct {
	ID   uint64
	Dir  string
	Meta Meta

	dict     []DictEntry
	postings []byte
	docLens  []uint32
	keys     []string

	storedRecs  [][]byte
	storedCache *lru.Cache[uint32, []document.StoredField]

	vectors *vectorStore

	mu   sync.Mutex // guards live version advancement
	live atomic.Pointer[LiveDocs]

	refs    atomic.Int64
	dropped atomic.Bool
}

// OpenOptions controls vector handling when opening a segment.
type OpenOptions struct {
	Metric         string  // MetricCosine or MetricDot
	GraphThreshold int     // build an HNSW graph at or above this vector count
	LiveVersion    *uint64 // pin a specific live-docs version instead of the newest
}

// Open loads a segment directory. All structural files are checksum
// verified; any mismatch surfaces as a corrupt segment error.
func Open(dir string, opts OpenOptions) (*Segment, error) {
	metaData, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, ferrors.CorruptSegment(dir, fmt.Errorf("reading meta: %w", err))
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, ferrors.CorruptSegment(dir, fmt.Errorf("parsing meta: %w", err))
	}

	s := &Segment{ID: meta.ID, Dir: dir, Meta: meta}
	s.refs.Store(1)

	if err := s.loadTerms(); err != nil {
		return nil, ferrors.CorruptSegment(dir, err)
	}
	if err := s.loadStored(); err != nil {
		return nil, ferrors.CorruptSegment(dir, err)
	}
	if err := s.loadKeys(); err != nil {
		return nil, ferrors.CorruptSegment(dir, err)
	}
	if meta.VectorDims > 0 {
		metric := opts.Metric
		if metric == "" {
			metric = MetricCosine
		}
		vs, err := openVectors(filepath.Join(dir, VectorsFile), metric, opts.GraphThreshold)
		if err != nil {
			return nil, ferrors.CorruptSegment(dir, err)
		}
		s.vectors = vs
	}
	if err := s.loadLive(opts.LiveVersion); err != nil {
		return nil, ferrors.CorruptSegment(dir, err)
	}

	cache, err := lru.New[uint32, []document.StoredField](storedCacheSize)
	if err != nil {
		return nil, err
	}
	s.storedCache = cache
	return s, nil
}

func (s *Segment) loadTerms() error {
	buf, err := os.ReadFile(filepath.Join(s.Dir, TermsFile))
	if err != nil {
		return fmt.Errorf("reading terms: %w", err)
	}
	if len(buf) < termsHeaderSize+4 {
		return fmt.Errorf("terms file truncated: %d bytes", len(buf))
	}
	header, err := unmarshalTermsHeader(buf[:termsHeaderSize])
	if err != nil {
		return fmt.Errorf("terms header: %w", err)
	}

	body := buf[termsHeaderSize : len(buf)-4]
	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return fmt.Errorf("terms checksum mismatch")
	}

	end := header.DictOffset + header.DictLen
	if header.PostOffset != termsHeaderSize || end != int64(len(buf))-4 {
		return fmt.Errorf("terms section layout inconsistent")
	}

	s.postings = buf[header.PostOffset : header.PostOffset+header.PostLen]

	lens := buf[header.LensOffset : header.LensOffset+header.LensLen]
	s.docLens = make([]uint32, 0, header.DocCount)
	r := bytes.NewReader(lens)
	for i := uint32(0); i < header.DocCount; i++ {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("doc length %d: %w", i, err)
		}
		s.docLens = append(s.docLens, uint32(v))
	}

	if err := json.Unmarshal(buf[header.DictOffset:end], &s.dict); err != nil {
		return fmt.Errorf("parsing dictionary: %w", err)
	}
	if uint32(len(s.dict)) != header.TermCount {
		return fmt.Errorf("dictionary count %d does not match header %d", len(s.dict), header.TermCount)
	}
	return nil
}

func (s *Segment) loadStored() error {
	payload, err := readChecksummed(filepath.Join(s.Dir, StoredFile), storedMagic)
	if err != nil {
		return fmt.Errorf("reading stored fields: %w", err)
	}
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("stored count: %w", err)
	}
	if uint32(count) != s.Meta.DocCount {
		return fmt.Errorf("stored count %d does not match meta %d", count, s.Meta.DocCount)
	}
	sizes := make([]uint64, count)
	for i := range sizes {
		sizes[i], err = binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("stored record size %d: %w", i, err)
		}
	}
	off := len(payload) - r.Len()
	s.storedRecs = make([][]byte, count)
	for i, size := range sizes {
		end := off + int(size)
		if end > len(payload) {
			return fmt.Errorf("stored record %d out of bounds", i)
		}
		s.storedRecs[i] = payload[off:end]
		off = end
	}
	return nil
}

func (s *Segment) loadKeys() error {
	payload, err := readChecksummed(filepath.Join(s.Dir, KeysFile), keysMagic)
	if err != nil {
		return fmt.Errorf("reading keys: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&s.keys); err != nil {
		return fmt.Errorf("decoding keys: %w", err)
	}
	if uint32(len(s.keys)) != s.Meta.DocCount {
		return fmt.Errorf("key count %d does not match meta %d", len(s.keys), s.Meta.DocCount)
	}
	return nil
}

// loadLive picks the pinned live-docs version, or the newest one on
// disk when no pin is given. Older versions are left alone; they belong
// to snapshots that may still reference them.
func (s *Segment) loadLive(pinned *uint64) error {
	var version uint64
	if pinned != nil {
		version = *pinned
	} else {
		version = s.Meta.LiveVersion
		for {
			if _, err := os.Stat(filepath.Join(s.Dir, LiveFile(version + 1))); err != nil {
				break
			}
			version++
		}
	}
	payload, err := readChecksummed(filepath.Join(s.Dir, LiveFile(version)), liveMagic)
	if err != nil {
		return fmt.Errorf("reading live docs v%d: %w", version, err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(payload); err != nil {
		return fmt.Errorf("decoding live docs v%d: %w", version, err)
	}
	s.live.Store(&LiveDocs{Version: version, Bitmap: bm})
	return nil
}

// Live returns the current live-docs version. The returned bitmap is
// immutable; callers must not modify it.
func (s *Segment) Live() *LiveDocs {
	return s.live.Load()
}

// LiveCount returns the number of live documents.
func (s *Segment) LiveCount() uint64 {
	return s.live.Load().Bitmap.GetCardinality()
}

// NumDocs returns the total document count including deleted documents.
func (s *Segment) NumDocs() uint32 {
	return s.Meta.DocCount
}

// ApplyTombstones marks every live document whose key appears in deleted
// as dead. A new live-docs version is persisted and becomes current; the
// previous version's bitmap stays valid for existing snapshots. Returns
// the number of documents deleted by this call.
func (s *Segment) ApplyTombstones(deleted map[string]struct{}) (int, error) {
	if len(deleted) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live.Load()
	next := cur.Bitmap.Clone()
	removed := 0
	for docID, key := range s.keys {
		if _, ok := deleted[key]; !ok {
			continue
		}
		if next.CheckedRemove(uint32(docID)) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	version := cur.Version + 1
	if err := writeLive(s.Dir, version, next); err != nil {
		return 0, ferrors.IOFailure("persisting live docs", err)
	}
	if err := syncDir(s.Dir); err != nil {
		return 0, ferrors.IOFailure("syncing segment directory", err)
	}
	s.live.Store(&LiveDocs{Version: version, Bitmap: next})
	return removed, nil
}

// Postings returns the postings list for (field, term), or nil if the
// term is absent. Dead documents are not filtered here; callers apply
// the live bitmap of their snapshot.
func (s *Segment) Postings(field, term string) ([]Posting, error) {
	i := searchDict(s.dict, field, term)
	if i >= len(s.dict) || s.dict[i].Field != field || s.dict[i].Term != term {
		return nil, nil
	}
	return s.postingsAt(s.dict[i])
}

func (s *Segment) postingsAt(e DictEntry) ([]Posting, error) {
	end := e.Offset + int64(e.Length)
	if end > int64(len(s.postings)) {
		return nil, ferrors.CorruptSegment(s.Dir, fmt.Errorf("postings block for %s:%s out of bounds", e.Field, e.Term))
	}
	postings, err := decodePostings(s.postings[e.Offset:end])
	if err != nil {
		return nil, ferrors.CorruptSegment(s.Dir, fmt.Errorf("decoding postings for %s:%s: %w", e.Field, e.Term, err))
	}
	return postings, nil
}

// DocFreq returns the number of documents containing (field, term),
// counting dead documents. Snapshot-level statistics stay stable until
// a merge rewrites the segment.
func (s *Segment) DocFreq(field, term string) uint32 {
	i := searchDict(s.dict, field, term)
	if i >= len(s.dict) || s.dict[i].Field != field || s.dict[i].Term != term {
		return 0
	}
	return s.dict[i].DocFreq
}

// TermsInRange returns dictionary entries for field with lo <= term <= hi.
// Empty lo means unbounded below; empty hi means unbounded above.
func (s *Segment) TermsInRange(field, lo, hi string) []DictEntry {
	i := searchDict(s.dict, field, lo)
	var out []DictEntry
	for ; i < len(s.dict) && s.dict[i].Field == field; i++ {
		if hi != "" && s.dict[i].Term > hi {
			break
		}
		out = append(out, s.dict[i])
	}
	return out
}

// TermsWithPrefix returns dictionary entries for field whose term starts
// with prefix.
func (s *Segment) TermsWithPrefix(field, prefix string) []DictEntry {
	i := searchDict(s.dict, field, prefix)
	var out []DictEntry
	for ; i < len(s.dict) && s.dict[i].Field == field; i++ {
		if !strings.HasPrefix(s.dict[i].Term, prefix) {
			break
		}
		out = append(out, s.dict[i])
	}
	return out
}

// PostingsFor resolves a dictionary entry from TermsInRange or
// TermsWithPrefix to its postings list.
func (s *Segment) PostingsFor(e DictEntry) ([]Posting, error) {
	return s.postingsAt(e)
}

// FieldTerms iterates all dictionary entries for field in term order.
func (s *Segment) FieldTerms(field string) []DictEntry {
	return s.TermsInRange(field, "", "")
}

// AllTerms returns the full dictionary in (field, term) order.
func (s *Segment) AllTerms() []DictEntry {
	return s.dict
}

// DocLength returns the text token count of a document.
func (s *Segment) DocLength(docID uint32) uint32 {
	if int(docID) >= len(s.docLens) {
		return 0
	}
	return s.docLens[docID]
}

// SumDocLengths returns the sum of text token counts over all documents.
func (s *Segment) SumDocLengths() uint64 {
	return s.Meta.SumDocLen
}

// Key returns a document's external key.
func (s *Segment) Key(docID uint32) string {
	if int(docID) >= len(s.keys) {
		return ""
	}
	return s.keys[docID]
}

// StoredFields decodes a document's stored field values. Decoded records
// are cached so repeated result rendering stays cheap.
func (s *Segment) StoredFields(docID uint32) ([]document.StoredField, error) {
	if int(docID) >= len(s.storedRecs) {
		return nil, ferrors.CorruptSegment(s.Dir, fmt.Errorf("stored doc %d out of range", docID))
	}
	if cached, ok := s.storedCache.Get(docID); ok {
		return cached, nil
	}
	var fields []document.StoredField
	if err := gob.NewDecoder(bytes.NewReader(s.storedRecs[docID])).Decode(&fields); err != nil {
		return nil, ferrors.CorruptSegment(s.Dir, fmt.Errorf("decoding stored doc %d: %w", docID, err))
	}
	s.storedCache.Add(docID, fields)
	return fields, nil
}

// Vectors returns the segment's vector store, or nil when the segment
// carries no vectors.
func (s *Segment) Vectors() *vectorStore {
	return s.vectors
}

// IncRef pins the segment for a reader.
func (s *Segment) IncRef() {
	s.refs.Add(1)
}

// DecRef releases a pin. When a dropped segment's count reaches zero its
// directory is deleted.
func (s *Segment) DecRef() error {
	n := s.refs.Add(-1)
	if n < 0 {
		return fmt.Errorf("segment %s: reference count underflow", s.Dir)
	}
	if n == 0 && s.dropped.Load() {
		return os.RemoveAll(s.Dir)
	}
	return nil
}

// Drop marks the segment for deletion once all references are released
// and releases the registry's own reference.
func (s *Segment) Drop() error {
	s.dropped.Store(true)
	return s.DecRef()
}
