package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fathom-search/fathom/internal/document"
)

// DocData is one document's flush-ready state: its key, stored field
// values, total text token count (for length normalization), and optional
// vector.
type DocData struct {
	Key    string
	Stored []document.StoredField
	Length uint32
	Vector []float32
}

// Build is the input to Write: everything a flush or merge has
// accumulated for one new segment. Docs are indexed by document id.
type Build struct {
	Docs       []DocData
	Terms      []TermPostings
	Live       *roaring.Bitmap // nil means every document is live
	VectorDims int
}

// Meta is the per-segment metadata persisted as meta.json.
type Meta struct {
	ID          uint64    `json:"id"`
	DocCount    uint32    `json:"doc_count"`
	SumDocLen   uint64    `json:"sum_doc_len"`
	TermCount   uint32    `json:"term_count"`
	LiveVersion uint64    `json:"live_version"`
	VectorDims  int       `json:"vector_dims"`
	VectorCount int       `json:"vector_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Write creates a new immutable segment directory under parentDir.
// Everything is written into a temp directory first and renamed into
// place once synced, so a crash mid-write leaves no visible segment.
func Write(parentDir string, id uint64, b *Build) (string, error) {
	if len(b.Docs) == 0 {
		return "", fmt.Errorf("cannot write empty segment")
	}

	finalDir := filepath.Join(parentDir, DirName(id))
	tmpDir := finalDir + ".tmp"

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating segment directory: %w", err)
	}
	// Leave nothing behind on failure.
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := writeTerms(filepath.Join(tmpDir, TermsFile), b); err != nil {
		return "", fmt.Errorf("writing terms: %w", err)
	}
	if err := writeStored(filepath.Join(tmpDir, StoredFile), b.Docs); err != nil {
		return "", fmt.Errorf("writing stored fields: %w", err)
	}
	if err := writeKeys(filepath.Join(tmpDir, KeysFile), b.Docs); err != nil {
		return "", fmt.Errorf("writing keys: %w", err)
	}

	vectorCount := 0
	if b.VectorDims > 0 {
		var err error
		vectorCount, err = writeVectors(filepath.Join(tmpDir, VectorsFile), b)
		if err != nil {
			return "", fmt.Errorf("writing vectors: %w", err)
		}
	}

	live := b.Live
	if live == nil {
		live = roaring.New()
		live.AddRange(0, uint64(len(b.Docs)))
	}
	if err := writeLive(tmpDir, 0, live); err != nil {
		return "", fmt.Errorf("writing live docs: %w", err)
	}

	var sumDocLen uint64
	for _, d := range b.Docs {
		sumDocLen += uint64(d.Length)
	}
	meta := Meta{
		ID:          id,
		DocCount:    uint32(len(b.Docs)),
		SumDocLen:   sumDocLen,
		TermCount:   uint32(len(b.Terms)),
		LiveVersion: 0,
		VectorDims:  b.VectorDims,
		VectorCount: vectorCount,
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeMeta(filepath.Join(tmpDir, MetaFile), &meta); err != nil {
		return "", fmt.Errorf("writing meta: %w", err)
	}

	if err := syncDir(tmpDir); err != nil {
		return "", fmt.Errorf("syncing segment directory: %w", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return "", fmt.Errorf("renaming segment directory: %w", err)
	}
	if err := syncDir(parentDir); err != nil {
		return "", fmt.Errorf("syncing parent directory: %w", err)
	}

	ok = true
	return finalDir, nil
}

// writeTerms writes terms.fdx: header, postings blocks, per-doc lengths,
// and the sorted dictionary, then backfills the header and appends a
// CRC32 footer over the payload.
func writeTerms(path string, b *Build) error {
	sortTermPostings(b.Terms)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := termsHeader{
		Magic:     termsMagic,
		Version:   formatVersion,
		TermCount: uint32(len(b.Terms)),
		DocCount:  uint32(len(b.Docs)),
	}
	if _, err := f.Write(make([]byte, termsHeaderSize)); err != nil {
		return err
	}

	crc := crc32.NewIEEE()

	// Postings region.
	header.PostOffset = termsHeaderSize
	dict := make([]DictEntry, 0, len(b.Terms))
	var postLen int64
	for _, tp := range b.Terms {
		block := encodePostings(tp.Postings)
		if _, err := f.Write(block); err != nil {
			return err
		}
		crc.Write(block)
		dict = append(dict, DictEntry{
			Field:   tp.Field,
			Term:    tp.Term,
			Offset:  postLen,
			Length:  len(block),
			DocFreq: uint32(len(tp.Postings)),
		})
		postLen += int64(len(block))
	}
	header.PostLen = postLen

	// Doc length region.
	var lens bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte
	for _, d := range b.Docs {
		n := binary.PutUvarint(scratch[:], uint64(d.Length))
		lens.Write(scratch[:n])
	}
	header.LensOffset = header.PostOffset + header.PostLen
	header.LensLen = int64(lens.Len())
	if _, err := f.Write(lens.Bytes()); err != nil {
		return err
	}
	crc.Write(lens.Bytes())

	// Dictionary region.
	dictData, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	header.DictOffset = header.LensOffset + header.LensLen
	header.DictLen = int64(len(dictData))
	if _, err := f.Write(dictData); err != nil {
		return err
	}
	crc.Write(dictData)

	// CRC32 footer over the payload regions.
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], crc.Sum32())
	if _, err := f.Write(footer[:]); err != nil {
		return err
	}

	if _, err := f.WriteAt(header.marshal(), 0); err != nil {
		return err
	}
	return f.Sync()
}

// writeStored writes stored.fds: per-document gob records with an offset
// table so single documents can be decoded without touching the rest.
func writeStored(path string, docs []DocData) error {
	var payload bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	records := make([][]byte, len(docs))
	for i, d := range docs {
		var rec bytes.Buffer
		if err := gob.NewEncoder(&rec).Encode(d.Stored); err != nil {
			return fmt.Errorf("encoding stored fields for doc %d: %w", i, err)
		}
		records[i] = rec.Bytes()
	}

	n := binary.PutUvarint(scratch[:], uint64(len(docs)))
	payload.Write(scratch[:n])
	for _, rec := range records {
		n := binary.PutUvarint(scratch[:], uint64(len(rec)))
		payload.Write(scratch[:n])
	}
	for _, rec := range records {
		payload.Write(rec)
	}

	return writeChecksummed(path, storedMagic, payload.Bytes())
}

// writeKeys writes keys.fky: the document key table, loaded eagerly on
// open because tombstone application needs key lookups.
func writeKeys(path string, docs []DocData) error {
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(keys); err != nil {
		return fmt.Errorf("encoding keys: %w", err)
	}
	return writeChecksummed(path, keysMagic, payload.Bytes())
}

// writeVectors writes vectors.fvx for documents that carry a vector.
func writeVectors(path string, b *Build) (int, error) {
	count := 0
	for _, d := range b.Docs {
		if d.Vector != nil {
			count++
		}
	}

	payload := make([]byte, 8, 8+count*(4+b.VectorDims*4))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(b.VectorDims))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(count))

	var rec [4]byte
	for docID, d := range b.Docs {
		if d.Vector == nil {
			continue
		}
		binary.LittleEndian.PutUint32(rec[:], uint32(docID))
		payload = append(payload, rec[:]...)
		for _, v := range d.Vector {
			var fb [4]byte
			binary.LittleEndian.PutUint32(fb[:], math.Float32bits(v))
			payload = append(payload, fb[:]...)
		}
	}

	return count, writeChecksummed(path, vectorsMagic, payload)
}

// writeLive persists a live-docs bitmap version.
func writeLive(dir string, version uint64, live *roaring.Bitmap) error {
	payload, err := live.ToBytes()
	if err != nil {
		return fmt.Errorf("serializing live bitmap: %w", err)
	}
	return writeChecksummed(filepath.Join(dir, LiveFile(version)), liveMagic, payload)
}

// writeMeta persists meta.json via temp file + rename.
func writeMeta(path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
