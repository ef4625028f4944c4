// Package segment implements the immutable on-disk index unit: term
// dictionary with postings, stored fields, vectors, and a versioned
// live-docs bitmap. A segment is written once by a flush or merge and
// never mutated afterwards; tombstones only ever produce a new live-docs
// version alongside the original files.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// File format identifiers. Every binary file starts with a magic number
// and ends with a CRC32 (IEEE) of its payload so corruption is detected
// on open rather than surfacing as garbage query results.
const (
	termsMagic   uint32 = 0x46544458 // "FTDX"
	storedMagic  uint32 = 0x46534452 // "FSDR"
	keysMagic    uint32 = 0x464b4559 // "FKEY"
	vectorsMagic uint32 = 0x46564543 // "FVEC"
	liveMagic    uint32 = 0x464c4956 // "FLIV"

	formatVersion uint32 = 1

	termsHeaderSize = 64
)

// Segment file names within a segment directory.
const (
	TermsFile   = "terms.fdx"
	StoredFile  = "stored.fds"
	KeysFile    = "keys.fky"
	VectorsFile = "vectors.fvx"
	MetaFile    = "meta.json"
)

// LiveFile returns the live-docs file name for a bitmap version.
func LiveFile(version uint64) string {
	return fmt.Sprintf("live-%06d.bin", version)
}

// DirName returns the directory name for a segment id.
func DirName(id uint64) string {
	return fmt.Sprintf("seg-%016x", id)
}

// PruneLiveAbove removes live-docs files with a version greater than
// keep: leftovers of a commit whose manifest was never published.
func PruneLiveAbove(dir string, keep uint64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		var v uint64
		if _, err := fmt.Sscanf(e.Name(), "live-%d.bin", &v); err != nil {
			continue
		}
		if v > keep {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// termsHeader is the fixed-size header at the start of terms.fdx.
// Offsets are absolute file offsets; the header is rewritten in place
// once section sizes are known, then the file is synced.
type termsHeader struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	PostOffset int64
	PostLen    int64
	LensOffset int64
	LensLen    int64
	DictOffset int64
	DictLen    int64
}

func (h *termsHeader) marshal() []byte {
	buf := make([]byte, termsHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.PostLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.LensOffset))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.LensLen))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(buf[56:64], uint64(h.DictLen))
	return buf
}

func unmarshalTermsHeader(buf []byte) (termsHeader, error) {
	if len(buf) < termsHeaderSize {
		return termsHeader{}, fmt.Errorf("terms header truncated: %d bytes", len(buf))
	}
	h := termsHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		TermCount:  binary.LittleEndian.Uint32(buf[8:12]),
		DocCount:   binary.LittleEndian.Uint32(buf[12:16]),
		PostOffset: int64(binary.LittleEndian.Uint64(buf[16:24])),
		PostLen:    int64(binary.LittleEndian.Uint64(buf[24:32])),
		LensOffset: int64(binary.LittleEndian.Uint64(buf[32:40])),
		LensLen:    int64(binary.LittleEndian.Uint64(buf[40:48])),
		DictOffset: int64(binary.LittleEndian.Uint64(buf[48:56])),
		DictLen:    int64(binary.LittleEndian.Uint64(buf[56:64])),
	}
	if h.Magic != termsMagic {
		return termsHeader{}, fmt.Errorf("bad magic %#x", h.Magic)
	}
	if h.Version != formatVersion {
		return termsHeader{}, fmt.Errorf("unsupported format version %d", h.Version)
	}
	return h, nil
}

// writeChecksummed writes magic + payload + CRC32 trailer to path.
func writeChecksummed(path string, magic uint32, payload []byte) error {
	buf := make([]byte, 8+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	copy(buf[8:], payload)
	crc := crc32.ChecksumIEEE(buf[:8+len(payload)])
	binary.LittleEndian.PutUint32(buf[8+len(payload):], crc)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readChecksummed reads a magic + payload + CRC32 file, verifying both.
func readChecksummed(path string, magic uint32) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < 12 {
		return nil, fmt.Errorf("%s: file truncated", path)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != magic {
		return nil, fmt.Errorf("%s: bad magic %#x", path, got)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != formatVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, v)
	}
	body := buf[:len(buf)-4]
	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, fmt.Errorf("%s: checksum mismatch", path)
	}
	return body[8:], nil
}

// syncDir fsyncs a directory so renames within it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
