package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ferrors "github.com/fathom-search/fathom/internal/errors"
)

const (
	currentFile  = "CURRENT"
	manifestGlob = "manifest-"
)

// manifestSegment records one committed segment and the live-docs
// version that was current at commit time. Readers pin that exact
// version so later deletes do not bleed into open snapshots.
type manifestSegment struct {
	ID          uint64 `json:"id"`
	LiveVersion uint64 `json:"live_version"`
}

// manifest is the committed state of the index. The CURRENT file names
// the active manifest generation; everything else on disk is invisible.
type manifest struct {
	Gen       uint64            `json:"gen"`
	Segments  []manifestSegment `json:"segments"`
	NextSegID uint64            `json:"next_seg_id"`
	CreatedAt time.Time         `json:"created_at"`
}

func manifestName(gen uint64) string {
	return fmt.Sprintf("manifest-%06d.json", gen)
}

// writeManifest persists m and atomically repoints CURRENT at it. Both
// steps go through temp file, fsync, rename, then a directory fsync, so
// a crash leaves either the old commit or the new one, never a mix.
func writeManifest(dir string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ferrors.IOFailure("encoding manifest", err)
	}
	path := filepath.Join(dir, manifestName(m.Gen))
	if err := writeFileAtomic(path, data); err != nil {
		return ferrors.IOFailure("writing manifest", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, currentFile), []byte(manifestName(m.Gen)+"\n")); err != nil {
		return ferrors.IOFailure("updating CURRENT", err)
	}
	if err := syncDir(dir); err != nil {
		return ferrors.IOFailure("syncing index directory", err)
	}
	return nil
}

// loadManifest reads the manifest CURRENT points at. A missing CURRENT
// means the index has never committed.
func loadManifest(dir string) (*manifest, error) {
	cur, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.ErrCodeNoCommit,
				fmt.Sprintf("no committed index at %s", dir), err)
		}
		return nil, ferrors.IOFailure("reading CURRENT", err)
	}
	name := strings.TrimSpace(string(cur))
	if name == "" || strings.Contains(name, string(os.PathSeparator)) {
		return nil, ferrors.New(ferrors.ErrCodeCorruptIndex,
			fmt.Sprintf("CURRENT names invalid manifest %q", name), nil)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeCorruptIndex,
			fmt.Sprintf("manifest %s unreadable", name), err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ferrors.New(ferrors.ErrCodeCorruptIndex,
			fmt.Sprintf("manifest %s malformed", name), err)
	}
	return &m, nil
}

// pruneManifests removes manifest generations older than keep.
func pruneManifests(dir string, keep uint64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, manifestGlob) || !strings.HasSuffix(name, ".json") {
			continue
		}
		var gen uint64
		if _, err := fmt.Sscanf(name, "manifest-%d.json", &gen); err != nil {
			continue
		}
		if gen < keep {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
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
