package letree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// manifestName is the store metadata file inside the directory.
const manifestName = "MANIFEST"

// manifestFormat is bumped on any incompatible layout change.
const manifestFormat = 1

// manifest describes the store directory. It is replaced atomically at
// every publish point and on clean close, so a reader never sees a
// partially written manifest.
type manifest struct {
	Format          int    `json:"format"`
	CommonSize      int64  `json:"common_size"`
	DataSize        int64  `json:"data_size"`
	BucketSize      int64  `json:"clevel_size"`
	EntriesPerGroup int    `json:"entries_per_group"`
	Elements        uint64 `json:"elements"`
	CleanClose      bool   `json:"clean_close"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestName)
}

func writeManifest(dir string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(manifestPath(dir), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// readManifest returns the manifest and whether one exists.
func readManifest(dir string) (manifest, bool, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manifest{}, false, nil
		}

		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, false, fmt.Errorf("decode manifest: %w: %v", ErrCorrupt, err)
	}

	if m.Format != manifestFormat {
		return manifest{}, false, fmt.Errorf("manifest format %d != %d: %w", m.Format, manifestFormat, ErrIncompatible)
	}

	return m, true, nil
}

// checkManifest verifies the persisted configuration matches opts.
func checkManifest(m manifest, opts Options) error {
	if m.CommonSize != opts.CommonFileSize ||
		m.DataSize != opts.DataFileSize ||
		m.BucketSize != opts.BucketFileSize {
		return fmt.Errorf("file sizes (%d, %d, %d) != requested (%d, %d, %d): %w",
			m.CommonSize, m.DataSize, m.BucketSize,
			opts.CommonFileSize, opts.DataFileSize, opts.BucketFileSize, ErrIncompatible)
	}

	if m.EntriesPerGroup != opts.EntriesPerGroup {
		return fmt.Errorf("entries_per_group %d != requested %d: %w",
			m.EntriesPerGroup, opts.EntriesPerGroup, ErrIncompatible)
	}

	return nil
}
