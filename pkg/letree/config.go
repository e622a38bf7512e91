package letree

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// fileOptions is the HuJSON config file shape. Comments and trailing
// commas are allowed; fields mirror [Options].
type fileOptions struct {
	Dir                string `json:"dir"`
	CommonFileSize     int64  `json:"common_file_size"`
	DataFileSize       int64  `json:"data_file_size"`
	BucketFileSize     int64  `json:"clevel_file_size"`
	EntriesPerGroup    int    `json:"entries_per_group"`
	MaxEntriesPerGroup int    `json:"max_entries_per_group"`
	Durability         string `json:"durability"`       // "sync" | "none"
	ExpansionPolicy    string `json:"expansion_policy"` // "block" | "buffer"
	DisableLocking     bool   `json:"disable_locking"`
}

// LoadOptionsFile reads store options from a HuJSON file.
//
// Unset fields keep their [Options] defaults. The result still goes
// through the full validation in [Open].
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config %s: %w", path, err)
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("parse config %s: %w: %v", path, ErrInvalidInput, err)
	}

	var fo fileOptions
	if err := json.Unmarshal(std, &fo); err != nil {
		return Options{}, fmt.Errorf("decode config %s: %w: %v", path, ErrInvalidInput, err)
	}

	opts := Options{
		Dir:                fo.Dir,
		CommonFileSize:     fo.CommonFileSize,
		DataFileSize:       fo.DataFileSize,
		BucketFileSize:     fo.BucketFileSize,
		EntriesPerGroup:    fo.EntriesPerGroup,
		MaxEntriesPerGroup: fo.MaxEntriesPerGroup,
		DisableLocking:     fo.DisableLocking,
	}

	switch fo.Durability {
	case "", "sync":
		opts.Durability = DurabilitySync
	case "none":
		opts.Durability = DurabilityNone
	default:
		return Options{}, fmt.Errorf("durability %q (want sync or none): %w", fo.Durability, ErrInvalidInput)
	}

	switch fo.ExpansionPolicy {
	case "", "block":
		opts.ExpansionPolicy = ExpansionBlock
	case "buffer":
		opts.ExpansionPolicy = ExpansionBuffer
	default:
		return Options{}, fmt.Errorf("expansion_policy %q (want block or buffer): %w", fo.ExpansionPolicy, ErrInvalidInput)
	}

	return opts, nil
}
