package letree_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/letree/pkg/letree"
)

func Test_LoadOptionsFile_Parses_HuJSON_With_Comments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.hujson")

	config := `{
	// Store location and sizing.
	"dir": "/pmem/orders",
	"common_file_size": 1048576,
	"data_file_size": 2097152,
	"clevel_file_size": 4194304,
	"entries_per_group": 32,
	"max_entries_per_group": 256,
	"durability": "none",
	"expansion_policy": "buffer", // divert writes during rebuilds
}`

	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := letree.LoadOptionsFile(path)
	if err != nil {
		t.Fatalf("LoadOptionsFile: %v", err)
	}

	want := letree.Options{
		Dir:                "/pmem/orders",
		CommonFileSize:     1048576,
		DataFileSize:       2097152,
		BucketFileSize:     4194304,
		EntriesPerGroup:    32,
		MaxEntriesPerGroup: 256,
		Durability:         letree.DurabilityNone,
		ExpansionPolicy:    letree.ExpansionBuffer,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadOptionsFile_Rejects_Unknown_Enum_Values(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	badDurability := filepath.Join(dir, "bad-durability.hujson")
	if err := os.WriteFile(badDurability, []byte(`{"durability": "eventually"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := letree.LoadOptionsFile(badDurability); !errors.Is(err, letree.ErrInvalidInput) {
		t.Fatalf("durability err = %v, want ErrInvalidInput", err)
	}

	badPolicy := filepath.Join(dir, "bad-policy.hujson")
	if err := os.WriteFile(badPolicy, []byte(`{"expansion_policy": "yolo"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := letree.LoadOptionsFile(badPolicy); !errors.Is(err, letree.ErrInvalidInput) {
		t.Fatalf("policy err = %v, want ErrInvalidInput", err)
	}
}

func Test_Open_Registers_Metrics_When_A_Registerer_Is_Provided(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	opts := testOptions(t.TempDir())
	opts.Metrics = reg

	s, err := letree.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	mustPut(t, s, 1, 1)
	mustGet(t, s, 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := map[string]float64{}

	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			byName[fam.GetName()] = m.GetCounter().GetValue()
		}
	}

	if byName["letree_puts_total"] != 1 {
		t.Fatalf("puts counter = %v, want 1", byName["letree_puts_total"])
	}

	if byName["letree_gets_total"] != 1 {
		t.Fatalf("gets counter = %v, want 1", byName["letree_gets_total"])
	}
}
