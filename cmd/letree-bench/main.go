// letree-bench is a micro driver for letree stores: bulk-load N sorted
// pairs, insert N random pairs, then read N random keys, reporting
// throughput for each phase.
//
// Usage:
//
//	letree-bench --load-size N --put-size N --get-size N [--dir D] [--config F]
package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/letree/pkg/letree"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "letree-bench:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dir        string
		configPath string
		loadSize   int
		putSize    int
		getSize    int
		seed       uint64
	)

	flag.StringVar(&dir, "dir", "", "store directory (default: a temp dir)")
	flag.StringVar(&configPath, "config", "", "HuJSON config file")
	flag.IntVar(&loadSize, "load-size", 100_000, "pairs to bulk-load")
	flag.IntVar(&putSize, "put-size", 100_000, "random pairs to insert")
	flag.IntVar(&getSize, "get-size", 100_000, "random keys to read")
	flag.Uint64Var(&seed, "seed", 42, "PRNG seed")
	flag.Parse()

	var (
		opts letree.Options
		err  error
	)

	if configPath != "" {
		opts, err = letree.LoadOptionsFile(configPath)
		if err != nil {
			return err
		}
	}

	if dir != "" {
		opts.Dir = dir
	}

	if opts.Dir == "" {
		tmp, err := os.MkdirTemp("", "letree-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)

		opts.Dir = tmp
	}

	store, err := letree.Open(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	rng := rand.New(rand.NewPCG(seed, seed))

	// Load phase: evenly spaced keys so the random put phase interleaves.
	if loadSize > 0 {
		pairs := make([]letree.KV, loadSize)
		for i := range pairs {
			k := uint64(i) * 1000
			pairs[i] = letree.KV{Key: k, Value: k}
		}

		began := time.Now()
		if err := store.BulkLoad(pairs); err != nil {
			return err
		}

		report("load", loadSize, time.Since(began))
	}

	keys := make([]uint64, putSize)
	for i := range keys {
		keys[i] = rng.Uint64()
	}

	if putSize > 0 {
		began := time.Now()

		for _, k := range keys {
			if _, err := store.Put(k, k); err != nil {
				return err
			}
		}

		report("put", putSize, time.Since(began))
	}

	// Read phase targets inserted keys, falling back to loaded ones when
	// the put phase was skipped.
	getKeys := keys
	if len(getKeys) == 0 {
		getKeys = make([]uint64, loadSize)
		for i := range getKeys {
			getKeys[i] = uint64(i) * 1000
		}
	}

	if getSize > 0 && len(getKeys) > 0 {
		var misses int

		began := time.Now()

		for i := 0; i < getSize; i++ {
			k := getKeys[rng.IntN(len(getKeys))]

			_, found, err := store.Get(k)
			if err != nil {
				return err
			}

			if !found {
				misses++
			}
		}

		report("get", getSize, time.Since(began))

		if misses > 0 {
			return fmt.Errorf("%d gets missed", misses)
		}
	}

	st := store.Stats()
	fmt.Printf("final: %d elements, %d groups, %d expansions\n",
		st.Elements, st.Groups, st.Expansions)

	return nil
}

func report(phase string, n int, d time.Duration) {
	fmt.Printf("%-5s %9d ops in %8s  (%.0f ops/s)\n",
		phase, n, d.Round(time.Millisecond), float64(n)/d.Seconds())
}
