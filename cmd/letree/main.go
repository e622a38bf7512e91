// letree is a simple CLI for interacting with letree store directories.
//
// Usage:
//
//	letree [opts] <store-dir>
//
// Options:
//
//	-c, --config          HuJSON config file (overrides other options)
//	    --common-size     Common file size in bytes
//	    --data-size       Data file size in bytes
//	    --clevel-size     Bucket file size in bytes
//	    --entries         Entries-per-group target
//	    --no-sync         Disable writeback (faster, not crash safe)
//	    --buffer-expand   Divert writes during root rebuilds
//
// Commands (in REPL):
//
//	put <key> <value>        Insert or update a pair
//	get <key>                Retrieve a value by key
//	del <key>                Delete a key
//	update <key> <value>     Overwrite an existing key
//	scan <start> [limit]     List pairs from start (default limit 20)
//	len                      Count live keys
//	info                     Show store info
//	bulk <count> [start]     Bulk-load N sequential pairs (empty store only)
//	seq <count> [start]      Insert N sequential pairs
//	bench <count>            Benchmark put+get performance
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/letree/pkg/letree"
)

const replHelp = `Commands:
  put <key> <value>        Insert or update a pair
  get <key>                Retrieve a value by key
  del <key>                Delete a key
  update <key> <value>     Overwrite an existing key
  scan <start> [limit]     List pairs from start (default limit 20)
  len                      Count live keys
  info                     Show store info
  bulk <count> [start]     Bulk-load N sequential pairs (empty store only)
  seq <count> [start]      Insert N sequential pairs
  bench <count>            Benchmark put+get performance
  help                     Show this help
  exit / quit / q          Exit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "letree:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		commonSize   int64
		dataSize     int64
		clevelSize   int64
		entries      int
		noSync       bool
		bufferExpand bool
	)

	flag.StringVarP(&configPath, "config", "c", "", "HuJSON config file")
	flag.Int64Var(&commonSize, "common-size", 0, "common file size in bytes")
	flag.Int64Var(&dataSize, "data-size", 0, "data file size in bytes")
	flag.Int64Var(&clevelSize, "clevel-size", 0, "bucket file size in bytes")
	flag.IntVar(&entries, "entries", 0, "entries-per-group target")
	flag.BoolVar(&noSync, "no-sync", false, "disable writeback")
	flag.BoolVar(&bufferExpand, "buffer-expand", false, "divert writes during root rebuilds")
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
	} else {
		opts = letree.Options{
			CommonFileSize:  commonSize,
			DataFileSize:    dataSize,
			BucketFileSize:  clevelSize,
			EntriesPerGroup: entries,
		}

		if noSync {
			opts.Durability = letree.DurabilityNone
		}

		if bufferExpand {
			opts.ExpansionPolicy = letree.ExpansionBuffer
		}
	}

	if flag.NArg() > 0 {
		opts.Dir = flag.Arg(0)
	}

	if opts.Dir == "" {
		return errors.New("usage: letree [opts] <store-dir>")
	}

	store, err := letree.Open(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("opened %s (%d keys)\n", opts.Dir, store.Len())

	return repl(store)
}

func repl(store *letree.Store) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("letree> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		args := strings.Fields(input)

		switch args[0] {
		case "exit", "quit", "q":
			return nil
		case "help":
			fmt.Println(replHelp)
		default:
			if err := dispatch(store, args); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func dispatch(store *letree.Store, args []string) error {
	cmd := args[0]
	args = args[1:]

	argN := func(i int, def uint64) (uint64, error) {
		if i >= len(args) {
			if def != ^uint64(0) {
				return def, nil
			}

			return 0, fmt.Errorf("%s: missing argument", cmd)
		}

		return strconv.ParseUint(args[i], 10, 64)
	}

	switch cmd {
	case "put":
		k, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		v, err := argN(1, ^uint64(0))
		if err != nil {
			return err
		}

		res, err := store.Put(k, v)
		if err != nil {
			return err
		}

		fmt.Println(res)

	case "get":
		k, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		v, found, err := store.Get(k)
		if err != nil {
			return err
		}

		if !found {
			fmt.Println("not found")
		} else {
			fmt.Println(v)
		}

	case "del":
		k, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		return store.Delete(k)

	case "update":
		k, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		v, err := argN(1, ^uint64(0))
		if err != nil {
			return err
		}

		return store.Update(k, v)

	case "scan":
		start, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		limit, err := argN(1, 20)
		if err != nil {
			return err
		}

		pairs, err := store.Scan(start, int(limit))
		if err != nil {
			return err
		}

		for _, kv := range pairs {
			fmt.Printf("  %d = %d\n", kv.Key, kv.Value)
		}

		fmt.Printf("%d pairs\n", len(pairs))

	case "len":
		fmt.Println(store.Len())

	case "info":
		st := store.Stats()
		fmt.Printf("elements:    %d\n", st.Elements)
		fmt.Printf("groups:      %d\n", st.Groups)
		fmt.Printf("expansions:  %d\n", st.Expansions)
		fmt.Printf("common:      %d used, %d leaked\n", st.CommonUsed, st.CommonLeaked)
		fmt.Printf("data:        %d used, %d leaked\n", st.DataUsed, st.DataLeaked)
		fmt.Printf("clevel:      %d used, %d leaked\n", st.BucketsUsed, st.BucketsLeaked)

	case "bulk":
		count, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		start, err := argN(1, 0)
		if err != nil {
			return err
		}

		pairs := make([]letree.KV, count)
		for i := range pairs {
			pairs[i] = letree.KV{Key: start + uint64(i), Value: start + uint64(i)}
		}

		began := time.Now()
		if err := store.BulkLoad(pairs); err != nil {
			return err
		}

		fmt.Printf("loaded %d pairs in %s\n", count, time.Since(began).Round(time.Millisecond))

	case "seq":
		count, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		start, err := argN(1, 0)
		if err != nil {
			return err
		}

		began := time.Now()

		for i := uint64(0); i < count; i++ {
			if _, err := store.Put(start+i, start+i); err != nil {
				return err
			}
		}

		fmt.Printf("inserted %d pairs in %s\n", count, time.Since(began).Round(time.Millisecond))

	case "bench":
		count, err := argN(0, ^uint64(0))
		if err != nil {
			return err
		}

		keys := make([]uint64, count)

		rng := rand.New(rand.NewPCG(42, 42))
		for i := range keys {
			keys[i] = rng.Uint64()
		}

		began := time.Now()

		for _, k := range keys {
			if _, err := store.Put(k, k); err != nil {
				return err
			}
		}

		putDur := time.Since(began)
		began = time.Now()

		var misses int

		for _, k := range keys {
			if _, found, err := store.Get(k); err != nil {
				return err
			} else if !found {
				misses++
			}
		}

		getDur := time.Since(began)

		fmt.Printf("put: %.0f ops/s, get: %.0f ops/s, misses: %d\n",
			float64(count)/putDur.Seconds(), float64(count)/getDur.Seconds(), misses)

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}

	return nil
}
