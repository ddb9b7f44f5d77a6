package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/a-poor/bloomfile/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("path", "./data/bloomfile", "Store path prefix")
	create := flag.Bool("create", false, "Create a new store instead of opening one")
	items := flag.Int("items", 100000, "Number of records to create")
	size := flag.Int("size", 256, "Average record size in bytes")
	slack := flag.Float64("slack", 1.25, "Record slot slack factor")
	checksum := flag.Bool("checksum", true, "Compute record checksums")
	workers := flag.Int("workers", 8, "Concurrent workers")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := []storage.Option{storage.WithLogLevel(level)}

	// Create or open the store
	var st *storage.Store
	var err error
	if *create {
		if err := os.MkdirAll(filepath.Dir(*path), 0755); err != nil {
			log.Fatalf("failed to make store directory: %v", err)
		}
		st, err = storage.Create(*path, *size, *slack, *checksum, opts...)
	} else {
		st, err = storage.Open(*path, opts...)
	}
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// Run the workload
	start := time.Now()
	if err := run(st, *items, *size, *workers); err != nil {
		st.Close()
		log.Fatalf("workload failed: %v", err)
	}
	if err := st.Flush(); err != nil {
		st.Close()
		log.Fatalf("failed to flush: %v", err)
	}
	elapsed := time.Since(start)

	// Print the counters
	s := st.Stats()
	fmt.Fprintf(os.Stdout, "store:          %s\n", st.ID())
	fmt.Fprintf(os.Stdout, "elapsed:        %v\n", elapsed)
	fmt.Fprintf(os.Stdout, "created:        %d\n", s.Created)
	fmt.Fprintf(os.Stdout, "read:           %d\n", s.Read)
	fmt.Fprintf(os.Stdout, "updated:        %d in place, %d superseded\n", s.UpdatedInPlace, s.UpdatedCreated)
	fmt.Fprintf(os.Stdout, "deleted:        %d\n", s.Deleted)
	fmt.Fprintf(os.Stdout, "bytes:          %d\n", s.BytesExtant)
	fmt.Fprintf(os.Stdout, "fragmentation:  %.2f%%\n", s.Fragmentation())
	fmt.Fprintf(os.Stdout, "false hits:     %d\n", st.FalsePositives())
}

// run splits the records over the workers. Each worker creates its share
// of records, then reads, updates and deletes a random sample of them.
func run(st *storage.Store, items, size, workers int) error {
	var g errgroup.Group
	per := items / workers
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			keys := make([]storage.HashKey, per)

			// Create
			for i := range keys {
				keys[i] = storage.HashString(fmt.Sprintf("%d-%d-%d", w, i, rng.Int63()))
				if _, err := st.Create(keys[i], storage.Record{Data: value(rng, size)}); err != nil {
					return err
				}
			}

			// Read, update and delete a sample
			for i := 0; i < per/2; i++ {
				k := keys[rng.Intn(len(keys))]
				var err error
				switch rng.Intn(3) {
				case 0:
					_, _, err = st.Read(k)
				case 1:
					_, _, err = st.Update(k, storage.Record{Data: value(rng, size)})
				case 2:
					_, err = st.Delete(k)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// value returns random bytes around the average size.
func value(rng *rand.Rand, size int) []byte {
	n := size/2 + rng.Intn(size)
	b := make([]byte, n+1)
	rng.Read(b)
	return b
}
