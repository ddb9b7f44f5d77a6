package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Store lifecycle states.
const (
	stateRunning int32 = iota
	stateFlushing
	stateDisposed
)

// Store is a sharded record store. Keys are routed to a fixed shard by
// their high bits; shards are locked independently.
type Store struct {
	mu       sync.Mutex // Serializes flushes and disposal
	state    atomic.Int32
	path     string
	settings Settings
	opts     options
	log      *slog.Logger
	counters *Counters
	trees    []*Tree
	events   *notifier
	stop     chan struct{}
	wg       sync.WaitGroup
}

// shardPaths returns the record block and branch log files of shard i.
func shardPaths(p string, i int) (blocks, branches string) {
	base := fmt.Sprintf("%s%d", p, i)
	return base + ".blossom", base + ".branch"
}

// Create makes a new store at path with default settings. The shard files
// are named by appending the shard number to path.
func Create(path string, avgItemSize int, avgItemSizeSlack float64, computeChecksum bool, opts ...Option) (*Store, error) {
	s := DefaultSettings(avgItemSize, avgItemSizeSlack, computeChecksum)
	return CreateWithSettings(path, s, opts...)
}

// CreateWithSettings makes a new store at path. It fails if a store
// already exists there.
func CreateWithSettings(path string, s Settings, opts ...Option) (*Store, error) {
	s, err := s.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	// Make sure we are not clobbering a store
	if _, err := os.Stat(settingsPath(path)); err == nil {
		return nil, fmt.Errorf("store already exists at %q", path)
	}

	// Clear out any stray shard files
	for i := 0; i < s.Shards; i++ {
		blocks, branches := shardPaths(path, i)
		for _, p := range []string{blocks, branches} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale shard file: %w", err)
			}
		}
	}

	// Write the settings
	if err := SaveSettings(path, s); err != nil {
		return nil, err
	}

	st, err := openStore(path, s, applyOptions(opts))
	if err != nil {
		return nil, err
	}
	st.log.Info("created store", "path", path, "shards", s.Shards)
	return st, nil
}

// Open loads the store at path, rebuilding every shard's filter hierarchy
// from its branch log.
func Open(path string, opts ...Option) (*Store, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	st, err := openStore(path, s, applyOptions(opts))
	if err != nil {
		return nil, err
	}
	st.log.Info("opened store", "path", path, "shards", s.Shards)
	return st, nil
}

func openStore(path string, s Settings, o options) (*Store, error) {
	st := &Store{
		path:     path,
		settings: s,
		opts:     o,
		log:      o.logger.With("store", s.ID),
		counters: &Counters{},
		trees:    make([]*Tree, 0, s.Shards),
		stop:     make(chan struct{}),
	}

	// Open the shards
	for i := 0; i < s.Shards; i++ {
		t, err := st.openShard(i)
		if err != nil {
			for _, t := range st.trees {
				t.Close()
			}
			return nil, err
		}
		st.trees = append(st.trees, t)
	}

	// Start flushing in the background
	st.events = newNotifier(o.notify)
	if o.flushInterval > 0 {
		st.wg.Add(1)
		go st.run(o.flushInterval)
	}

	// Done
	return st, nil
}

func (st *Store) openShard(i int) (*Tree, error) {
	blocksPath, branchesPath := shardPaths(st.path, i)
	blocks, err := OpenFileBlockRW(blocksPath, st.settings.InitialFileSize)
	if err != nil {
		return nil, err
	}
	branches, err := OpenFileBlockRW(branchesPath, 0)
	if err != nil {
		blocks.Close()
		return nil, err
	}
	t, err := NewTree(i, blocks, branches, st.settings, st.counters, shardLogger(st.log, i))
	if err != nil {
		blocks.Close()
		branches.Close()
		return nil, err
	}
	return t, nil
}

// run flushes the store every interval until it is closed.
func (st *Store) run(interval time.Duration) {
	defer st.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			if err := st.tick(); err != nil && !errors.Is(err, ErrClosed) {
				st.log.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// tick is one periodic flush. It is skipped while another flush is
// running.
func (st *Store) tick() error {
	if st.state.Load() == stateFlushing {
		st.log.Debug("skipped periodic flush")
		return nil
	}
	return st.Flush()
}

// shard returns the tree key routes to.
func (st *Store) shard(key HashKey) (*Tree, error) {
	if st.state.Load() == stateDisposed {
		return nil, ErrClosed
	}
	return st.trees[key.ShardIndex(len(st.trees))], nil
}

// Create stores a new record. Creating a key that already exists
// supersedes the old record.
func (st *Store) Create(key HashKey, r Record) (Status, error) {
	if !validRecord(r) {
		return BadParameter, nil
	}
	t, err := st.shard(key)
	if err != nil {
		return Unsuccessful, err
	}
	r.Data = compressValue(r.Data, st.settings.Compress)
	return t.Create(key, r)
}

// Read returns the newest record for key.
func (st *Store) Read(key HashKey) (Record, Status, error) {
	t, err := st.shard(key)
	if err != nil {
		return Record{}, Unsuccessful, err
	}
	r, status, err := t.Read(key)
	if err != nil || status != Successful {
		return r, status, err
	}
	if r.Data, err = decompressValue(r.Data, st.settings.Compress); err != nil {
		return Record{}, Unsuccessful, err
	}
	return r, status, nil
}

// Update replaces the record for key. The returned record holds the
// version and timestamp that were actually stored.
func (st *Store) Update(key HashKey, r Record) (Record, Status, error) {
	if !validRecord(r) {
		return r, BadParameter, nil
	}
	t, err := st.shard(key)
	if err != nil {
		return r, Unsuccessful, err
	}
	data := r.Data
	r.Data = compressValue(r.Data, st.settings.Compress)
	w, status, err := t.Update(key, r)
	w.Data = data
	return w, status, err
}

// Delete tombstones the record for key.
func (st *Store) Delete(key HashKey) (Status, error) {
	t, err := st.shard(key)
	if err != nil {
		return Unsuccessful, err
	}
	return t.Delete(key)
}

// Flush writes every shard's active block and filter changes to disk.
func (st *Store) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.Load() == stateDisposed {
		return ErrClosed
	}

	st.state.Store(stateFlushing)
	defer st.state.Store(stateRunning)

	return st.eachShard("flushed store", (*Tree).Flush)
}

// eachShard runs fn over every shard in parallel, bracketed by flush
// notifications.
func (st *Store) eachShard(msg string, fn func(*Tree) error) error {
	start := time.Now()
	st.events.send(FlushStarted)
	defer st.events.send(FlushStopped)

	var g errgroup.Group
	for _, t := range st.trees {
		g.Go(func() error {
			return fn(t)
		})
	}
	if err := g.Wait(); err != nil {
		st.log.Error("flush failed", "error", err)
		return err
	}

	st.counters.flushes.Add(1)
	st.log.Debug(msg, "elapsed", time.Since(start))
	return nil
}

// Close stops background flushing, flushes every shard one last time and
// closes the shard files. Closing twice is a no-op.
func (st *Store) Close() error {
	st.mu.Lock()
	if st.state.Load() == stateDisposed {
		st.mu.Unlock()
		return nil
	}
	st.state.Store(stateDisposed)
	close(st.stop)

	err := st.eachShard("closed store", (*Tree).Close)
	st.mu.Unlock()

	// Wait for the flush loop to see the stop and for the last
	// notifications to be delivered
	st.wg.Wait()
	st.events.close()
	st.log.Info("closed store", "path", st.path)
	return err
}

// ID returns the store's unique id.
func (st *Store) ID() string {
	return st.settings.ID
}

// Settings returns the store's persistent settings.
func (st *Store) Settings() Settings {
	return st.settings
}

// Stats returns a snapshot of the operation counters.
func (st *Store) Stats() Stats {
	return st.counters.Snapshot()
}

// FalsePositives sums leaf filter false positives over all shards.
func (st *Store) FalsePositives() int64 {
	var total int64
	for _, t := range st.trees {
		total += t.FalsePositives()
	}
	return total
}

// Collector exports the store's counters for registration with a
// prometheus registry.
func (st *Store) Collector() prometheus.Collector {
	return newStatsCollector(st.counters, st.FalsePositives, st.settings.ID)
}
