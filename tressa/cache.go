package tressa

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// CachedResult is a previously computed instrumentation of identical input.
type CachedResult struct {
	Output []byte
	Diff   []byte
	Report *ModuleReport
}

type cacheEntry struct {
	Output []byte `msgpack:"o"` // zstd compressed IR text
	Diff   []byte `msgpack:"d"` // zstd compressed unified diff
	Report []byte `msgpack:"r"` // snappy compressed msgpack report
}

// ResultCache stores instrumentation results keyed by input content and pass configuration.
type ResultCache struct {
	store Storage
	front *ristretto.Cache[string, []byte]
	locks *stripedMutex
}

// NewResultCache creates a cache over store with an in-memory front limited to frontMB.
func NewResultCache(store Storage, frontMB int) (*ResultCache, error) {
	front, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     int64(max(frontMB, 1)) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache failed: %w", err)
	}
	return &ResultCache{
		store: KeyPrefixStorage(store, "result"),
		front: front,
		locks: newDefaultStripedMutex(),
	}, nil
}

type fingerprintLabel struct {
	Construct ConstructKind
	Label     string
}

// PassFingerprint encodes the pass settings that influence output. The encoding is stable across runs, join labels
// are written as a slice ordered by construct.
func PassFingerprint(p *Pass) ([]byte, error) {
	conv := p.Conventions
	labels := make([]fingerprintLabel, 0, len(conv.JoinLabels))
	for _, kind := range slices.Sorted(maps.Keys(conv.JoinLabels)) {
		labels = append(labels, fingerprintLabel{Construct: kind, Label: conv.JoinLabels[kind]})
	}
	conv.JoinLabels = nil

	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(struct {
		Conventions    Conventions
		JoinLabels     []fingerprintLabel
		Strict         bool
		ImplicitReturn bool
	}{conv, labels, p.Strict, p.ImplicitReturn}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Key returns the cache key for the input under the given pass fingerprint.
func (c *ResultCache) Key(input, fingerprint []byte) string {
	return contentKey(input, fingerprint)
}

// Lock serializes work on one key so identical inputs are instrumented once.
func (c *ResultCache) Lock(key string) *sync.Mutex {
	return c.locks.Lock(key)
}

// Lookup returns the cached result for key.
func (c *ResultCache) Lookup(key string) (*CachedResult, bool, error) {
	blob, ok := c.front.Get(key)
	if !ok {
		var err error
		blob, ok, err = c.store.LoadState(key)
		if err != nil {
			return nil, false, fmt.Errorf("load cached result failed: %w", err)
		} else if !ok {
			return nil, false, nil
		}
		c.front.Set(key, blob, int64(len(blob)))
	}

	var entry cacheEntry
	if err := msgpack.Unmarshal(blob, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached result failed: %w", err)
	}
	output, err := ZstdDecompress(nil, entry.Output)
	if err != nil {
		return nil, false, fmt.Errorf("decompress cached output failed: %w", err)
	}
	var diff []byte
	if len(entry.Diff) > 0 {
		if diff, err = ZstdDecompress(nil, entry.Diff); err != nil {
			return nil, false, fmt.Errorf("decompress cached diff failed: %w", err)
		}
	}
	reportBlob, err := SnappyDecompress(nil, entry.Report)
	if err != nil {
		return nil, false, fmt.Errorf("decompress cached report failed: %w", err)
	}
	report := &ModuleReport{}
	if err := msgpack.Unmarshal(reportBlob, report); err != nil {
		return nil, false, fmt.Errorf("decode cached report failed: %w", err)
	}
	report.Cached = true
	return &CachedResult{Output: output, Diff: diff, Report: report}, true, nil
}

// Store saves the result under key.
func (c *ResultCache) Store(key string, result *CachedResult) error {
	reportBlob, err := msgpack.Marshal(result.Report)
	if err != nil {
		return fmt.Errorf("encode report failed: %w", err)
	}
	entry := cacheEntry{
		Output: ZstdCompress(nil, result.Output),
		Report: SnappyCompress(nil, reportBlob),
	}
	if len(result.Diff) > 0 {
		entry.Diff = ZstdCompress(nil, result.Diff)
	}
	blob, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode cached result failed: %w", err)
	}
	if err := c.store.SaveState(key, blob); err != nil {
		return fmt.Errorf("save cached result failed: %w", err)
	}
	c.front.Set(key, blob, int64(len(blob)))
	c.front.Wait()
	return nil
}

// Keys lists the cached result keys.
func (c *ResultCache) Keys() ([]string, error) {
	return c.store.ListKeys()
}

// Close releases the in-memory front and the backing storage.
func (c *ResultCache) Close() {
	c.front.Close()
	c.store.Close()
}
