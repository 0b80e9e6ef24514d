// Package catalog loads the master catalog: the fixed, read-only set of
// records eligible for annotation. Each session walks it in its own
// shuffled Order, fixed for the session's lifetime.
package catalog

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/fetcher"
	"github.com/sells-group/tagging-cli/internal/model"
)

// ErrCatalog marks an unusable master catalog. There is no recovery path:
// the catalog is reference data, not work product.
var ErrCatalog = eris.New("catalog: unusable master catalog")

// Options configures Load.
type Options struct {
	// Seed fixes the shuffle. Zero seeds from the clock.
	Seed     int64
	Encoding string
	Timeout  time.Duration
	Source   fetcher.SourceOptions
}

// Catalog is the master record set. It is immutable after Load. Its own
// presentation order is the Order for the load seed.
type Catalog struct {
	source []model.MasterRecord
	index  map[string]int
	order  *Order
}

// Order is one shuffled presentation order over a catalog.
type Order struct {
	keys     []string
	position map[string]int
	seed     int64
}

// Load reads the catalog from src exactly once and shuffles it with a
// single permutation. Any failure is fatal and wraps ErrCatalog.
func Load(ctx context.Context, src string, opts Options) (*Catalog, error) {
	srcOpts := opts.Source
	if srcOpts.Encoding == "" {
		srcOpts.Encoding = opts.Encoding
	}
	if srcOpts.Timeout == 0 {
		srcOpts.Timeout = opts.Timeout
	}

	table, err := fetcher.OpenTable(ctx, src, srcOpts)
	if err != nil {
		return nil, eris.Wrapf(unusable(err), "catalog: read %s", src)
	}

	records, err := buildRecords(table)
	if err != nil {
		return nil, eris.Wrapf(unusable(err), "catalog: %s", src)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := New(records, seed)

	zap.L().Info("catalog: loaded",
		zap.String("source", src),
		zap.Int("records", c.Len()),
		zap.Int64("seed", seed),
	)
	return c, nil
}

// New builds a Catalog from records already in memory and shuffles it with
// seed. Records must have unique, non-empty keys.
func New(records []model.MasterRecord, seed int64) *Catalog {
	c := &Catalog{
		source: slices.Clone(records),
		index:  make(map[string]int, len(records)),
	}
	for i, r := range c.source {
		c.index[r.Key] = i
	}
	c.order = c.Order(seed)
	return c
}

// Order returns the permutation of the catalog for seed. The same seed
// always yields the same order.
func (c *Catalog) Order(seed int64) *Order {
	keys := make([]string, len(c.source))
	for i, r := range c.source {
		keys[i] = r.Key
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	rng.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	pos := make(map[string]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}
	return &Order{keys: keys, position: pos, seed: seed}
}

// unusable marks cause as ErrCatalog and keeps it in the chain.
func unusable(cause error) error {
	return fmt.Errorf("%w: %w", ErrCatalog, cause)
}

func buildRecords(table *fetcher.Table) ([]model.MasterRecord, error) {
	if len(table.Header) == 0 {
		return nil, eris.New("no header row")
	}
	if !slices.Contains(table.Header, model.ColFilename) &&
		!slices.Contains(table.Header, model.ColFullPath) &&
		!slices.Contains(table.Header, model.ColImageURL) {
		return nil, eris.Errorf("no %s, %s or %s column", model.ColFilename, model.ColFullPath, model.ColImageURL)
	}

	seen := make(map[string]int)
	records := make([]model.MasterRecord, 0, len(table.Rows))
	for i, fields := range table.Records() {
		rec := model.MasterFromFields(fields)
		line := i + 2 // 1-based, after header
		if rec.Key == "" {
			return nil, eris.Errorf("row %d: no key", line)
		}
		if prev, dup := seen[rec.Key]; dup {
			return nil, eris.Errorf("row %d: duplicate key %q (first at row %d)", line, rec.Key, prev)
		}
		seen[rec.Key] = line
		records = append(records, rec)
	}
	return records, nil
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	return len(c.source)
}

// Seed returns the load seed.
func (c *Catalog) Seed() int64 {
	return c.order.seed
}

// Default returns the catalog's own order.
func (c *Catalog) Default() *Order {
	return c.order
}

// Records returns the records in the catalog's own order. The slice is a
// copy.
func (c *Catalog) Records() []model.MasterRecord {
	out := make([]model.MasterRecord, len(c.order.keys))
	for i, k := range c.order.keys {
		out[i] = c.source[c.index[k]]
	}
	return out
}

// Keys returns record keys in the catalog's own order.
func (c *Catalog) Keys() []string {
	return c.order.Keys()
}

// Lookup returns the record for key.
func (c *Catalog) Lookup(key string) (model.MasterRecord, bool) {
	i, ok := c.index[key]
	if !ok {
		return model.MasterRecord{}, false
	}
	return c.source[i], true
}

// Position returns the index of key in the catalog's own order, or -1.
func (c *Catalog) Position(key string) int {
	return c.order.Position(key)
}

// Contains reports whether key is in the catalog.
func (c *Catalog) Contains(key string) bool {
	_, ok := c.index[key]
	return ok
}

// Unseen returns catalog keys absent from tagged, in the catalog's own
// order.
func (c *Catalog) Unseen(tagged map[string]struct{}) []string {
	return c.order.Unseen(tagged)
}

// CountTagged returns how many catalog keys appear in tagged. Tagged keys
// outside the catalog are not counted.
func (c *Catalog) CountTagged(tagged map[string]struct{}) int {
	n := 0
	for k := range tagged {
		if c.Contains(k) {
			n++
		}
	}
	return n
}

// Seed returns the seed the order was shuffled with.
func (o *Order) Seed() int64 {
	return o.seed
}

// Keys returns the keys in order. The slice is a copy.
func (o *Order) Keys() []string {
	return slices.Clone(o.keys)
}

// Position returns the index of key, or -1.
func (o *Order) Position(key string) int {
	if i, ok := o.position[key]; ok {
		return i
	}
	return -1
}

// Unseen returns the keys absent from tagged, in order.
func (o *Order) Unseen(tagged map[string]struct{}) []string {
	out := make([]string, 0, len(o.keys))
	for _, k := range o.keys {
		if _, done := tagged[k]; !done {
			out = append(out, k)
		}
	}
	return out
}
