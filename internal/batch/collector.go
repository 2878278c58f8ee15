// Package batch accumulates owners whose lazy associations have been touched
// during a unit of work, so they can be resolved with one bulk fetch per chunk.
package batch

import (
	"sort"
	"sync"

	"lazybatch/internal/schema"
)

// Batch is a drained set of owners for one association.
type Batch struct {
	Association *schema.Association
	// Width is the chunk width that governed this batch.
	Width int
	// Keys are the distinct owner join keys in registration order.
	Keys []schema.Key
	// Owners maps a canonical join key to every owner registered under it.
	Owners map[string][]schema.EntityRef
	// Chunks partitions Keys into slices of at most Width keys.
	Chunks [][]schema.Key
}

// OwnerRefs returns every owner in the batch in registration order.
func (b *Batch) OwnerRefs() []schema.EntityRef {
	refs := make([]schema.EntityRef, 0, len(b.Keys))
	for _, key := range b.Keys {
		refs = append(refs, b.Owners[key.Canonical()]...)
	}
	return refs
}

// OwnerCount returns the number of owners in the batch.
func (b *Batch) OwnerCount() int {
	n := 0
	for _, owners := range b.Owners {
		n += len(owners)
	}
	return n
}

type pendingBatch struct {
	assoc  *schema.Association
	width  int
	keys   []schema.Key
	owners map[string][]schema.EntityRef
	// seen maps each registered owner to its canonical join key.
	seen   map[schema.EntityRef]string
}

// Collector holds the pending batches of one unit of work.
type Collector struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{pending: make(map[string]*pendingBatch)}
}

// Register adds owner to the pending batch of assoc. It returns false, and
// changes nothing, when the owner is already pending for assoc.
//
// The width of the first registration of a pending batch governs the whole
// batch; widths passed by later registrations are ignored until it drains.
func (c *Collector) Register(owner schema.EntityRef, joinKey schema.Key, assoc *schema.Association, width int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := assoc.ID()
	pb, ok := c.pending[id]
	if !ok {
		pb = &pendingBatch{
			assoc:  assoc,
			width:  width,
			owners: make(map[string][]schema.EntityRef),
			seen:   make(map[schema.EntityRef]string),
		}
		c.pending[id] = pb
	}
	if _, dup := pb.seen[owner]; dup {
		return false
	}
	canonical := joinKey.Canonical()
	pb.seen[owner] = canonical
	if _, known := pb.owners[canonical]; !known {
		pb.keys = append(pb.keys, joinKey)
	}
	pb.owners[canonical] = append(pb.owners[canonical], owner)
	return true
}

// Unregister removes owner from the pending batch of assoc and reports
// whether it was there. A join key left without owners is dropped, so it is
// never fetched.
func (c *Collector) Unregister(owner schema.EntityRef, assoc *schema.Association) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pb, ok := c.pending[assoc.ID()]
	if !ok {
		return false
	}
	canonical, ok := pb.seen[owner]
	if !ok {
		return false
	}
	delete(pb.seen, owner)

	owners := pb.owners[canonical]
	for i, ref := range owners {
		if ref == owner {
			owners = append(owners[:i:i], owners[i+1:]...)
			break
		}
	}
	if len(owners) > 0 {
		pb.owners[canonical] = owners
		return true
	}
	delete(pb.owners, canonical)
	for i, key := range pb.keys {
		if key.Canonical() == canonical {
			pb.keys = append(pb.keys[:i:i], pb.keys[i+1:]...)
			break
		}
	}
	if len(pb.keys) == 0 {
		delete(c.pending, assoc.ID())
	}
	return true
}

// Drain removes and returns the pending batch of assoc, or nil if nothing is
// pending. Registrations racing with Drain land either in the returned batch
// or in a fresh one; none are lost.
func (c *Collector) Drain(assoc *schema.Association) *Batch {
	c.mu.Lock()
	pb, ok := c.pending[assoc.ID()]
	if ok {
		delete(c.pending, assoc.ID())
	}
	c.mu.Unlock()

	if !ok || len(pb.keys) == 0 {
		return nil
	}
	return &Batch{
		Association: pb.assoc,
		Width:       pb.width,
		Keys:        pb.keys,
		Owners:      pb.owners,
		Chunks:      Chunk(pb.keys, pb.width),
	}
}

// Pending returns the number of owners waiting for assoc.
func (c *Collector) Pending(assoc *schema.Association) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pb, ok := c.pending[assoc.ID()]; ok {
		return len(pb.seen)
	}
	return 0
}

// PendingAssociations returns the associations with pending owners, sorted by ID.
func (c *Collector) PendingAssociations() []*schema.Association {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*schema.Association, 0, len(c.pending))
	for _, pb := range c.pending {
		out = append(out, pb.assoc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Reset drops every pending batch.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = make(map[string]*pendingBatch)
}

// Chunk partitions keys into slices of at most width keys. A non-positive width
// yields a single chunk.
func Chunk(keys []schema.Key, width int) [][]schema.Key {
	if len(keys) == 0 {
		return nil
	}
	if width <= 0 || len(keys) <= width {
		return [][]schema.Key{keys}
	}
	chunks := make([][]schema.Key, 0, (len(keys)+width-1)/width)
	for start := 0; start < len(keys); start += width {
		end := start + width
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}

// QueriesSaved compares one query per owner with one query per chunk.
func QueriesSaved(ownerCount, chunkCount int) int64 {
	if ownerCount <= 0 || chunkCount <= 0 {
		return 0
	}
	if saved := ownerCount - chunkCount; saved > 0 {
		return int64(saved)
	}
	return 0
}
