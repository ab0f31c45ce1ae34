// Package registry implements the live connection registry.
//
// Entries are spread over a fixed number of shards, each guarded by its own RWMutex, so
// scans hold at most one shard lock at a time and never stall writers on other shards.
// Every entry owns a delivery handle: a buffered event queue whose pushes are serialised
// per connection. Register returns a Stream over that queue; ending consumption of the
// stream removes the entry.
package registry
