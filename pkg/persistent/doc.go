// Package persistent implements a lock-free allocator over a fixed segment
// of memory that may be shared between processes or backed by a file.
//
// Blocks are addressed by Reference, an offset into the segment, and are
// never freed. A writer reserves a block, fills it, and then publishes it
// by giving it a type and appending it to the iterable list:
//
//	ref := a.Reserve(size)
//	copy(a.GetBlockData(ref, persistent.TypeIDAny, size), payload)
//	a.Publish(ref, recordType)
//
// Readers in any process walk the list with an Iterator and skip blocks
// whose type they do not know. Every access validates the block it touches,
// so a damaged or hostile segment marks the allocator corrupt instead of
// crashing the reader.
package persistent
