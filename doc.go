// Package narrow provides Handle, an owning reference that stores a value of an open-ended type in a
// single machine word.
//
// A Go interface value or slice is a wide reference: an address plus a descriptor (an itab or type
// pointer, or a length). A Handle instead points at one heap block laid out as
//
//	[header: descriptor word][payload]
//
// and rebuilds the wide reference from the block whenever it is accessed. Slices of handles
// therefore cost one word per element where a slice of interfaces costs two.
//
// A Handle owns its block exclusively. Go has no destructors, so the owner calls Drop exactly once
// (usually with defer), or gives the block up through Unwrap, Erase, or a downcast. The consuming
// operations take a *Handle and zero it. Copying a Handle and dropping both copies is a double free.
//
// Blocks come from the process-wide alloc.Allocator installed with SetAllocator; by default blocks
// live on the garbage-collected heap.
package narrow
