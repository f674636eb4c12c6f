// Package transport hands shared memory regions to another process over a
// Unix domain socket. The descriptors travel as SCM_RIGHTS ancillary data
// next to a small header carrying the region's mode, GUID and size, and
// the receiving side re-validates them with shm.Take before use.
//
// The package is available on Unix systems only.
package transport
