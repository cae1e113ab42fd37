// Package engine implements the shared KeyMesh keyspace.
//
// One Engine instance is shared by every connection for the lifetime of
// the process. It stores scalar values and hash (field-map) values,
// tracks per-key expiration deadlines, and maintains the pub/sub channel
// registry. All state is guarded by a single mutex; every public
// operation acquires it for the duration of that call only, so no caller
// can hold the engine across a socket wait.
//
// Expired keys are purged two ways: lazily, on any read or write that
// touches the key, and proactively, by a background reaper goroutine
// that sleeps until the earliest remaining deadline. Correctness never
// depends on the reaper; the lazy check alone guarantees that an expired
// key is not visible.
package engine
