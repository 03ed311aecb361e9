// Package shm implements the versioned single-writer channel used between
// drivepipe processes.
//
// A channel is a file under a shared-memory directory (normally /dev/shm)
// mapped MAP_SHARED by one writer and any number of readers. It always holds
// exactly one value, the latest. Each write bumps a version counter; a reader
// remembers the last version it saw and is told when nothing newer exists.
//
// Region layout, every word a native-endian uint64:
//
//	word 0      magic, written last during initialisation
//	word 1      payload capacity in bytes
//	word 2      sequence counter, odd while a write is in progress
//	word 3      version of the stored payload (0 = never written)
//	word 4      payload length
//	word 5      flags (bit 0: closed)
//	word 6..7   wait policy kind and count
//	word 8      writer pid
//	word 16..   reader slots, three words each: state, pid, acknowledged version
//	byte 1024.. payload
//
// Readers copy (version, length, payload) between two loads of the sequence
// counter and retry when the counter moved, so a reader never observes a
// partially written value.
package shm
