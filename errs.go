package bptdb

import "errors"

var (
	// ErrBadMagic means the superblock does not carry the expected magic
	// or version; the file is not a database this package can open.
	ErrBadMagic = errors.New("bptdb: bad superblock magic or version")

	// ErrKeyTooLong is returned for keys longer than MaxKeyLen bytes.
	ErrKeyTooLong = errors.New("bptdb: key longer than 255 bytes")

	// ErrPoolExhausted means every pool segment was pinned when a miss
	// occurred. The caller must release latches and retry.
	ErrPoolExhausted = errors.New("bptdb: out of buffers")

	// ErrLatchExhausted means no idle latch table entry could be
	// reclaimed. This indicates resource mis-sizing and is fatal for
	// the operation.
	ErrLatchExhausted = errors.New("bptdb: latch table exhausted")

	// ErrTreeStruct is an impossible tree shape observed mid-descent:
	// a broken sibling chain or a level that does not match the drill.
	ErrTreeStruct = errors.New("bptdb: tree structure error")

	// ErrNotFound is the soft failure for deleting an absent key.
	ErrNotFound = errors.New("bptdb: key not found")
)
