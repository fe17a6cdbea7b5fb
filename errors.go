package malloc

import "errors"

// These are sentinel values, not exception types — every mutating API
// returns a plain error.
var (
	// ErrOutOfMemory: the page mapper refused to grow, the descriptor pool
	// couldn't grow, or the metadata directory couldn't grow.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrInvalidArgument: request size overflows, or a bad alignment was
	// given to Memalign/PosixMemalign.
	ErrInvalidArgument = errors.New("malloc: invalid argument")

	// ErrCorruption is reported when a consistency check fails: a
	// hardening-mode guard canary mismatch, a directory insert that finds
	// the key already live, a failed unmap of an mmapped chunk, or a call
	// on an arena already marked unusable. A pointer the directory does
	// not know is reported by Free/Realloc as ErrInvalidArgument (or
	// ErrDoubleFree), not as ErrCorruption. Returning ErrCorruption does
	// not itself mark the arena corrupt; only Close does that.
	ErrCorruption = errors.New("malloc: heap corruption detected")

	// ErrDoubleFree is returned by Free when the directory still knows the
	// pointer but its chunk is already free (or its mmap entry is a
	// tombstone). It is a separate sentinel: errors.Is(ErrDoubleFree,
	// ErrCorruption) is false.
	ErrDoubleFree = errors.New("malloc: double free or invalid pointer")
)
