package store

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTurn is returned when an exchange write collides with an
	// already persisted (chat_key, turn, role) row, i.e. a replayed job.
	ErrDuplicateTurn = errors.New("duplicate turn")
	// ErrVectorUnsupported is returned by drivers that cannot run
	// embedding similarity queries.
	ErrVectorUnsupported = errors.New("vector search unsupported by driver")
)
