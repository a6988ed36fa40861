package cop

import (
	"context"

	"github.com/squadron-ops/squadron/pkg/authority"
)

// Store is the contract both the in-memory picture and the durable SQLite
// picture satisfy. All writes are atomic with their audit entry; reads
// return a consistent snapshot and never block behind more than one
// in-flight transaction.
type Store interface {
	// Snapshot returns a point-in-time deep copy of the picture.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Apply authority-checks and executes one mutation. On denial the
	// state is untouched, a non-authorized audit entry is recorded, and a
	// CodeUnauthorized error is returned. On success the mutation and its
	// audit entry commit as one unit and the post-commit snapshot is
	// returned. Version conflicts surface as CodeConflict; the caller
	// re-reads and retries.
	Apply(ctx context.Context, role authority.Role, m Mutation) (*Snapshot, error)

	// RecordMessage mirrors a published bus message into the history log.
	RecordMessage(ctx context.Context, rec MessageRecord) error

	// MessageHistory returns up to limit records, newest first. A topic
	// filter of "" matches all topics.
	MessageHistory(ctx context.Context, topic string, limit int) ([]MessageRecord, error)

	// Close releases the backing resources.
	Close() error
}
