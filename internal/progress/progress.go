// Package progress turns the final read position of a stream into a stored
// playback progress record, off the request path.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/mpvserve/mpvserve/internal/database"
)

// Finder looks up a progress record by key.
// Implementations return database.ErrNotFound when the key is unknown.
type Finder interface {
	FindByKey(ctx context.Context, key string) (*database.ProgressRecord, error)
}

// Store is the keyed storage the persister converges into.
// Insert reports an existing key with database.ErrDuplicateKey, Update reports
// a missing key with database.ErrNotFound.
type Store interface {
	Finder
	Insert(ctx context.Context, rec *database.ProgressRecord) error
	Update(ctx context.Context, rec *database.ProgressRecord) error
}

// Snapshot is the state of a stream captured when it is closed.
type Snapshot struct {
	Key        string
	LastOffset int64
	FileLength int64
}

// UpsertResult tells which branch of Upsert stored the snapshot.
type UpsertResult string

const (
	Inserted UpsertResult = "inserted"
	Updated  UpsertResult = "updated"
)

// Upsert stores snap under its key, stamped with now.
// It tries an insert first and falls back to find-then-update when the key is
// taken. The stored file length is kept on the update path. A record that
// disappears between the failed insert and the lookup is reported as an error;
// there is no retry.
func Upsert(ctx context.Context, store Store, snap Snapshot, now time.Time) (UpsertResult, error) {
	rec := &database.ProgressRecord{
		Path:             snap.Key,
		LastTimestamp:    now.Unix(),
		LastFilePosition: snap.LastOffset,
		FileLength:       snap.FileLength,
	}

	err := store.Insert(ctx, rec)
	if err == nil {
		return Inserted, nil
	}
	if !errors.Is(err, database.ErrDuplicateKey) {
		return "", fmt.Errorf("insert progress: %w", err)
	}

	existing, err := store.FindByKey(ctx, snap.Key)
	if err != nil {
		return "", fmt.Errorf("find progress after insert conflict: %w", err)
	}

	var updated database.ProgressRecord
	if err := copier.Copy(&updated, existing); err != nil {
		return "", fmt.Errorf("copy progress record: %w", err)
	}
	updated.LastTimestamp = rec.LastTimestamp
	updated.LastFilePosition = rec.LastFilePosition

	if err := store.Update(ctx, &updated); err != nil {
		return "", fmt.Errorf("update progress after insert conflict: %w", err)
	}

	return Updated, nil
}

// Percentage returns how much of a file has been watched, floored, in 0..100.
// An empty file counts as 0%.
func Percentage(position, length int64) int {
	if length <= 0 || position <= 0 {
		return 0
	}
	pct := position * 100 / length
	if pct > 100 {
		return 100
	}
	return int(pct)
}
