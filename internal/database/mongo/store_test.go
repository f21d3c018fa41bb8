package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mpvserve/mpvserve/internal/database"
)

func TestRecordDocRoundTrip(t *testing.T) {
	rec := &database.ProgressRecord{Path: "a.mkv?u", LastTimestamp: 10, LastFilePosition: 20, FileLength: 30}

	doc := recordToDoc(rec)
	assert.Equal(t, "a.mkv?u", doc.Path)
	assert.Equal(t, rec, docToRecord(doc))
}

// testMongoURI defaults to localhost; set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri, options.Client().SetConnectTimeout(3*time.Second).SetServerSelectionTimeout(3*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("mpvserve_test_%d", time.Now().UnixNano())
	store := NewStore(client, dbName)
	require.NoError(t, store.EnsureIndexes(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return store
}

func TestStore_Integration(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.FindByKey(ctx, "a.mkv?u")
	assert.ErrorIs(t, err, database.ErrNotFound)

	rec := &database.ProgressRecord{Path: "a.mkv?u", LastTimestamp: 1, LastFilePosition: 100, FileLength: 1000}
	require.NoError(t, store.Insert(ctx, rec))
	assert.ErrorIs(t, store.Insert(ctx, rec), database.ErrDuplicateKey)

	rec.LastFilePosition = 500
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.FindByKey(ctx, "a.mkv?u")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.LastFilePosition)

	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	require.NoError(t, store.Delete(ctx, "a.mkv?u"))
	assert.ErrorIs(t, store.Update(ctx, rec), database.ErrNotFound)
}
