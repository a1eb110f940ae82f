package notes

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/storage"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
	getErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Bucket() string { return "notes" }

func (m *memBlobs) Put(ctx context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = append([]byte(nil), body...)
	m.types[key] = contentType
	return nil
}

func (m *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

func newStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, storage.SQLitePool().Apply(db))
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	db := newStore(t)
	blobs := newMemBlobs()
	s := Wrap(db, blobs, "research/")
	ctx := context.Background()

	body := strings.Repeat("IIT Ropar findings. ", 200)
	note := &core.Note{ID: "note-1", UserID: "user-1", TaskID: "task-1", Title: "IIT Ropar", Content: body}
	require.NoError(t, s.CreateNote(ctx, note))

	assert.Equal(t, "s3://notes/research/user-1/note-1.md", note.BodyRef)
	assert.Equal(t, body, note.Content, "caller keeps the full body")
	assert.Equal(t, body, string(blobs.objects["research/user-1/note-1.md"]))
	assert.Equal(t, "text/markdown; charset=utf-8", blobs.types["research/user-1/note-1.md"])

	raw, err := db.GetNote(ctx, "note-1")
	require.NoError(t, err)
	assert.Len(t, []rune(raw.Content), 1001)
	assert.True(t, strings.HasSuffix(raw.Content, "…"))

	got, err := s.GetNote(ctx, "note-1")
	require.NoError(t, err)
	assert.Equal(t, body, got.Content)
}

func TestStore_UploadFailureWritesNothing(t *testing.T) {
	db := newStore(t)
	blobs := newMemBlobs()
	blobs.putErr = errors.New("bucket gone")
	s := Wrap(db, blobs, "")
	ctx := context.Background()

	err := s.CreateNote(ctx, &core.Note{ID: "note-1", UserID: "user-1", Content: "x"})
	assert.ErrorContains(t, err, "bucket gone")

	stored, err := db.GetNote(ctx, "note-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestStore_DownloadFailureKeepsExcerpt(t *testing.T) {
	db := newStore(t)
	blobs := newMemBlobs()
	s := Wrap(db, blobs, "")
	ctx := context.Background()
	require.NoError(t, s.CreateNote(ctx, &core.Note{ID: "note-1", UserID: "user-1", Content: "short body"}))

	blobs.getErr = errors.New("timeout")
	got, err := s.GetNote(ctx, "note-1")
	assert.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "short body", got.Content)
}

func TestStore_InlineNotesPassThrough(t *testing.T) {
	db := newStore(t)
	s := Wrap(db, newMemBlobs(), "")
	ctx := context.Background()
	require.NoError(t, db.CreateNote(ctx, &core.Note{ID: "note-2", Content: "inline"}))

	got, err := s.GetNote(ctx, "note-2")
	require.NoError(t, err)
	assert.Equal(t, "inline", got.Content)
	assert.Empty(t, got.BodyRef)
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://notes/a/b.md", "notes", "a/b.md", true},
		{"s3://notes/", "", "", false},
		{"s3://notes", "", "", false},
		{"https://notes/a", "", "", false},
	}
	for _, tt := range tests {
		b, k, ok := ParseRef(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		assert.Equal(t, tt.bucket, b, tt.ref)
		assert.Equal(t, tt.key, k, tt.ref)
	}
	bucket, key, ok := ParseRef(Ref("b", "k/1"))
	assert.True(t, ok)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "k/1", key)
}

// TestMinio runs against a real server when TEST_MINIO_ENDPOINT is set.
func TestMinio(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT not set")
	}
	blobs, err := NewMinio(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		Bucket:    "research-test",
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, blobs.EnsureBucket(ctx))

	key := "test/" + uuid.New().String() + ".md"
	require.NoError(t, blobs.Put(ctx, key, []byte("# hello"), "text/markdown"))
	got, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "# hello", string(got))
}

func TestNewMinio_RequiresBucket(t *testing.T) {
	_, err := NewMinio(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
