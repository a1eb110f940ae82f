// Package notes keeps note bodies in object storage while the note record
// stays in the database.
package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jdziat/durable-research/pkg/core"
)

// Blobs stores note bodies by key.
type Blobs interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Bucket() string
}

// Store is a core.NoteStore that writes note bodies to blobs and keeps an
// excerpt plus an s3://bucket/key reference in the wrapped store.
type Store struct {
	core.NoteStore
	blobs   Blobs
	prefix  string
	excerpt int
}

var _ core.NoteStore = (*Store)(nil)

// Wrap decorates next. prefix is prepended to every object key.
func Wrap(next core.NoteStore, blobs Blobs, prefix string) *Store {
	return &Store{NoteStore: next, blobs: blobs, prefix: strings.Trim(prefix, "/"), excerpt: 1000}
}

// Key returns the object key of a note body.
func (s *Store) Key(note *core.Note) string {
	key := fmt.Sprintf("%s/%s.md", note.UserID, note.ID)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

// CreateNote uploads the body, then records the note with an excerpt.
// The caller's note keeps its full content.
func (s *Store) CreateNote(ctx context.Context, note *core.Note) error {
	if note.ID == "" {
		return errors.New("notes: note id required")
	}
	key := s.Key(note)
	if err := s.blobs.Put(ctx, key, []byte(note.Content), "text/markdown; charset=utf-8"); err != nil {
		return fmt.Errorf("notes: upload %s: %w", key, err)
	}

	rec := *note
	rec.BodyRef = Ref(s.blobs.Bucket(), key)
	rec.Content = excerpt(note.Content, s.excerpt)
	if err := s.NoteStore.CreateNote(ctx, &rec); err != nil {
		return err
	}
	note.BodyRef = rec.BodyRef
	note.CreatedAt = rec.CreatedAt
	return nil
}

// GetNote loads the record and, when it references a body, the body.
// A body that cannot be read leaves the excerpt in place.
func (s *Store) GetNote(ctx context.Context, noteID string) (*core.Note, error) {
	note, err := s.NoteStore.GetNote(ctx, noteID)
	if err != nil || note == nil || note.BodyRef == "" {
		return note, err
	}
	bucket, key, ok := ParseRef(note.BodyRef)
	if !ok || bucket != s.blobs.Bucket() {
		return note, nil
	}
	body, err := s.blobs.Get(ctx, key)
	if err != nil {
		return note, fmt.Errorf("notes: download %s: %w", key, err)
	}
	note.Content = string(body)
	return note, nil
}

// Ref formats an object reference.
func Ref(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
