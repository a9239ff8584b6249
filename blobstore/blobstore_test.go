package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Add{
		Owner:       "alice",
		Filename:    "hello.txt",
		ContentType: "text/plain",
		CID:         "part1",
		Content:     bytes.NewReader([]byte("hello world")),
	})
	if err != nil {
		t.Fatal(err)
	}

	meta, rc, err := s.Get(ctx, "alice", id)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	if meta.Filename != "hello.txt" || meta.ContentType != "text/plain" || meta.CID != "part1" {
		t.Fatalf("meta = %+v", meta)
	}
	if meta.Size != 11 {
		t.Fatalf("Size = %d, want 11", meta.Size)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content = %q", got)
	}
}

func TestAddBase64Decoding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := []byte("the quick brown fox jumps over the lazy dog")
	encoded := base64.StdEncoding.EncodeToString(raw)

	id, err := s.Add(ctx, Add{
		Owner:       "bob",
		Filename:    "fox.txt",
		ContentType: "text/plain",
		Encoding:    "base64",
		Content:     bytes.NewReader([]byte(encoded)),
	})
	if err != nil {
		t.Fatal(err)
	}

	meta, rc, err := s.Get(ctx, "bob", id)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if meta.Size != int64(len(raw)) {
		t.Fatalf("Size = %d, want %d", meta.Size, len(raw))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("content = %q, want %q", got, raw)
	}
}

// TestAddMultiChunk pins the chunking behavior across a chunk-size
// boundary, using a small chunk size so the test doesn't need megabytes
// of content to exercise more than one chunk row.
func TestAddMultiChunk(t *testing.T) {
	s := openTestStore(t)
	s.chunkSize = 8
	ctx := context.Background()

	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz") // 37 bytes, 5 chunks of 8 + 1 of 5
	id, err := s.Add(ctx, Add{Owner: "carol", Filename: "f", ContentType: "application/octet-stream", Content: bytes.NewReader(content)})
	if err != nil {
		t.Fatal(err)
	}

	meta, rc, err := s.Get(ctx, "carol", id)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if meta.Size != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", meta.Size, len(content))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestGetOwnershipMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Add{Owner: "alice", Filename: "f", ContentType: "text/plain", Content: bytes.NewReader([]byte("x"))})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Get(ctx, "mallory", id); err != ErrNotFound {
		t.Fatalf("Get with wrong owner = %v, want ErrNotFound", err)
	}
}

func TestGetUnknownBlob(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Get(context.Background(), "alice", 99999); err != ErrNotFound {
		t.Fatalf("Get unknown blob = %v, want ErrNotFound", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Add{Owner: "alice", Filename: "f", ContentType: "text/plain", Content: bytes.NewReader([]byte("x"))})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "alice", id); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "alice", id); err != ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}

	var chunkCount int64
	conn := s.pool.Get(ctx)
	defer s.pool.Put(conn)
	stmt := conn.Prep("SELECT count(*) AS n FROM BlobChunks WHERE BlobID = $id;")
	stmt.SetInt64("$id", id)
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
	chunkCount = stmt.GetInt64("n")
	stmt.Reset()
	if chunkCount != 0 {
		t.Fatalf("chunk rows remain after delete: %d", chunkCount)
	}
}

func TestDeleteOwnershipMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Add{Owner: "alice", Filename: "f", ContentType: "text/plain", Content: bytes.NewReader([]byte("x"))})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "mallory", id); err != ErrNotFound {
		t.Fatalf("Delete with wrong owner = %v, want ErrNotFound", err)
	}

	if _, _, err := s.Get(ctx, "alice", id); err != nil {
		t.Fatalf("blob should survive a mismatched delete, got %v", err)
	}
}

func TestDeleteUnknownBlob(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete(context.Background(), "alice", 99999); err != ErrNotFound {
		t.Fatalf("Delete unknown blob = %v, want ErrNotFound", err)
	}
}
