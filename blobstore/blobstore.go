// Package blobstore implements the JMAP blob facade (spec §4.I): a
// per-owner content-addressable store for upload attachments, backed by
// SQLite the same way spillbox stores message part content, but split
// across fixed-size chunk rows so a large upload never has to sit in
// memory whole.
package blobstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// DefaultChunkSize is the size spec §4.I names for streaming a base64
// upload into storage.
const DefaultChunkSize = 255 * 1024

const createSQL = `
CREATE TABLE IF NOT EXISTS Blobs (
	BlobID      INTEGER PRIMARY KEY,
	Owner       TEXT NOT NULL,
	Filename    TEXT NOT NULL,
	ContentType TEXT NOT NULL,
	CID         TEXT,
	Size        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS BlobChunks (
	BlobID   INTEGER NOT NULL,
	ChunkNum INTEGER NOT NULL,
	Content  BLOB NOT NULL,
	PRIMARY KEY (BlobID, ChunkNum)
) WITHOUT ROWID;
`

// ErrNotFound is returned by Get/Delete when blobId doesn't exist, or
// exists but is owned by a different owner — the two cases are
// indistinguishable to the caller by design, matching spec's "ownership
// check before reading... NotFound on mismatch."
var ErrNotFound = errors.New("blobstore: blob not found")

// Meta is a blob's metadata, returned alongside its content by Get.
type Meta struct {
	Filename    string
	ContentType string
	CID         string
	Size        int64
}

// Add is the input to Store.Add: a new upload to persist.
type Add struct {
	Owner       string
	Filename    string
	ContentType string
	CID         string

	// Encoding is "base64" when Content is base64 text that must be
	// decoded while streaming into storage, or "" for raw bytes.
	Encoding string
	Content  io.Reader
}

// Store is a SQLite-backed blobstore. The zero value is not ready to
// use; construct via Open.
type Store struct {
	pool      *sqlitex.Pool
	chunkSize int
}

// Open attaches (creating if necessary) the blob database at path and
// returns a ready Store. poolSize mirrors spillbox's pooled-connection
// convention.
func Open(path string, poolSize int) (*Store, error) {
	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE |
		sqlite.SQLITE_OPEN_WAL | sqlite.SQLITE_OPEN_NOMUTEX
	pool, err := sqlitex.Open(path, flags, poolSize)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	conn := pool.Get(nil)
	if conn == nil {
		pool.Close()
		return nil, fmt.Errorf("blobstore: open %s: no connection", path)
	}
	err = sqlitex.ExecScript(conn, createSQL)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("blobstore: init schema: %w", err)
	}
	return &Store{pool: pool, chunkSize: DefaultChunkSize}, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

// Add streams in.Content (base64-decoding first if in.Encoding is
// "base64") into a fresh blob row plus its chunk rows, at most
// chunkSize bytes apiece, and returns the new blob's id.
func (s *Store) Add(ctx context.Context, in Add) (blobID int64, err error) {
	if in.Owner == "" {
		return 0, fmt.Errorf("blobstore: add: owner required")
	}

	r := in.Content
	if in.Encoding == "base64" {
		r = base64.NewDecoder(base64.StdEncoding, r)
	}

	conn := s.pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.pool.Put(conn)

	endFn := sqlitex.Save(conn)
	defer endFn(&err)

	stmt := conn.Prep(`INSERT INTO Blobs (Owner, Filename, ContentType, CID, Size) VALUES ($owner, $filename, $contentType, $cid, 0);`)
	stmt.SetText("$owner", in.Owner)
	stmt.SetText("$filename", in.Filename)
	stmt.SetText("$contentType", in.ContentType)
	if in.CID != "" {
		stmt.SetText("$cid", in.CID)
	} else {
		stmt.SetNull("$cid")
	}
	if _, err = stmt.Step(); err != nil {
		return 0, fmt.Errorf("blobstore: insert blob row: %w", err)
	}
	blobID = conn.LastInsertRowID()

	buf := make([]byte, s.chunkSize)
	var total int64
	for chunkNum := int64(0); ; chunkNum++ {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if werr := insertChunk(conn, blobID, chunkNum, buf[:n]); werr != nil {
				return 0, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return 0, fmt.Errorf("blobstore: read content: %w", rerr)
		}
	}

	upd := conn.Prep(`UPDATE Blobs SET Size = $size WHERE BlobID = $blobID;`)
	upd.SetInt64("$size", total)
	upd.SetInt64("$blobID", blobID)
	if _, err = upd.Step(); err != nil {
		return 0, fmt.Errorf("blobstore: finalize size: %w", err)
	}
	return blobID, nil
}

func insertChunk(conn *sqlite.Conn, blobID, chunkNum int64, content []byte) error {
	stmt := conn.Prep(`INSERT INTO BlobChunks (BlobID, ChunkNum, Content) VALUES ($blobID, $chunkNum, $content);`)
	stmt.SetInt64("$blobID", blobID)
	stmt.SetInt64("$chunkNum", chunkNum)
	stmt.SetBytes("$content", content)
	_, err := stmt.Step()
	if err != nil {
		return fmt.Errorf("blobstore: insert chunk %d: %w", chunkNum, err)
	}
	return nil
}

// Get returns blobId's metadata plus a reader over its content, in
// chunk order, provided owner matches the blob's recorded owner.
func (s *Store) Get(ctx context.Context, owner string, blobID int64) (Meta, io.ReadCloser, error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return Meta{}, nil, ctx.Err()
	}

	meta, ok, err := lookupMeta(conn, owner, blobID)
	if err != nil {
		s.pool.Put(conn)
		return Meta{}, nil, err
	}
	if !ok {
		s.pool.Put(conn)
		return Meta{}, nil, ErrNotFound
	}

	return meta, &chunkReader{pool: s.pool, conn: conn, blobID: blobID}, nil
}

func lookupMeta(conn *sqlite.Conn, owner string, blobID int64) (Meta, bool, error) {
	stmt := conn.Prep(`SELECT Owner, Filename, ContentType, CID, Size FROM Blobs WHERE BlobID = $blobID;`)
	stmt.SetInt64("$blobID", blobID)
	hasRow, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return Meta{}, false, fmt.Errorf("blobstore: lookup %d: %w", blobID, err)
	}
	if !hasRow {
		stmt.Reset()
		return Meta{}, false, nil
	}
	gotOwner := stmt.GetText("Owner")
	meta := Meta{
		Filename:    stmt.GetText("Filename"),
		ContentType: stmt.GetText("ContentType"),
		CID:         stmt.GetText("CID"),
		Size:        stmt.GetInt64("Size"),
	}
	stmt.Reset()
	if gotOwner != owner {
		return Meta{}, false, nil
	}
	return meta, true, nil
}

// Delete removes blobId's metadata and chunk rows, provided owner
// matches. The two deletes run inside one transaction so a crash
// between them never leaves orphaned chunk rows.
func (s *Store) Delete(ctx context.Context, owner string, blobID int64) (err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)

	meta, ok, err := lookupMeta(conn, owner, blobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	_ = meta

	endFn := sqlitex.Save(conn)
	defer endFn(&err)

	del := conn.Prep(`DELETE FROM BlobChunks WHERE BlobID = $blobID;`)
	del.SetInt64("$blobID", blobID)
	if _, err = del.Step(); err != nil {
		return fmt.Errorf("blobstore: delete chunks for %d: %w", blobID, err)
	}

	del2 := conn.Prep(`DELETE FROM Blobs WHERE BlobID = $blobID;`)
	del2.SetInt64("$blobID", blobID)
	if _, err = del2.Step(); err != nil {
		return fmt.Errorf("blobstore: delete blob %d: %w", blobID, err)
	}
	return nil
}

// chunkReader streams a blob's chunk rows out in order. It holds its
// own pooled connection (separate from any caller transaction) for the
// lifetime of the read, released on Close.
type chunkReader struct {
	pool   *sqlitex.Pool
	conn   *sqlite.Conn
	blobID int64

	chunkNum int64
	buf      []byte
	closed   bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.closed {
			return 0, io.EOF
		}
		chunk, ok, err := r.nextChunk()
		if err != nil {
			return 0, err
		}
		if !ok {
			r.closed = true
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) nextChunk() ([]byte, bool, error) {
	stmt := r.conn.Prep(`SELECT Content FROM BlobChunks WHERE BlobID = $blobID AND ChunkNum = $chunkNum;`)
	stmt.SetInt64("$blobID", r.blobID)
	stmt.SetInt64("$chunkNum", r.chunkNum)
	hasRow, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return nil, false, fmt.Errorf("blobstore: read chunk %d: %w", r.chunkNum, err)
	}
	if !hasRow {
		stmt.Reset()
		return nil, false, nil
	}
	n := stmt.GetLen("Content")
	content := make([]byte, n)
	stmt.GetBytes("Content", content)
	stmt.Reset()
	r.chunkNum++
	return content, true, nil
}

func (r *chunkReader) Close() error {
	if r.conn != nil {
		r.pool.Put(r.conn)
		r.conn = nil
	}
	return nil
}
