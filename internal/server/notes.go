// notes.go - Note records and the two-store commit.
//
// A note is one row plus one file, and the two must exist together or not at
// all. The relational side can roll back and the file side cannot, so the
// commit order is fixed: open the transaction, insert the row, write the file,
// and only then commit. A file-write failure rolls the transaction back; a
// commit failure deletes the just-written file. No other ordering preserves
// the invariant under a single fault.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrUploadFailed is the storage-fault result of a commit attempt. The caller
// can retry the whole upload; nothing partial is left behind.
var ErrUploadFailed = errors.New("upload failed")

// ErrNoteNotFound is returned by note lookups when no row matches.
var ErrNoteNotFound = errors.New("note not found")

// noteFileExt is the fixed extension for stored note files. Only one content
// type is accepted for upload, so the extension never varies.
const noteFileExt = ".pdf"

// commitTimeout bounds the transaction plus file write. A stuck blob backend
// surfaces as ErrUploadFailed, never as a hang.
const commitTimeout = 2 * time.Minute

// Note is the persisted metadata of an uploaded file.
type Note struct {
	ID              uuid.UUID `json:"id"`
	CourseName      string    `json:"course_name"`
	CourseCode      string    `json:"course_code"`
	Description     *string   `json:"description,omitempty"`
	ProfessorNames  []string  `json:"professor_names,omitempty"`
	Tags            []string  `json:"tags"`
	IsPublic        bool      `json:"is_public"`
	HasPreviewImage bool      `json:"has_preview_image"`
	UploaderUserID  uuid.UUID `json:"uploader_user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// FileName returns the durable blob name for this note, derived from the
// generated id and decoupled from whatever filename the client sent.
func (n *Note) FileName() string {
	return n.ID.String() + noteFileExt
}

// NoteDraft holds a validated upload for the duration of one request.
type NoteDraft struct {
	CourseName     string
	CourseCode     string
	Description    string
	ProfessorNames []string
	Tags           []string
	FileBytes      []byte
	ContentType    string
	Uploader       *User
}

// NoteStore owns note rows and note blobs; nothing else writes either.
type NoteStore struct {
	DB    *sql.DB
	Blobs BlobStore
}

const noteColumns = `id, course_name, course_code, description, professor_names,
	tags, is_public, has_preview_image, uploader_user_id, created_at`

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.CourseName, &n.CourseCode, &n.Description,
		pq.Array(&n.ProfessorNames), pq.Array(&n.Tags), &n.IsPublic,
		&n.HasPreviewImage, &n.UploaderUserID, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Commit persists a draft as a row plus a file. See the package comment on
// ordering. The work runs under its own deadline detached from the client
// connection, so a mid-upload disconnect still resolves to a clean commit or
// a clean rollback.
func (s *NoteStore) Commit(ctx context.Context, draft *NoteDraft) (*Note, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	rid := RequestIDFromContext(ctx)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUploadFailed, err)
	}
	// No-op once committed; releases the row on every early exit path.
	defer func() { _ = tx.Rollback() }()

	var description sql.NullString
	if draft.Description != "" {
		description = sql.NullString{String: draft.Description, Valid: true}
	}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO notes (course_name, course_code, description, professor_names, tags, uploader_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+noteColumns,
		draft.CourseName, draft.CourseCode, description,
		pq.Array(draft.ProfessorNames), pq.Array(draft.Tags), draft.Uploader.ID)

	note, err := scanNote(row)
	if err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ErrUploadFailed, err)
	}

	// The row is pending inside the open transaction; the file write is the
	// irreversible step and must come before the commit that exposes the row.
	if err := s.Blobs.Put(ctx, note.FileName(), draft.ContentType, draft.FileBytes); err != nil {
		return nil, fmt.Errorf("%w: write file: %v", ErrUploadFailed, err)
	}

	if err := tx.Commit(); err != nil {
		// The file is durable but the row is gone. Compensate by deleting the
		// file; if even that fails the invariant is broken and the sweep has
		// to pick it up.
		if delErr := s.Blobs.Delete(context.WithoutCancel(ctx), note.FileName()); delErr != nil {
			reportInconsistency(rid, note.ID.String(),
				fmt.Errorf("commit failed (%v) and compensating delete failed: %w", err, delErr))
		}
		return nil, fmt.Errorf("%w: commit: %v", ErrUploadFailed, err)
	}

	return note, nil
}

// ListPublic returns all public notes, newest first.
func (s *NoteStore) ListPublic(ctx context.Context) ([]*Note, error) {
	return s.queryNotes(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE is_public ORDER BY created_at DESC`)
}

// Search matches the query against course name, course code and tags.
func (s *NoteStore) Search(ctx context.Context, query string) ([]*Note, error) {
	pattern := "%" + query + "%"
	return s.queryNotes(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE is_public
		   AND (course_name ILIKE $1 OR course_code ILIKE $1 OR $2 = ANY(tags))
		 ORDER BY created_at DESC`,
		pattern, query)
}

// ByID fetches a single note.
func (s *NoteStore) ByID(ctx context.Context, id uuid.UUID) (*Note, error) {
	note, err := scanNote(s.DB.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, err
	}
	return note, nil
}

func (s *NoteStore) queryNotes(ctx context.Context, query string, args ...any) ([]*Note, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	notes := make([]*Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
