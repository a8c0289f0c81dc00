// upload.go - Multipart ingestion and validation for new notes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// Malformed-input failure modes for uploads. These are client errors with a
// human-readable reason, never logged as server faults.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// UploadConfig carries the operator-facing upload limits.
type UploadConfig struct {
	// MaxBytes is the upload ceiling. Exposed to operators as CN_MAX_UPLOAD_MB.
	MaxBytes int64
	// ContentType is the single accepted file content type.
	ContentType string
}

// uploadHandler handles POST /api/notes/upload. The form carries course_name,
// course_code, optional description, optional professor_names and tags (both
// comma-separated), and the file part. Authentication is enforced by the
// requireUser gate in front of this handler.
func (cfg Config) uploadHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hard stop a little above the ceiling so field overhead does not
		// trip it; the per-file check below reports the precise limit.
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Upload.MaxBytes+64*1024)

		draft, err := readNoteDraft(r, cfg.Upload)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		draft.Uploader = UserFromContext(r.Context())

		note, err := notes.Commit(r.Context(), draft)
		if err != nil {
			DefaultLogger.Error("note_commit_failed", map[string]any{
				"rid": RequestIDFromContext(r.Context()),
			}, err)
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(note)
	})
}

// readNoteDraft parses and validates the multipart form. It has no side
// effects: nothing touches either store until the draft is fully valid.
func readNoteDraft(r *http.Request, cfg UploadConfig) (*NoteDraft, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: not a multipart request", ErrInvalidInput)
	}

	draft := &NoteDraft{Tags: []string{}}
	haveFile := false

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad multipart body", ErrInvalidInput)
		}

		if part.FormName() == "file" {
			// The ceiling is enforced while buffering: reading stops one byte
			// past the limit instead of swallowing an arbitrarily large body.
			data, err := io.ReadAll(io.LimitReader(part, cfg.MaxBytes+1))
			_ = part.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: reading file part", ErrInvalidInput)
			}
			if int64(len(data)) > cfg.MaxBytes {
				return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, cfg.MaxBytes)
			}

			contentType := part.Header.Get("Content-Type")
			if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
				contentType = mediaType
			}
			if !strings.EqualFold(contentType, cfg.ContentType) {
				return nil, fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedType, contentType, cfg.ContentType)
			}

			draft.FileBytes = data
			draft.ContentType = cfg.ContentType
			haveFile = true
			continue
		}

		value, err := readTextField(part)
		if err != nil {
			return nil, err
		}

		switch part.FormName() {
		case "course_name":
			draft.CourseName = value
		case "course_code":
			draft.CourseCode = value
		case "description":
			draft.Description = value
		case "professor_names":
			draft.ProfessorNames = splitCommaList(value)
		case "tags":
			draft.Tags = splitCommaList(value)
		}
	}

	switch {
	case draft.CourseName == "":
		return nil, fmt.Errorf("%w: course_name is required", ErrInvalidInput)
	case draft.CourseCode == "":
		return nil, fmt.Errorf("%w: course_code is required", ErrInvalidInput)
	case !haveFile:
		return nil, fmt.Errorf("%w: file is required", ErrInvalidInput)
	case len(draft.FileBytes) == 0:
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	return draft, nil
}

// maxTextFieldBytes bounds the non-file form fields.
const maxTextFieldBytes = 8 * 1024

func readTextField(part *multipart.Part) (string, error) {
	defer func() { _ = part.Close() }()
	data, err := io.ReadAll(io.LimitReader(part, maxTextFieldBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading field %q", ErrInvalidInput, part.FormName())
	}
	return strings.TrimSpace(string(data)), nil
}

// splitCommaList turns "a, b,c" into ["a" "b" "c"], dropping empties.
func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeUploadError maps validation failures to client responses.
func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrUnsupportedType):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
