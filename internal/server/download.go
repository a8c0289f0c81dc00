// download.go - Streaming a stored note file back to the client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const downloadTimeout = 5 * time.Minute

// downloadHandler handles GET /api/notes/{id}/download.
func (cfg Config) downloadHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		note, ok := noteFromPath(w, r, notes)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), downloadTimeout)
		defer cancel()

		blob, size, err := notes.Blobs.Get(ctx, note.FileName())
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				// Row without a file: the invariant is broken. Flag it for
				// the operator instead of silently 404ing.
				reportInconsistency(RequestIDFromContext(r.Context()), note.ID.String(),
					errors.New("note row exists but blob is missing"))
				http.Error(w, "file unavailable", http.StatusConflict)
				return
			}
			http.Error(w, "storage error", http.StatusBadGateway)
			return
		}
		defer func() { _ = blob.Close() }()

		w.Header().Set("Content-Type", cfg.Upload.ContentType)
		if size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, note.FileName()))
		w.WriteHeader(http.StatusOK)

		_, _ = io.Copy(w, blob)
	})
}
