// listing.go - Read-only note browsing endpoints.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// listNotesHandler handles GET /api/notes.
func (cfg Config) listNotesHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := notes.ListPublic(r.Context())
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}

// searchNotesHandler handles GET /api/notes/search?query=...
func (cfg Config) searchNotesHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if query == "" {
			http.Error(w, "query cannot be empty", http.StatusBadRequest)
			return
		}
		result, err := notes.Search(r.Context(), query)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}

// noteByIDHandler handles GET /api/notes/{id}.
func (cfg Config) noteByIDHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		note, ok := noteFromPath(w, r, notes)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(note)
	})
}

// noteFromPath resolves the {id} path segment to a public note, writing the
// error response itself when resolution fails.
func noteFromPath(w http.ResponseWriter, r *http.Request, notes *NoteStore) (*Note, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad note id", http.StatusBadRequest)
		return nil, false
	}

	note, err := notes.ByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return nil, false
	}

	if !note.IsPublic {
		viewer := UserFromContext(r.Context())
		if viewer == nil || viewer.ID != note.UploaderUserID {
			http.Error(w, "not found", http.StatusNotFound)
			return nil, false
		}
	}
	return note, true
}
