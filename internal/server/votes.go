// votes.go - Voting on notes and uploader reputation.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// voteHandler handles POST /api/notes/{id}/vote with {"vote_type": "upvote"}
// or "downvote". Voting again with the same direction is a no-op; switching
// direction replaces the previous vote.
func (cfg Config) voteHandler(notes *NoteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		note, ok := noteFromPath(w, r, notes)
		if !ok {
			return
		}

		var body struct {
			VoteType string `json:"vote_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body.VoteType != "upvote" && body.VoteType != "downvote" {
			http.Error(w, "vote_type must be upvote or downvote", http.StatusBadRequest)
			return
		}

		voter := UserFromContext(r.Context())
		if err := castVote(r.Context(), cfg.DB, voter.ID, note.ID, body.VoteType); err != nil {
			DefaultLogger.Error("vote_failed", map[string]any{
				"rid":     RequestIDFromContext(r.Context()),
				"note_id": note.ID.String(),
			}, err)
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
}

// castVote runs the whole vote as one transaction: drop the opposite vote,
// insert the new one if absent, and adjust the uploader's reputation by the
// number of rows that actually changed.
func castVote(ctx context.Context, db *sql.DB, userID, noteID uuid.UUID, voteType string) error {
	opposite := "downvote"
	delta := 1
	if voteType == "downvote" {
		opposite = "upvote"
		delta = -1
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := tx.ExecContext(ctx,
		`DELETE FROM votes WHERE user_id = $1 AND note_id = $2 AND vote_type = $3`,
		userID, noteID, opposite)
	if err != nil {
		return err
	}

	inserted, err := tx.ExecContext(ctx,
		`INSERT INTO votes (user_id, note_id, vote_type) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, note_id) DO NOTHING`,
		userID, noteID, voteType)
	if err != nil {
		return err
	}

	insertedRows, _ := inserted.RowsAffected()
	removedRows, _ := removed.RowsAffected()
	if insertedRows == 0 {
		// Same-direction repeat: nothing changed, reputation stays put.
		return tx.Commit()
	}

	// A flipped vote moves reputation two steps (undo + apply).
	steps := delta * int(1+removedRows)
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET reputation = reputation + $1
		 WHERE id = (SELECT uploader_user_id FROM notes WHERE id = $2)`,
		steps, noteID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vote: %w", err)
	}
	return nil
}
