package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"
)

// BuildInfo identifies the running binary in health responses and logs.
type BuildInfo struct {
	Version string
	Commit  string
}

// Config wires every component of the backend together.
type Config struct {
	Addr   string // e.g. ":8080"
	Build  BuildInfo
	Auth   AuthConfig
	Upload UploadConfig
	DB     *sql.DB
	Blobs  BlobStore
}

type Server struct {
	httpServer *http.Server
}

// New assembles the route table and middleware chain.
func New(cfg Config) *Server {
	notes := &NoteStore{DB: cfg.DB, Blobs: cfg.Blobs}
	auth := cfg.Auth

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", cfg.healthHandler())

	// Public routes.
	mux.Handle("POST /api/auth/google", auth.loginHandler())
	mux.Handle("POST /api/auth/logout", auth.logoutHandler())

	// Routes that personalise when a session is present but never require one.
	mux.Handle("GET /api/notes", auth.optionalUser(cfg.listNotesHandler(notes)))
	mux.Handle("GET /api/notes/search", auth.optionalUser(cfg.searchNotesHandler(notes)))
	mux.Handle("GET /api/notes/{id}", auth.optionalUser(cfg.noteByIDHandler(notes)))
	mux.Handle("GET /api/notes/{id}/download", auth.optionalUser(cfg.downloadHandler(notes)))

	// Routes behind the required gate.
	mux.Handle("GET /api/auth/me", auth.requireUser(auth.meHandler()))
	mux.Handle("POST /api/notes/upload", auth.requireUser(cfg.uploadHandler(notes)))
	mux.Handle("POST /api/notes/{id}/vote", auth.requireUser(cfg.voteHandler(notes)))

	// Wrap middleware: requestID -> logging -> security -> cors -> mux
	var handler http.Handler = mux
	handler = corsMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{httpServer: s}
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
