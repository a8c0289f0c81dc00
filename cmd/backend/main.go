package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"campus-notes/internal/db"
	"campus-notes/internal/server"
)

func main() {
	addr := getenvDefault("CN_ADDR", ":8080")

	build := server.BuildInfo{
		Version: getenvDefault("CN_VERSION", "dev"),
		Commit:  getenvDefault("CN_COMMIT", "unknown"),
	}

	audience := os.Getenv("CN_GOOGLE_AUDIENCE")
	sessionSecret := os.Getenv("CN_SESSION_SECRET")

	// Safety: refuse to start if secrets are missing.
	if audience == "" || sessionSecret == "" {
		log.Printf("service=backend msg=%q", "missing CN_GOOGLE_AUDIENCE or CN_SESSION_SECRET")
		os.Exit(1)
	}

	sessionTTL := 72 * time.Hour
	if v := os.Getenv("CN_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "bad CN_SESSION_TTL", err)
			os.Exit(1)
		}
		sessionTTL = d
	}

	maxUploadMB := int64(32)
	if v := os.Getenv("CN_MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			log.Printf("service=backend msg=%q", "bad CN_MAX_UPLOAD_MB")
			os.Exit(1)
		}
		maxUploadMB = n
	}

	// Database
	dbConn, err := server.OpenDB(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "db_connect_failed", err)
		os.Exit(1)
	}
	defer func() { _ = dbConn.Close() }()

	log.Printf("service=backend msg=%q", "running_migrations")
	if err := db.RunMigrations(dbConn); err != nil {
		log.Printf("service=backend msg=%q err=%v", "migration_failed", err)
		os.Exit(1)
	}

	// Blob storage
	blobs, err := openBlobStore()
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "blob_store_failed", err)
		os.Exit(1)
	}

	users := server.NewUserDirectory(dbConn)
	auth := server.AuthConfig{
		Verifier: &server.IdentityVerifier{
			Keys:     server.NewKeyCache(os.Getenv("CN_JWKS_URL")),
			Audience: audience,
		},
		Users: users,
		Sessions: &server.SessionCodec{
			Secret: []byte(sessionSecret),
			TTL:    sessionTTL,
			Users:  users,
		},
	}

	srv := server.New(server.Config{
		Addr:  addr,
		Build: build,
		Auth:  auth,
		Upload: server.UploadConfig{
			MaxBytes:    maxUploadMB << 20,
			ContentType: getenvDefault("CN_NOTE_CONTENT_TYPE", "application/pdf"),
		},
		DB:    dbConn,
		Blobs: blobs,
	})

	// Background consistency sweep, stopped with the server.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go server.StartSweep(sweepCtx, server.SweepConfigFromEnv(dbConn, blobs))

	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=backend msg=%q addr=%s version=%s commit=%s",
			"starting", addr, build.Version, build.Commit)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=backend msg=%q signal=%s", "shutting_down", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("service=backend msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		log.Printf("service=backend msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}

// openBlobStore picks the configured storage backend: local filesystem by
// default, MinIO/S3 when CN_STORAGE_BACKEND=s3.
func openBlobStore() (server.BlobStore, error) {
	switch backend := getenvDefault("CN_STORAGE_BACKEND", "fs"); backend {
	case "s3":
		return server.NewMinioBlobStore(
			os.Getenv("CN_S3_ENDPOINT"),
			os.Getenv("CN_S3_ACCESS_KEY"),
			os.Getenv("CN_S3_SECRET_KEY"),
			os.Getenv("CN_BUCKET"),
		)
	default:
		return server.NewFSBlobStore(getenvDefault("CN_STORAGE_ROOT", "./data/notes"))
	}
}

// getenvDefault reads an environment variable and returns a default value if
// not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
