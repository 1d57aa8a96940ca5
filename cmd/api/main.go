package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"consultport.org/internal/auth"
	"consultport.org/internal/httpapi"
	"consultport.org/internal/obs"
	"consultport.org/internal/store/pg"
	"consultport.org/internal/stream"
	"consultport.org/internal/workflow"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Engine selection: Postgres when a DSN is configured, otherwise the
	// in-memory engine for local development.
	var (
		svc   workflow.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("CONSULTPORT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("CONSULTPORT_PG_DSN not set, using in-memory engine")
		svc = workflow.NewInMemory(nil)
	}

	users := auth.NewDirectory()
	if email := os.Getenv("CONSULTPORT_ADMIN_EMAIL"); email != "" {
		password := os.Getenv("CONSULTPORT_ADMIN_PASSWORD")
		if password == "" {
			log.Fatal("CONSULTPORT_ADMIN_PASSWORD is required when CONSULTPORT_ADMIN_EMAIL is set")
		}
		if err := users.Register("admin", email, password, auth.RoleAdmin); err != nil {
			log.Fatalf("register admin: %v", err)
		}
	}

	api := httpapi.New(svc, users, stream.New(), probe, version)

	addr := os.Getenv("CONSULTPORT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting consultport-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
