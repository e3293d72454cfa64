package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presence/internal/config"
	"presence/internal/fanout"
	"presence/internal/session"
	"presence/internal/store"
)

// Sweeper deactivates sessions past expiry and notifies course
// subscribers. It only makes sense against shared backends: with the
// in-memory store the API process runs its own sweep loop instead.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.StoreBackend != "postgres" {
		log.Fatal("sweeper requires STORE_BACKEND=postgres; the memory store is process-local")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	var pub fanout.Publisher
	if cfg.FanoutBackend == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		pub = fanout.NewRedisBroker(redisClient.Client, "presence:events")
	} else {
		log.Println("no shared fanout backend; expired sessions will not be announced")
	}

	svc := session.NewService(session.NewPostgresStore(db.Client), pub)

	log.Printf("sweeping every %s", cfg.SweepInterval)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := svc.SweepExpired(ctx)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("swept %d expired sessions", n)
			}
		case <-ctx.Done():
			log.Println("sweeper exited")
			return
		}
	}
}
