package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/leadsprout/leadsprout/backend/internal/domaincheck"
	"github.com/leadsprout/leadsprout/backend/internal/handlers"
	"github.com/leadsprout/leadsprout/backend/internal/leads"
	"github.com/leadsprout/leadsprout/backend/internal/middleware"
	"github.com/leadsprout/leadsprout/backend/internal/ratelimit"
	"github.com/leadsprout/leadsprout/backend/internal/redditsearch"
	"github.com/leadsprout/leadsprout/backend/internal/replies"
	"github.com/leadsprout/leadsprout/backend/internal/workers"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	// One process-wide throttle shared by every outbound search call.
	limiter := ratelimit.New()
	searchClient := redditsearch.NewFromEnv(limiter)

	leadSvc := &leads.Service{DB: db, Search: searchClient}
	replySvc := &replies.Service{DB: db, Gen: replies.NewOpenAIGenerator()}
	domainChecker := domaincheck.NewFromEnv()

	h := handlers.New(db, leadSvc, replySvc, domainChecker, searchClient)

	r := mux.NewRouter()
	handlers.RegisterPublicRoutes(h, r)

	ident := &middleware.Identity{DB: db}
	api := r.PathPrefix("/api").Subrouter()
	api.Use(ident.Middleware)
	handlers.RegisterAPIRoutes(h, api)
	handlers.RegisterBillingRoutes(h, api)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: yearly-plan quota refill, independent of webhook delivery.
	{
		enabled := os.Getenv("QUOTA_REFILL_ENABLED")
		if enabled == "" || enabled == "true" {
			interval := 24 * time.Hour
			if v := os.Getenv("QUOTA_REFILL_INTERVAL_SECONDS"); v != "" {
				var secs int
				if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
					interval = time.Duration(secs) * time.Second
				}
			}
			refiller := &workers.QuotaRefiller{
				DB:       db,
				Interval: interval,
				YearlyAllotment: func(plan string) (int, int, bool) {
					p, ok := handlers.YearlyPlanAllotment(plan)
					return p.LeadFinds, p.ReplyGenerations, ok
				},
			}
			go refiller.Start(rootCtx)
		} else {
			log.Printf("[QuotaRefill] disabled via QUOTA_REFILL_ENABLED=%q", enabled)
		}
	}

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
