package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/stockroom/inventory-api/app/authentication"
	"github.com/stockroom/inventory-api/app/catalog"
	"github.com/stockroom/inventory-api/app/categories"
	"github.com/stockroom/inventory-api/app/config"
	"github.com/stockroom/inventory-api/app/database"
	"github.com/stockroom/inventory-api/app/router"
	"github.com/stockroom/inventory-api/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize database
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get database handle: %v", err)
	}
	defer sqlDB.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	log.Printf("connected to %s database", cfg.Database.Driver)

	// Spent reset tokens live in Redis when configured, otherwise in the database.
	var ledger authentication.Ledger = models.NewResetTokenLedger(db)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		log.Println("connected to redis")
		ledger = authentication.NewRedisLedger(rdb)
	}

	users := models.NewUsersRepository(db)
	resets := authentication.NewResetTokens(cfg.Auth.ResetTokenSecret, cfg.Auth.ResetTokenTTL, ledger)
	mailer, err := authentication.NewMailer(cfg.SMTP)
	if err != nil {
		log.Fatalf("failed to configure mailer: %v", err)
	}
	authHandler := authentication.NewAuthHandler(users, resets, mailer, cfg.Auth.ResetURLBase)

	handler := router.New(router.Handlers{
		Catalog:    catalog.NewCatalogHandler(models.NewItemsRepository(db)),
		Categories: categories.NewCategoryHandler(models.NewCategoriesRepository(db)),
		Auth:       authHandler,
		Tokens:     users,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}

	// Let queued reset emails go out before the process exits.
	authHandler.Wait()
	log.Println("server stopped")
}
