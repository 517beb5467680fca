// Package api is the HTTP surface of linewatch: line management, batch
// submission and quality queries over gin.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linewatch/linewatch/internal/models"
	"gorm.io/gorm"
)

// Enqueuer queues background jobs.
type Enqueuer interface {
	EnqueueTraining(ctx context.Context, lineID uint) (*models.Job, error)
	EnqueuePredictionBatch(ctx context.Context, lineID, predictionID uint) (*models.Job, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB       *gorm.DB
	Engine   Enqueuer
	Port     int
	DataRoot string        // parent of derived line data paths
	Window   time.Duration // default window for quality queries
	Out      io.Writer
}

// NewRouter builds the gin router with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	if opts.Window <= 0 {
		opts.Window = 3 * time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{opts: opts})
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
