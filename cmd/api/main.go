package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/dropbox/changes-sub002/internal/allocation"
	"github.com/dropbox/changes-sub002/internal/backend"
	"github.com/dropbox/changes-sub002/internal/config"
	httpapi "github.com/dropbox/changes-sub002/internal/http"
	"github.com/dropbox/changes-sub002/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("api: open store:", err)
	}
	defer st.Close()

	rdb := backend.NewRedis(cfg)
	defer rdb.Close()

	locker, err := backend.NewLocker(ctx, cfg, rdb)
	if err != nil {
		log.Fatal("api: init lock:", err)
	}

	stepOpts, err := config.LoadStepOptions(cfg.StepOptionsPath)
	if err != nil {
		log.Fatal("api: load step options:", err)
	}

	app := &httpapi.App{
		Store:       st,
		Scheduler:   allocation.NewScheduler(st, cfg.MaxJobsPerProject),
		Committer:   allocation.NewCommitter(st, locker),
		StepOptions: stepOpts,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	httpapi.RegisterRoutes(r, app)

	log.Println("api: listening on", cfg.HTTPAddr, "lock=", cfg.LockBackend)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
