package httpapi

import (
	"github.com/dropbox/changes-sub002/internal/allocation"
	"github.com/dropbox/changes-sub002/internal/config"
	"github.com/dropbox/changes-sub002/internal/store"
)

type App struct {
	Store       *store.Store
	Scheduler   *allocation.Scheduler
	Committer   *allocation.Committer
	StepOptions *config.StepOptions
}
