package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

const defaultAllocateLimit = 200

type Resources struct {
	CPUs int `json:"cpus"`
	Mem  int `json:"mem"`
}

type JobStepCandidate struct {
	ID        string      `json:"id"`
	Project   string      `json:"project"`
	Job       string      `json:"job"`
	Label     string      `json:"label"`
	Cluster   null.String `json:"cluster"`
	Priority  int         `json:"priority"`
	Tier      string      `json:"tier"`
	Resources Resources   `json:"resources"`
	Cmd       string      `json:"cmd"`
}

type CandidatesResponse struct {
	JobSteps []JobStepCandidate `json:"jobsteps"`
}

type AllocateRequest struct {
	JobStepIDs []string `json:"jobstep_ids"`
	Cluster    *string  `json:"cluster"`
}

type AllocateResponse struct {
	Allocated []uuid.UUID `json:"allocated"`
}

// clusterParam treats a missing or empty cluster as the default pool.
func clusterParam(raw *string) null.String {
	if raw == nil || *raw == "" {
		return null.String{}
	}
	return null.StringFrom(*raw)
}

func (a *App) candidatesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAllocateLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cluster := r.URL.Query().Get("cluster")

	candidates, err := a.Scheduler.Candidates(r.Context(), clusterParam(&cluster), limit)
	if err != nil {
		writeAllocationError(w, err)
		return
	}

	resp := CandidatesResponse{JobSteps: make([]JobStepCandidate, 0, len(candidates))}
	for _, c := range candidates {
		opts := a.StepOptions.For(c.Step.ProjectID)
		resp.JobSteps = append(resp.JobSteps, JobStepCandidate{
			ID:       c.Step.ID.String(),
			Project:  c.Step.ProjectID,
			Job:      c.Step.JobID.String(),
			Label:    c.Step.Label,
			Cluster:  c.Step.Cluster,
			Priority: c.BuildPriority,
			Tier:     c.Tier.String(),
			Resources: Resources{
				CPUs: opts.CPUs,
				Mem:  opts.Mem,
			},
			Cmd: a.StepOptions.Command(c.Step.ProjectID, c.Step.ID.String()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) allocateHandler(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ids := make([]uuid.UUID, 0, len(req.JobStepIDs))
	for _, raw := range req.JobStepIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid jobstep id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	allocated, err := a.Committer.Allocate(r.Context(), ids, clusterParam(req.Cluster))
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AllocateResponse{Allocated: allocated})
}

func (a *App) deallocateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := stepIDParam(w, r)
	if !ok {
		return
	}
	step, err := a.Committer.Deallocate(r.Context(), id)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (a *App) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := stepIDParam(w, r)
	if !ok {
		return
	}
	step, err := a.Committer.Heartbeat(r.Context(), id)
	if err != nil {
		writeAllocationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func stepIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "step_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid jobstep id: "+raw)
		return uuid.Nil, false
	}
	return id, true
}
