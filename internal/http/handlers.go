package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/dropbox/changes-sub002/internal/allocation"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAllocationError maps allocation errors onto status codes: contention
// and conflicts are 409 so agents retry, bad transitions are 400.
func writeAllocationError(w http.ResponseWriter, err error) {
	var se *allocation.StateError
	switch {
	case errors.Is(err, allocation.ErrAllocationInProgress), errors.Is(err, allocation.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, allocation.ErrStepNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &se):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Println("api: internal error:", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// queryInt parses an optional non-negative integer parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func (a *App) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := a.Store.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}
