package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/journal"
	"github.com/rennerdo30/heimdall/internal/orchestrator"
	"github.com/rennerdo30/heimdall/internal/version"
	"github.com/rennerdo30/heimdall/internal/wol"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeJSON(w, http.StatusOK, orchestrator.Snapshot{
			Connections: []conn.Status{},
			Devices:     []wol.Status{},
			GeneratedAt: time.Now(),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, a.daemon.Snapshot())
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": []journal.Event{},
			"count":  0,
		})
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	events := a.journal.Recent(limit)
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeJSON(w, http.StatusOK, []conn.Status{})
		return
	}
	a.writeJSON(w, http.StatusOK, a.daemon.Snapshot().Connections)
}

func (a *API) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeError(w, orchestrator.ErrNotRunning)
		return
	}
	status, err := a.daemon.Status(chi.URLParam(r, "ref"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeError(w, orchestrator.ErrNotRunning)
		return
	}
	ref := chi.URLParam(r, "ref")
	if err := a.daemon.Connect(ref); err != nil {
		a.writeError(w, err)
		return
	}
	// The connect runs asynchronously; poll /status for progress.
	a.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"connection": ref,
	})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeError(w, orchestrator.ErrNotRunning)
		return
	}
	ref := chi.URLParam(r, "ref")
	if err := a.daemon.Disconnect(ref); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"connection": ref,
	})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeJSON(w, http.StatusOK, []wol.Status{})
		return
	}
	devices := a.daemon.Devices()
	if devices == nil {
		devices = []wol.Status{}
	}
	a.writeJSON(w, http.StatusOK, devices)
}

func (a *API) handleWake(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeError(w, orchestrator.ErrNotRunning)
		return
	}
	ref := chi.URLParam(r, "ref")
	if err := a.daemon.Wake(r.Context(), ref); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status": "sent",
		"device": ref,
	})
}

func (a *API) handleListRDPTargets(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeJSON(w, http.StatusOK, []config.RDPConfig{})
		return
	}
	targets := a.daemon.RDPTargets()
	if targets == nil {
		targets = []config.RDPConfig{}
	}
	a.writeJSON(w, http.StatusOK, targets)
}

func (a *API) handleLaunchRDP(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		a.writeError(w, orchestrator.ErrNotRunning)
		return
	}
	ref := chi.URLParam(r, "ref")
	if err := a.daemon.LaunchRDP(r.Context(), ref); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status": "launched",
		"target": ref,
	})
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if a.getConfig == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "config not available",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, a.getConfig())
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if a.updateConfig == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "config updates not available",
		})
		return
	}

	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	if err := a.updateConfig(updates); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
