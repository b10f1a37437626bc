package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/cleanup"
	"github.com/mapsmith/tile-cache/job"
	"github.com/mapsmith/tile-cache/lock"
	"github.com/mapsmith/tile-cache/refresh"
	"github.com/mapsmith/tile-cache/seed"
	"github.com/mapsmith/tile-cache/store"
	"github.com/mapsmith/tile-cache/telemetry"
)

// Box is a bounding box as [lonMin, latMin, lonMax, latMax] degrees.
type Box [4]float64

func (b Box) bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

// SeedConfig holds a target's job defaults from the configuration
// document.
type SeedConfig struct {
	URL         tilecache.URLTemplate `json:"url"`
	Bounds      []Box                 `json:"bounds"`
	Zooms       []int                 `json:"zooms"`
	Concurrency int                   `json:"concurrency,omitempty"`
	MaxTries    int                   `json:"max_tries,omitempty"`
	// TimeoutSeconds is the per-request upstream timeout.
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Refresh        refresh.Directive `json:"refresh,omitzero"`
	StoreHash      bool              `json:"store_hash,omitempty"`
	StoreBlank     bool              `json:"store_blank,omitempty"`
	Metadata       store.Metadata    `json:"metadata,omitzero"`
}

// jobRequest carries the per-trigger overrides a caller may send.
type jobRequest struct {
	// Force ignores the configured refresh directive and refetches
	// (or, for cleanup, deletes) every tile in range.
	Force bool `json:"force,omitempty"`
	// RemoveStaleLocks sweeps orphaned lock marker files before the
	// run starts.
	RemoveStaleLocks bool `json:"remove_stale_locks,omitempty"`

	Bounds []Box      `json:"bounds,omitempty"`
	Zooms  []int      `json:"zooms,omitempty"`
	Days   *int       `json:"days,omitempty"`
	Time   *time.Time `json:"time,omitempty"`
	Hash   bool       `json:"hash,omitempty"`
}

func (req jobRequest) directiveOverride() (refresh.Directive, bool) {
	if req.Days == nil && req.Time == nil && !req.Hash {
		return refresh.Directive{}, false
	}
	return refresh.Directive{Time: req.Time, Days: req.Days, Hash: req.Hash}, true
}

func decodeJobRequest(r *http.Request) (jobRequest, error) {
	var req jobRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return req, err
	}
	if len(body) == 0 {
		return req, nil
	}
	return req, json.Unmarshal(body, &req)
}

// definition assembles a job.Definition from a target's configured
// defaults plus the request's overrides.
func (s *Server) definition(target string, h *targetHandle, req jobRequest) (job.Definition, error) {
	sc := h.cfg.Seed
	if sc == nil {
		return job.Definition{}, fmt.Errorf("target %q has no seed configuration", target)
	}

	def := job.Definition{
		Target:      target,
		URL:         sc.URL,
		Zooms:       sc.Zooms,
		Concurrency: sc.Concurrency,
		MaxTries:    sc.MaxTries,
		Timeout:     time.Duration(sc.TimeoutSeconds) * time.Second,
		Refresh:     sc.Refresh,
		StoreHash:   sc.StoreHash,
		StoreBlank:  sc.StoreBlank,
		Store:       job.StoreKind(h.cfg.Store),
		Path:        h.cfg.Path,
		Metadata:    sc.Metadata,
	}
	for _, b := range sc.Bounds {
		def.Bounds = append(def.Bounds, b.bound())
	}

	if def.Concurrency == 0 {
		def.Concurrency = 4
	}
	if def.MaxTries == 0 {
		def.MaxTries = 3
	}
	if def.Timeout == 0 {
		def.Timeout = 30 * time.Second
	}

	if len(req.Bounds) > 0 {
		def.Bounds = nil
		for _, b := range req.Bounds {
			def.Bounds = append(def.Bounds, b.bound())
		}
	}
	if len(req.Zooms) > 0 {
		def.Zooms = req.Zooms
	}
	if d, ok := req.directiveOverride(); ok {
		def.Refresh = d
	}
	if req.Force {
		def.Refresh = refresh.Directive{}
	}
	return def, nil
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	s.triggerJob(w, r, job.KindSeed)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.triggerJob(w, r, job.KindCleanup)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request, kind job.Kind) {
	target := r.PathValue("target")
	telemetry.SetTarget(r, target)
	telemetry.SetEndpoint(r, "job_"+string(kind))

	h, ok := s.targets[target]
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown target %q", target))
		return
	}

	req, err := decodeJobRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	def, err := s.definition(target, h, req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if kind == job.KindCleanup && def.Refresh.Hash {
		// The configured hash directive only applies to seeding.
		def.Refresh = refresh.Directive{}
	}
	if err := def.Validate(kind); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.RemoveStaleLocks {
		root := def.Path
		if def.Store == job.StoreMBTiles {
			root = filepath.Dir(def.Path)
		}
		removed, err := lock.SweepStale(root, s.logger)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "sweeping stale locks: "+err.Error())
			return
		}
		s.logger.Info("swept stale locks", "target", target, "removed", len(removed))
	}

	run := s.runFunc(kind, target, def)
	id, err := s.runner.Start(kind, target, run)
	if errors.Is(err, job.ErrBusy) {
		writeJSONError(w, http.StatusConflict, "a job is already running")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"run_id": id,
		"state":  string(job.StateRunning),
	})
}

func (s *Server) runFunc(kind job.Kind, target string, def job.Definition) job.RunFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		defer s.purgeTarget(target)

		switch kind {
		case job.KindSeed:
			res, err := s.seeder.Run(ctx, def)
			return marshalResult(res), err
		case job.KindCleanup:
			res, err := s.cleaner.Run(ctx, def)
			return marshalResult(res), err
		default:
			return nil, fmt.Errorf("unknown job kind %q", kind)
		}
	}
}

func marshalResult(res any) json.RawMessage {
	switch v := res.(type) {
	case *seed.Result:
		if v == nil {
			return nil
		}
	case *cleanup.Result:
		if v == nil {
			return nil
		}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return data
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_status")

	if id := r.PathValue("id"); id != "" {
		run, err := s.status.GetRun(r.Context(), id)
		if errors.Is(err, job.ErrRunNotFound) {
			writeJSONError(w, http.StatusNotFound, "no such run")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, run)
		return
	}

	resp := struct {
		Active string   `json:"active,omitempty"`
		Latest *job.Run `json:"latest,omitempty"`
	}{}
	if id, ok := s.runner.Active(); ok {
		resp.Active = id
	}
	latest, err := s.status.Latest(r.Context())
	switch {
	case errors.Is(err, job.ErrRunNotFound):
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		resp.Latest = latest
	}
	writeJSON(w, resp)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "job_cancel")

	id, ok := s.runner.Cancel()
	if !ok {
		writeJSONError(w, http.StatusConflict, "no job is running")
		return
	}
	writeJSON(w, map[string]string{"cancelling": id})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
