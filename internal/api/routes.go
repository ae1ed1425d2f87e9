package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hoodscan/server/internal/cache"
	"github.com/hoodscan/server/internal/hood"
	"github.com/hoodscan/server/internal/scanstore"
	"github.com/hoodscan/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	ScanService *service.ScanService
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", datasetSummaryHandler)

			// Scan job endpoints
			r.Route("/scan/jobs", func(r chi.Router) {
				r.Post("/", scanJobSubmitHandler(cfg.JobManager, cfg.ScanService))
				r.Get("/", scanJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", scanJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/cells", scanJobCellsHandler(cfg.JobManager))
				r.Get("/{job_id}/profiles", scanJobProfilesHandler(cfg.JobManager))
				r.Get("/{job_id}/colocalization", scanJobColocalizationHandler(cfg.JobManager))
				r.Delete("/{job_id}", scanJobDeleteHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the dataset service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc, ok := registry.Get(datasetID)
			if !ok {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func datasetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}

	summary, err := svc.Summary()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, hood.ErrMissingCoordinates) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// Scan job handlers

type scanJobSubmitRequest struct {
	K         int     `json:"k"`
	Clusters  int     `json:"clusters"`
	Kernel    string  `json:"kernel"`
	Bandwidth float64 `json:"bandwidth"`
	Seed      int64   `json:"seed"`
}

func scanJobSubmitHandler(jm *JobManager, scans *service.ScanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req scanJobSubmitRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		datasetID := chi.URLParam(r, "dataset")
		params := scanstore.ScanJobParams{
			DatasetID: datasetID,
			K:         req.K,
			Clusters:  req.Clusters,
			Kernel:    req.Kernel,
			Bandwidth: req.Bandwidth,
			Seed:      req.Seed,
		}

		// Apply configured defaults and reject structurally invalid params
		// before the job is queued.
		scans.ApplyDefaults(&params)
		if err := scans.ValidateParams(&params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
			"params": job.Params,
		})
	}
}

func scanJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

func scanJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":       job.ID,
			"status":       job.Status,
			"params":       job.Params,
			"progress":     job.Progress,
			"created_at":   job.CreatedAt,
			"started_at":   job.StartedAt,
			"finished_at":  job.FinishedAt,
			"n_cells":      job.NCells,
			"n_degenerate": job.NDegenerate,
			"types":        job.Types,
			"warnings":     job.Warnings,
			"error":        job.Error,
		})
	}
}

// cellItem is the per-cell response shape. Probs is populated only when
// include_probs is set, so default pages stay small.
type cellItem struct {
	CellIdx    int       `json:"cell_idx"`
	CellID     string    `json:"cell_id"`
	Cluster    int       `json:"cluster"`
	Entropy    float64   `json:"entropy"`
	Perplexity float64   `json:"perplexity"`
	Degenerate bool      `json:"degenerate"`
	Probs      []float64 `json:"probs,omitempty"`
}

func scanJobCellsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != scanstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "cell_idx"
		}
		switch orderBy {
		case "cell_idx", "entropy", "perplexity", "cluster":
		default:
			http.Error(w, "invalid order_by (expected cell_idx, entropy, perplexity or cluster)", http.StatusBadRequest)
			return
		}
		offset, limit := parsePage(r, 100, 1000)
		withProbs := r.URL.Query().Get("include_probs") == "true"

		svc := getDatasetService(r)
		var cm *cache.Manager
		if svc != nil {
			cm = svc.Cache()
		}
		key := cache.CellPageKey(job.ID, orderBy, offset, limit, withProbs)
		if cm != nil {
			if data, ok := cm.GetResult(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		results, total, err := jm.Store().QueryCellResults(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		items := make([]cellItem, len(results))
		for i, res := range results {
			items[i] = cellItem{
				CellIdx:    res.CellIdx,
				CellID:     res.CellID,
				Cluster:    res.Cluster,
				Entropy:    res.Entropy,
				Perplexity: res.Perplexity,
				Degenerate: res.Degenerate,
			}
			if withProbs {
				items[i].Probs = res.Probs
			}
		}

		response := map[string]interface{}{
			"types":    job.Types,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		}
		data, err := json.Marshal(response)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetResult(key, data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func scanJobProfilesHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != scanstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		svc := getDatasetService(r)
		var cm *cache.Manager
		if svc != nil {
			cm = svc.Cache()
		}
		key := cache.QueryKey(job.ID, "profiles")
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		profiles, err := jm.Store().GetProfiles(job.ID)
		if err != nil {
			http.Error(w, "failed to query profiles: "+err.Error(), http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(map[string]interface{}{
			"types":    job.Types,
			"clusters": profiles,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetQuery(key, data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// colocItem is one type-pair correlation. R is null for pairs where the
// correlation is undefined (zero-variance type column); JSON has no NaN.
type colocItem struct {
	TypeA   string   `json:"type_a"`
	TypeB   string   `json:"type_b"`
	R       *float64 `json:"r"`
	Defined bool     `json:"defined"`
}

func scanJobColocalizationHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != scanstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		svc := getDatasetService(r)
		var cm *cache.Manager
		if svc != nil {
			cm = svc.Cache()
		}
		key := cache.QueryKey(job.ID, "colocalization")
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		entries, err := jm.Store().GetColocalization(job.ID)
		if err != nil {
			http.Error(w, "failed to query colocalization: "+err.Error(), http.StatusInternalServerError)
			return
		}

		items := make([]colocItem, len(entries))
		for i, e := range entries {
			items[i] = colocItem{TypeA: e.TypeA, TypeB: e.TypeB, Defined: e.Defined}
			if e.Defined {
				r := e.R
				items[i].R = &r
			}
		}

		data, err := json.Marshal(map[string]interface{}{
			"types": job.Types,
			"items": items,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetQuery(key, data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// scanJobDeleteHandler cancels a queued or running job; a finished job is
// deleted along with its stored results.
func scanJobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		switch job.Status {
		case scanstore.JobStatusQueued, scanstore.JobStatusRunning:
			jm.Cancel(job.ID)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": true,
			})
		default:
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":  job.ID,
				"deleted": true,
			})
		}
	}
}

// lookupJob resolves the job from the URL and verifies it belongs to the
// requested dataset. Writes the error response and returns nil on failure.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *scanstore.ScanJob {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}

	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}

	// Check dataset matches
	datasetID := chi.URLParam(r, "dataset")
	if job.Params.DatasetID != datasetID {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func parsePage(r *http.Request, defaultLimit, maxLimit int) (offset, limit int) {
	limit = defaultLimit
	if offsetStr := strings.TrimSpace(r.URL.Query().Get("offset")); offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
			offset = v
		}
	}
	if limitStr := strings.TrimSpace(r.URL.Query().Get("limit")); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	return offset, limit
}
