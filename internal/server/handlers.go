package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusJSON is the response body of GET /api/status.
type StatusJSON struct {
	Packages       int            `json:"packages"`
	TotalSize      int64          `json:"total_size"`
	IndexBuiltAt   time.Time      `json:"index_built_at"`
	FailedFetches  int            `json:"failed_fetches"`
	RecentBatches  []BatchRunJSON `json:"recent_batches,omitempty"`
	RecentTransfer *TransferJSON  `json:"recent_transfer,omitempty"`
}

// BatchRunJSON summarizes one persisted optimization batch.
type BatchRunJSON struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Partial    int       `json:"partial"`
	Unchanged  int       `json:"unchanged"`
	Failed     int       `json:"failed"`
	BytesSaved int64     `json:"bytes_saved"`
	StartTime  time.Time `json:"start_time"`
}

// TransferJSON summarizes the latest export or import.
type TransferJSON struct {
	Direction    string    `json:"direction"`
	Status       string    `json:"status"`
	PackageCount int       `json:"package_count"`
	TotalSize    int64     `json:"total_size"`
	StartTime    time.Time `json:"start_time"`
}

const statusBatchLimit = 5

// handleAPIStatus returns JSON describing what this server publishes.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ix, err := s.catalogIndex()
	if err != nil {
		s.logger.Error("failed to build catalog index", "error", err)
		jsonError(w, http.StatusInternalServerError, "index unavailable")
		return
	}

	response := StatusJSON{
		Packages:     len(ix.Packages),
		IndexBuiltAt: ix.GeneratedAt,
	}
	for _, e := range ix.Packages {
		response.TotalSize += e.Size
	}

	if s.store != nil {
		if failed, err := s.store.ListFailedDownloads(); err != nil {
			s.logger.Warn("failed to list failed downloads", "error", err)
		} else {
			response.FailedFetches = len(failed)
		}

		runs, err := s.store.ListBatchRuns(statusBatchLimit)
		if err != nil {
			s.logger.Warn("failed to list batch runs", "error", err)
		}
		for _, run := range runs {
			response.RecentBatches = append(response.RecentBatches, BatchRunJSON{
				ID:         run.ID,
				Status:     run.Status,
				Total:      run.Total,
				Completed:  run.Completed,
				Partial:    run.Partial,
				Unchanged:  run.Unchanged,
				Failed:     run.Failed,
				BytesSaved: run.BytesSaved,
				StartTime:  run.StartTime,
			})
		}

		transfers, err := s.store.ListTransfers(1)
		if err != nil {
			s.logger.Warn("failed to list transfers", "error", err)
		} else if len(transfers) == 1 {
			t := transfers[0]
			response.RecentTransfer = &TransferJSON{
				Direction:    t.Direction,
				Status:       t.Status,
				PackageCount: t.PackageCount,
				TotalSize:    t.TotalSize,
				StartTime:    t.StartTime,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
