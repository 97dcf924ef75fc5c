package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quantlab/internal/archive"
	"github.com/aristath/quantlab/internal/database"
	"github.com/aristath/quantlab/internal/jobs"
)

// SystemHandlers serves engine and host statistics.
type SystemHandlers struct {
	manager     *jobs.Manager
	archive     *archive.Store
	historyDB   *database.DB
	startupTime time.Time
	cpuSample   time.Duration
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers. archive and historyDB may be nil.
func NewSystemHandlers(manager *jobs.Manager, store *archive.Store, historyDB *database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		manager:     manager,
		archive:     store,
		historyDB:   historyDB,
		startupTime: time.Now(),
		cpuSample:   100 * time.Millisecond,
		log:         log.With().Str("handler", "system").Logger(),
	}
}

// HostStats describes the machine the engine runs on.
type HostStats struct {
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	Goroutines    int     `json:"goroutines"`
}

// ArchiveStats describes the job history database.
type ArchiveStats struct {
	Jobs     int             `json:"jobs"`
	Database *database.Stats `json:"database,omitempty"`
}

// SystemStatsResponse is returned by HandleStats.
type SystemStatsResponse struct {
	UptimeSeconds float64       `json:"uptime_seconds"`
	Jobs          jobs.Stats    `json:"jobs"`
	Host          HostStats     `json:"host"`
	Archive       *ArchiveStats `json:"archive,omitempty"`
}

// HandleStats handles GET /api/system/stats
func (h *SystemHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	response := SystemStatsResponse{
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		Jobs:          h.manager.Stats(),
		Host:          h.hostStats(),
	}

	if h.archive != nil {
		stats := &ArchiveStats{}
		if n, err := h.archive.Count(r.Context()); err == nil {
			stats.Jobs = n
		} else {
			h.log.Warn().Err(err).Msg("Failed to count archived jobs")
		}
		if h.historyDB != nil {
			if dbStats, err := h.historyDB.GetStats(r.Context()); err == nil {
				stats.Database = dbStats
			} else {
				h.log.Warn().Err(err).Msg("Failed to get history database stats")
			}
		}
		response.Archive = stats
	}

	writeJSON(w, http.StatusOK, response, h.log)
}

// hostStats samples CPU over a short interval so the call stays fast.
func (h *SystemHandlers) hostStats() HostStats {
	stats := HostStats{
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		stats.CPUCount = n
	}

	cpuPercent, err := cpu.Percent(h.cpuSample, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return stats
	}
	stats.MemoryPercent = memStat.UsedPercent
	stats.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
	stats.MemoryTotalMB = float64(memStat.Total) / 1024 / 1024

	return stats
}
