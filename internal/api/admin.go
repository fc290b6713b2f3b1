package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/tjfontaine/carecall/internal/server"
)

type StatsResponse struct {
	Uptime        string      `json:"uptime"`
	GoVersion     string      `json:"go_version"`
	NumGoroutine  int         `json:"num_goroutine"`
	Consultations int         `json:"consultations"`
	Memory        MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	if h.consultations != nil {
		stats.Consultations = h.consultations.Len()
	}
	server.WriteJSON(w, http.StatusOK, stats)
}
