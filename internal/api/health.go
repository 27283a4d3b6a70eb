package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

// @Title: Get Health
// @Route: GET /api/health
// @Description: Returns server health status
// @Response: {"status": "ok"}
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// @Title: Get Version
// @Route: GET /api/version
// @Description: Returns pdv version, program ID and node mode
// @Response: {"version": "...", "program_id": "...", "read_only": "false", ...}
func (s *Service) HandleVersion(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    types.Version,
		"status":     "ok",
		"program_id": s.executor.Program().ID().String(),
		"read_only":  strconv.FormatBool(s.opts.ReadOnly),
		"faucet":     strconv.FormatBool(s.opts.FaucetEnabled),
		"hostname":   hostname,
		"go_ver":     runtime.Version(),
		"os_arch":    fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	})
}

// @Title: Get Activity
// @Route: GET /api/activity?limit=...
// @Description: Most recent ledger operations, newest first
// @Response: Array of activity messages
func (s *Service) HandleActivity(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeStatus(w, http.StatusBadRequest, apperrors.CodeInvalidTransaction, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.logger.GetRecent(limit))
}
