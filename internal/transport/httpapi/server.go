// Package httpapi exposes the control, snapshot and event-history surface
// over HTTP. All mutations go through the scheduler's command queue, so the
// handlers hold no simulation state of their own.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/engine"
)

type Server struct {
	sched *engine.Scheduler
	log   *log.Logger
}

func NewServer(sched *engine.Scheduler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{sched: sched, log: logger}
}

// Register installs all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/control/play", s.handlePlay)
	mux.HandleFunc("POST /api/control/pause", s.handlePause)
	mux.HandleFunc("POST /api/control/step", s.handleStep)
	mux.HandleFunc("POST /api/control/speed", s.handleSpeed)
	mux.HandleFunc("POST /api/control/jump", s.handleJump)
	mux.HandleFunc("POST /api/control/rewind", s.handleRewind)
	mux.HandleFunc("POST /api/control/reset", s.handleReset)
	mux.HandleFunc("GET /api/control/status", s.handleStatus)

	mux.HandleFunc("GET /api/snapshots", s.handleSnapshotList)
	mux.HandleFunc("POST /api/snapshots", s.handleSnapshotCreate)
	mux.HandleFunc("GET /api/snapshots/stats", s.handleSnapshotStats)
	mux.HandleFunc("POST /api/snapshots/cleanup", s.handleSnapshotCleanup)
	mux.HandleFunc("GET /api/snapshots/{tick}", s.handleSnapshotGet)
	mux.HandleFunc("GET /api/snapshots/{tick}/download", s.handleSnapshotDownload)
	mux.HandleFunc("DELETE /api/snapshots/{tick}", s.handleSnapshotDelete)

	mux.HandleFunc("GET /api/events/recent", s.handleEventsRecent)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req protocol.PlayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Speed == 0 {
		req.Speed = 1
	}
	st, err := s.sched.Play(r.Context(), req.Speed)
	s.reply(w, st, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Pause(r.Context())
	s.reply(w, st, err)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	req := protocol.StepRequest{Steps: 1}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sched.Step(r.Context(), req.Steps)
	s.reply(w, st, err)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sched.SetSpeed(r.Context(), req.Speed)
	s.reply(w, st, err)
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	var req protocol.JumpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sched.JumpTo(r.Context(), req.TargetTick)
	s.reply(w, st, err)
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req protocol.RewindRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sched.RewindTo(r.Context(), req.TargetTick)
	s.reply(w, st, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Reset(r.Context())
	s.reply(w, st, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	store := s.sched.Store()
	if store == nil {
		s.writeError(w, errors.New("snapshot store not configured"))
		return
	}
	list, err := store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]protocol.SnapshotInfo, len(list))
	for i, info := range list {
		out[i] = snapshotInfo(info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.SnapshotCreateRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	info, err := s.sched.CreateSnapshot(r.Context(), req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotInfo(info))
}

func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	tick, ok := tickParam(w, r)
	if !ok {
		return
	}
	_, info, err := s.sched.Store().Load(tick)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotInfo(info))
}

func (s *Server) handleSnapshotDownload(w http.ResponseWriter, r *http.Request) {
	tick, ok := tickParam(w, r)
	if !ok {
		return
	}
	blob, info, err := s.sched.Store().ReadBlob(tick)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%d.snap.zst", info.Tick))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	_, _ = w.Write(blob)
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	tick, ok := tickParam(w, r)
	if !ok {
		return
	}
	if err := s.sched.Store().Delete(tick); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshotCleanup(w http.ResponseWriter, r *http.Request) {
	var req protocol.SnapshotCleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Keep < 1 {
		writeErrorCode(w, http.StatusBadRequest, protocol.ErrValidation, "keep must be >= 1")
		return
	}
	removed, err := s.sched.Store().Cleanup(req.Keep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSnapshotStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Store().Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SnapshotStats{
		TotalSnapshots: st.TotalSnapshots,
		TotalSize:      st.TotalSize,
	})
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = "*"
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErrorCode(w, http.StatusBadRequest, protocol.ErrValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events := s.sched.Bus().Recent(topic, limit)
	if events == nil {
		events = []protocol.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// reply writes the post-command status, or the mapped error.
func (s *Server) reply(w http.ResponseWriter, st protocol.SimulationStatus, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := engine.ErrorCode(err)
	status := httpStatus(code)
	if status == http.StatusInternalServerError {
		s.log.Printf("api error: %v", err)
	}
	writeErrorCode(w, status, code, err.Error())
}

func httpStatus(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrValidation:
		return http.StatusBadRequest
	case protocol.ErrInvalidTransition, protocol.ErrFaulted:
		return http.StatusConflict
	case protocol.ErrSnapshotNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func snapshotInfo(info snapshot.Info) protocol.SnapshotInfo {
	return protocol.SnapshotInfo{
		Tick:        info.Tick,
		Size:        info.Size,
		Path:        info.Path,
		Hash:        info.Hash,
		Manual:      info.Manual,
		Description: info.Description,
		CreatedAt:   info.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func tickParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	tick, err := strconv.ParseUint(r.PathValue("tick"), 10, 64)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, protocol.ErrValidation, "tick must be a non-negative integer")
		return 0, false
	}
	return tick, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, protocol.ErrBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Code: code, Message: message})
}
