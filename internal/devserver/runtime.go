package devserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/conneroisu/devloop/internal/overlay"
	"github.com/conneroisu/devloop/internal/stackframe"
)

const (
	maxReportBytes = 1 << 20
	// maxErrorIDs bounds the browser error identities remembered for
	// deduplication.
	maxErrorIDs = 256
)

// runtimeReport is what the browser client posts for an uncaught error.
// ID is stable for one thrown value.
type runtimeReport struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Message            string `json:"message"`
	Stack              string `json:"stack"`
	UnhandledRejection bool   `json:"unhandledRejection"`
}

type runtimeReply struct {
	Reported bool   `json:"reported"`
	ID       string `json:"id,omitempty"`
}

func (s *Server) handleRuntimeError(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var report runtimeReport
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err := dec.Decode(&report); err != nil {
		http.Error(w, "invalid error report", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(report.ID) == "" {
		report.ID = uuid.NewString()
	}

	info := s.errorInfo(report)
	frames := stackframe.Parse(report.Stack)
	rec, ok := s.overlay.ReportRuntimeError(info, report.UnhandledRejection, frames)
	if !ok {
		writeJSON(w, http.StatusOK, runtimeReply{})
		return
	}

	rec.StackFrames = s.enhancer.Enhance(ctx, frames, s.overlay.Highlighter())
	s.overlay.UpdateFrames(rec.ID, rec.StackFrames)

	s.logger.Info(ctx, "Runtime error reported",
		"name", info.Name,
		"message", info.Message,
		"frames", len(rec.StackFrames),
		"unhandled_rejection", rec.IsUnhandledRejection)
	s.reporter.runtimeError(rec)

	writeJSON(w, http.StatusOK, runtimeReply{Reported: true, ID: rec.ID})
}

// errorInfo returns the identity recorded for a browser error id, creating
// it on first sight.
func (s *Server) errorInfo(report runtimeReport) *overlay.ErrorInfo {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if info, ok := s.errorIDs[report.ID]; ok {
		return info
	}
	if len(s.errorOrder) >= maxErrorIDs {
		delete(s.errorIDs, s.errorOrder[0])
		s.errorOrder = s.errorOrder[1:]
	}
	name := report.Name
	if name == "" {
		name = "Error"
	}
	info := &overlay.ErrorInfo{Name: name, Message: report.Message}
	s.errorIDs[report.ID] = info
	s.errorOrder = append(s.errorOrder, report.ID)
	return info
}

// forgetErrors drops every identity, so a cleared error shows again when
// thrown again.
func (s *Server) forgetErrors() {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	clear(s.errorIDs)
	s.errorOrder = nil
}
