package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inktrace/inktrace/internal/archive"
	"github.com/inktrace/inktrace/internal/brain"
	"github.com/inktrace/inktrace/internal/discovery"
	"github.com/inktrace/inktrace/internal/intel"
)

const (
	maxReportBytes = 64 << 10
	// maxReportSkew bounds how far ahead of the server clock a reported
	// timestamp may be.
	maxReportSkew = time.Minute
)

// --- Pull API ---

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.brain.Snapshot())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snap := s.brain.Snapshot()
	writeJSON(w, map[string]interface{}{
		"agents":  snap.Agents,
		"total":   len(snap.Agents),
		"version": snap.Version,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.brain.Agent(r.PathValue("id"))
	if errors.Is(err, brain.ErrUnknownAgent) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleListCommunications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"communications": s.brain.Communications(queryInt(r, "limit", 100)),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"events": s.brain.Events(queryInt(r, "limit", 100)),
	})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusNotFound, "discovery disabled")
		return
	}
	writeJSON(w, map[string]interface{}{"endpoints": s.discovery.Endpoints()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	filter := archive.EventFilter{
		AgentID:  r.URL.Query().Get("agent_id"),
		Severity: intel.Severity(strings.ToLower(r.URL.Query().Get("severity"))),
		Limit:    queryInt(r, "limit", 50),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	events, err := s.archive.ListEvents(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"events": events})
}

// --- Admin ---

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	s.brain.ClearEvents()
	writeJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) handleClearThreats(w http.ResponseWriter, r *http.Request) {
	n := s.brain.ClearThreats()
	writeJSON(w, map[string]interface{}{"success": true, "released": n})
}

func (s *Server) handleResetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.brain.ResetQuarantine(r.PathValue("id"))
	if errors.Is(err, brain.ErrUnknownAgent) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

// --- Ingest ---

// communicationReport is what agents and sidecars POST to report an
// exchange the wiretap did not see. Both the short and the _id field names
// are accepted.
type communicationReport struct {
	Source     string    `json:"source"`
	SourceID   string    `json:"source_id"`
	Target     string    `json:"target"`
	TargetID   string    `json:"target_id"`
	Method     string    `json:"method"`
	Capability string    `json:"capability"`
	Status     string    `json:"status"`
	SizeBytes  int64     `json:"size_bytes"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) handleCommunicationReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxReportBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}
	var rep communicationReport
	if err := json.Unmarshal(body, &rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	addrs := s.agentIDsByAddress()
	source := resolveParty(firstNonEmpty(rep.SourceID, rep.Source), addrs)
	target := resolveParty(firstNonEmpty(rep.TargetID, rep.Target), addrs)
	if source == "" || target == "" {
		writeError(w, http.StatusBadRequest, "source and target are required")
		return
	}
	if rep.LatencyMs < 0 {
		writeError(w, http.StatusBadRequest, "latency_ms must not be negative")
		return
	}
	if rep.Timestamp.After(time.Now().Add(maxReportSkew)) {
		writeError(w, http.StatusBadRequest, "timestamp is in the future")
		return
	}

	c := intel.CommunicationRecord{
		ID:         ulid.Make().String(),
		SourceID:   source,
		TargetID:   target,
		Method:     rep.Method,
		Capability: intel.NormalizeCapability(rep.Capability),
		Status:     reportStatus(rep.Status),
		SizeClass:  intel.SizeClassFor(rep.SizeBytes),
		LatencyMs:  rep.LatencyMs,
		Timestamp:  rep.Timestamp,
	}
	if c.Method == "" {
		c.Method = "reported"
	}
	s.brain.RecordCommunication(c)

	s.logger.Debug("communication reported", "source_id", source, "target_id", target, "method", c.Method)
	writeJSON(w, map[string]interface{}{"success": true, "id": c.ID})
}

// agentIDsByAddress inverts the registry's address map.
func (s *Server) agentIDsByAddress() map[string]string {
	byAddr := make(map[string]string)
	for id, addr := range s.brain.AgentAddresses() {
		byAddr[addr] = id
	}
	return byAddr
}

// resolveParty maps a reported address to its registered agent id and
// passes anything else through as an id.
func resolveParty(v string, byAddr map[string]string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if strings.Contains(v, ":") {
		if id, ok := byAddr[discovery.NormalizeAddress(v)]; ok {
			return id
		}
	}
	return v
}

func reportStatus(s string) intel.CommStatus {
	switch strings.ToLower(s) {
	case "error", "failed", "failure":
		return intel.CommError
	default:
		return intel.CommSuccess
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.brain.Snapshot()
	status := "ok"
	if snap.Degraded {
		status = "degraded"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"health":  snap.Health,
		"agents":  len(snap.Agents),
		"version": snap.Version,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "broadcast disabled")
		return
	}
	s.hub.ServeWS(w, r)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
