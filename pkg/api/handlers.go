package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seclens/blocktrack/pkg/feed"
)

// versionResponse is the API shape of a release version.
type versionResponse struct {
	VersionID    string `json:"versionId"`
	ShortVersion string `json:"shortVersion"`
	ReleaseDate  string `json:"releaseDate"`
	Status       string `json:"status"`
}

// recordResponse is the API shape of a domain record.
type recordResponse struct {
	Domain        string `json:"domain"`
	VersionID     string `json:"versionId"`
	Raw           string `json:"raw"`
	Header        string `json:"header,omitempty"`
	ThreatType    string `json:"threatType,omitempty"`
	ThreatName    string `json:"threatName,omitempty"`
	Action        string `json:"action"`
	RecordDate    string `json:"recordDate"`
	Processed     int    `json:"processed"`
	TagName       string `json:"tagName,omitempty"`
	PublicTagName string `json:"publicTagName,omitempty"`
	TagClass      string `json:"tagClass,omitempty"`
	TagGroup      string `json:"tagGroup,omitempty"`
	Description   string `json:"description,omitempty"`
	Source        string `json:"source,omitempty"`
	RepeatStatus  int    `json:"repeatStatus"`
	Reinsert      *int   `json:"reinsert,omitempty"`
	Residence     *int   `json:"residence,omitempty"`
}

func versionToResponse(v *feed.ReleaseVersion) versionResponse {
	return versionResponse{
		VersionID:    v.VersionID,
		ShortVersion: v.ShortVersion,
		ReleaseDate:  v.ReleaseDate.Format(time.RFC3339),
		Status:       v.Status.String(),
	}
}

func recordToResponse(r *feed.DomainRecord) recordResponse {
	resp := recordResponse{
		Domain:        r.Domain,
		VersionID:     r.VersionID,
		Raw:           r.Raw,
		Header:        r.Header,
		ThreatType:    r.ThreatType,
		Action:        r.Action,
		RecordDate:    r.RecordDate.Format(time.RFC3339),
		Processed:     int(r.Processed),
		TagName:       r.TagName,
		PublicTagName: r.PublicTagName,
		TagClass:      r.TagClass,
		TagGroup:      r.TagGroup,
		Description:   r.Description,
		Source:        r.Source,
		RepeatStatus:  int(r.RepeatStatus),
		Reinsert:      r.Reinsert,
		Residence:     r.Residence,
	}
	if r.ThreatName != nil {
		resp.ThreatName = *r.ThreatName
	}
	return resp
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleListVersions handles GET /api/v1/versions.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	records, err := s.versions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list versions: %v", err))
		return
	}

	versions := make([]versionResponse, len(records))
	for i := range records {
		versions[i] = versionToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions":  versions,
		"totalSize": len(versions),
	})
}

// handleGetVersion handles GET /api/v1/versions/{versionId}.
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionId")
	record, err := s.versions.Get(r.Context(), versionID)
	if err != nil {
		if errors.Is(err, feed.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("version %q not found", versionID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get version: %v", err))
		return
	}

	complete, err := s.store.IsVersionComplete(r.Context(), versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to check completeness: %v", err))
		return
	}
	remaining, err := s.store.CountUnenriched(r.Context(), feed.UnenrichedFilter{VersionID: versionID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count unenriched: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    versionToResponse(record),
		"complete":   complete,
		"unenriched": remaining,
	})
}

// handleVersionRecords handles GET /api/v1/versions/{versionId}/records.
func (s *Server) handleVersionRecords(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionId")
	records, err := s.store.VersionRecords(r.Context(), versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load records: %v", err))
		return
	}

	out := make([]recordResponse, len(records))
	for i := range records {
		out[i] = recordToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":   out,
		"totalSize": len(out),
	})
}

// handleDomainHistory handles GET /api/v1/domains/{domain}/history.
func (s *Server) handleDomainHistory(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	records, err := s.store.History(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load history: %v", err))
		return
	}

	out := make([]recordResponse, len(records))
	for i := range records {
		out[i] = recordToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":    domain,
		"history":   out,
		"totalSize": len(out),
	})
}

// handleDomainAggregate handles GET /api/v1/domains/{domain}/aggregate.
func (s *Server) handleDomainAggregate(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	aggregate, err := s.aggregates.Get(r.Context(), domain)
	if err != nil {
		if errors.Is(err, feed.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no aggregate for %q", domain))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load aggregate: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"domain":       aggregate.Domain,
		"totalCount":   aggregate.TotalCount,
		"residenceAvg": aggregate.ResidenceAvg,
		"reinsertAvg":  aggregate.ReinsertAvg,
	})
}

// enrichRequest is the body of POST /api/v1/enrich.
type enrichRequest struct {
	Version string `json:"version"`
}

// handleEnrich handles POST /api/v1/enrich: runs one enrichment cycle
// synchronously and returns its stats.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	stats, err := s.scheduler.Run(r.Context(), req.Version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("enrichment cycle failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
