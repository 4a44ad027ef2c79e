package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tenant-kms/internal/audit"
	"tenant-kms/internal/domain"
	"tenant-kms/pkg/httputil"
)

// AuditHandler は監査ログのHTTPハンドラを提供する。
type AuditHandler struct {
	logger *audit.Logger
}

// NewAuditHandler は新しいAuditHandlerを生成する。
func NewAuditHandler(logger *audit.Logger) *AuditHandler {
	return &AuditHandler{logger: logger}
}

// AuditLogResponse は監査ログエントリのレスポンス形式。
type AuditLogResponse struct {
	ID        string            `json:"id"`
	KeyID     string            `json:"key_id,omitempty"`
	TenantID  string            `json:"tenant_id"`
	EventType string            `json:"event_type"`
	Action    string            `json:"action"`
	Result    string            `json:"result"`
	ServiceID string            `json:"service_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Verified  bool              `json:"verified"`
	Timestamp string            `json:"timestamp"`
}

func (h *AuditHandler) toResponse(e *domain.KeyAuditLog) AuditLogResponse {
	return AuditLogResponse{
		ID:        e.ID,
		KeyID:     e.KeyID,
		TenantID:  e.TenantID,
		EventType: string(e.EventType),
		Action:    e.Action,
		Result:    string(e.Result),
		ServiceID: e.ServiceID,
		UserID:    e.UserID,
		IPAddress: e.IPAddress,
		Metadata:  e.Metadata,
		Verified:  h.logger.VerifyEntry(e),
		Timestamp: e.Timestamp.Format(time.RFC3339),
	}
}

func parseAuditFilter(r *http.Request, tenantID string) (domain.AuditLogFilter, error) {
	query := r.URL.Query()
	filter := domain.AuditLogFilter{
		TenantID:  tenantID,
		KeyID:     query.Get("key_id"),
		EventType: domain.AuditEventType(query.Get("event_type")),
		ServiceID: query.Get("service_id"),
		Result:    domain.AuditResult(query.Get("result")),
	}
	if v := query.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, domain.NewError(domain.ErrCodeValidation, "start_date must be RFC3339", err)
		}
		filter.StartDate = &t
	}
	if v := query.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, domain.NewError(domain.ErrCodeValidation, "end_date must be RFC3339", err)
		}
		filter.EndDate = &t
	}
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := query.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	return filter, nil
}

// QueryLogs は監査ログを検索する。各エントリにHMAC検証の結果を付与する。
func (h *AuditHandler) QueryLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	filter, err := parseAuditFilter(r, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries, err := h.logger.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := struct {
		Logs []AuditLogResponse `json:"logs"`
	}{Logs: make([]AuditLogResponse, len(entries))}
	for i, e := range entries {
		response.Logs[i] = h.toResponse(e)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ExportLogs は監査ログをJSONまたはCSVでエクスポートする。?format=csv でCSVを返す。
func (h *AuditHandler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	format := audit.ExportFormatJSON
	switch r.URL.Query().Get("format") {
	case "", "json":
	case "csv":
		format = audit.ExportFormatCSV
	default:
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "format must be json or csv")
		return
	}

	filter, err := parseAuditFilter(r, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	data, err := h.logger.ExportLogs(r.Context(), filter, format)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit_logs.csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// SuspiciousActivity は直近のウィンドウ内の不審なイベントを返す。
// ウィンドウは ?window_minutes= で指定し、デフォルトは60分。
func (h *AuditHandler) SuspiciousActivity(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	windowMinutes := 60
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "window_minutes must be a positive integer")
			return
		}
		windowMinutes = n
	}

	entries, err := h.logger.FindSuspiciousActivity(r.Context(), tenantID, windowMinutes)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := struct {
		WindowMinutes int                `json:"window_minutes"`
		Events        []AuditLogResponse `json:"events"`
	}{WindowMinutes: windowMinutes, Events: make([]AuditLogResponse, len(entries))}
	for i, e := range entries {
		response.Events[i] = h.toResponse(e)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// EventTypeStats はイベント種別ごとの件数集計を返す。
func (h *AuditHandler) EventTypeStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	filter, err := parseAuditFilter(r, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	counts, err := h.logger.CountByEventType(r.Context(), tenantID, filter.StartDate, filter.EndDate)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stats := make(map[string]int64, len(counts))
	for eventType, count := range counts {
		stats[string(eventType)] = count
	}
	httputil.JSON(w, http.StatusOK, map[string]map[string]int64{"counts": stats})
}
