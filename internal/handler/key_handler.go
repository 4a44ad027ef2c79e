// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tenant-kms/internal/domain"
	"tenant-kms/internal/rotation"
	"tenant-kms/internal/usecase"
	"tenant-kms/pkg/httputil"
)

var tenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// serviceIDHeader は呼び出し元サービスの識別ヘッダ。監査証跡にのみ使用する。
const serviceIDHeader = "X-Service-ID"

// KeyHandler は鍵ライフサイクルのHTTPハンドラを提供する。
type KeyHandler struct {
	service  *usecase.KeyService
	rotation *rotation.Manager
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service *usecase.KeyService, rotationMgr *rotation.Manager) *KeyHandler {
	return &KeyHandler{service: service, rotation: rotationMgr}
}

func validateTenantID(tenantID string) error {
	if tenantID == "" || len(tenantID) > 64 || !tenantIDRegex.MatchString(tenantID) {
		return domain.ErrInvalidTenantID
	}
	return nil
}

// writeDomainError は分類コードをHTTPステータスへ対応付けてレスポンスを返す。
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	switch code {
	case domain.ErrCodeNotFound:
		httputil.Error(w, http.StatusNotFound, string(code), err.Error())
	case domain.ErrCodeValidation:
		httputil.Error(w, http.StatusBadRequest, string(code), err.Error())
	case domain.ErrCodeInvalidState:
		httputil.Error(w, http.StatusConflict, string(code), err.Error())
	case domain.ErrCodeDisabled, domain.ErrCodeCompromised, domain.ErrCodeExpired:
		httputil.Error(w, http.StatusGone, string(code), err.Error())
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Purpose    string            `json:"purpose"`
	Version    uint              `json:"version"`
	Algorithm  string            `json:"algorithm"`
	Status     string            `json:"status"`
	ExpiresAt  string            `json:"expires_at,omitempty"`
	LastUsedAt string            `json:"last_used_at,omitempty"`
	CreatedAt  string            `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func toMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		ID:        m.ID,
		TenantID:  m.TenantID,
		Purpose:   string(m.Purpose),
		Version:   m.Version,
		Algorithm: m.Algorithm,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
		Metadata:  m.Metadata,
	}
	if m.ExpiresAt != nil {
		resp.ExpiresAt = m.ExpiresAt.Format(time.RFC3339)
	}
	if m.LastUsedAt != nil {
		resp.LastUsedAt = m.LastUsedAt.Format(time.RFC3339)
	}
	return resp
}

// KeyResponse は復号済み鍵のレスポンス形式。
type KeyResponse struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Purpose  string `json:"purpose"`
	Version  uint   `json:"version"`
	Key      string `json:"key"` // base64
}

func toKeyResponse(k *domain.Key) KeyResponse {
	return KeyResponse{
		ID:       k.ID,
		TenantID: k.TenantID,
		Purpose:  string(k.Purpose),
		Version:  k.Version,
		Key:      base64.StdEncoding.EncodeToString(k.Material),
	}
}

// CreateKeyRequest は鍵生成のリクエスト形式。
type CreateKeyRequest struct {
	Purpose              string            `json:"purpose"`
	ExpiresAt            string            `json:"expires_at,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	RotationIntervalDays int               `json:"rotation_interval_days,omitempty"`
}

// CreateKey は新しい暗号鍵を生成する。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	opts := usecase.CreateKeyOptions{
		Metadata:             req.Metadata,
		RotationIntervalDays: req.RotationIntervalDays,
	}
	if req.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be RFC3339")
			return
		}
		opts.ExpiresAt = &expiresAt
	}

	metadata, err := h.service.CreateKey(r.Context(), tenantID, domain.KeyPurpose(req.Purpose), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toMetadataResponse(metadata))
}

// GetKey は復号済みの鍵を取得する。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}
	keyID := chi.URLParam(r, "key_id")

	key, err := h.service.GetKey(r.Context(), keyID, tenantID, r.Header.Get(serviceIDHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// GetCurrentKey は指定用途の最新ACTIVE鍵を取得する。
func (h *KeyHandler) GetCurrentKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}
	purpose := domain.KeyPurpose(r.URL.Query().Get("purpose"))
	if !domain.ValidPurpose(purpose) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PURPOSE", "unknown key purpose")
		return
	}

	key, err := h.service.GetCurrentKey(r.Context(), tenantID, purpose, r.Header.Get(serviceIDHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// GetKeyMetadata は鍵素材を含まないメタデータを取得する。
func (h *KeyHandler) GetKeyMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	metadata, err := h.service.GetKeyMetadata(r.Context(), chi.URLParam(r, "key_id"), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toMetadataResponse(metadata))
}

// ListKeys は鍵メタデータの一覧を取得する。status/purpose/limit/offsetで絞り込める。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	query := r.URL.Query()
	filter := domain.KeyListFilter{
		Status:  domain.KeyStatus(query.Get("status")),
		Purpose: domain.KeyPurpose(query.Get("purpose")),
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

	keys, err := h.service.ListKeys(r.Context(), tenantID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := struct {
		Keys []KeyMetadataResponse `json:"keys"`
	}{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		response.Keys[i] = toMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// RotateKey は鍵をローテーションし、新しい鍵のメタデータを返す。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	metadata, err := h.service.RotateKey(r.Context(), chi.URLParam(r, "key_id"), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toMetadataResponse(metadata))
}

// ActivateKey はDISABLEDの鍵を再有効化する。
func (h *KeyHandler) ActivateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	if err := h.service.ActivateKey(r.Context(), chi.URLParam(r, "key_id"), tenantID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusChangeRequest はステータス変更系エンドポイントの共通ボディ。
type statusChangeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DeactivateKey は鍵を無効化する。
func (h *KeyHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	var req statusChangeRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // ボディは任意

	if err := h.service.DeactivateKey(r.Context(), chi.URLParam(r, "key_id"), tenantID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkCompromised は鍵を漏洩済みとして扱う。この遷移からの復帰はできない。
func (h *KeyHandler) MarkCompromised(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	var req statusChangeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.service.MarkKeyCompromised(r.Context(), chi.URLParam(r, "key_id"), tenantID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteKey は鍵を物理削除する。ACTIVEの鍵は ?force=true が必要。
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := h.service.DeleteKey(r.Context(), chi.URLParam(r, "key_id"), tenantID, force); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckIntegrity は鍵レコードの整合性検査の結果を返す。
func (h *KeyHandler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	valid := h.service.ValidateKeyIntegrity(r.Context(), chi.URLParam(r, "key_id"), tenantID)
	httputil.JSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// ScheduleRequest はローテーションスケジュールのリクエスト形式。
type ScheduleRequest struct {
	Enabled      bool `json:"enabled"`
	IntervalDays int  `json:"interval_days"`
}

// UpsertSchedule はローテーションスケジュールを登録または更新する。
func (h *KeyHandler) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}
	keyID := chi.URLParam(r, "key_id")

	// スケジュールは鍵に従属するため、テナントの所有確認を先に行う
	if _, err := h.service.GetKeyMetadata(r.Context(), keyID, tenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	err := h.rotation.ScheduleRotation(r.Context(), keyID, domain.RotationSchedule{
		Enabled:      req.Enabled,
		IntervalDays: req.IntervalDays,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSchedule は鍵のローテーションスケジュールを取得する。
func (h *KeyHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}
	keyID := chi.URLParam(r, "key_id")

	if _, err := h.service.GetKeyMetadata(r.Context(), keyID, tenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	schedule, err := h.rotation.GetRotationSchedule(r.Context(), keyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if schedule == nil {
		httputil.Error(w, http.StatusNotFound, string(domain.ErrCodeNotFound), "rotation schedule not found")
		return
	}

	resp := struct {
		KeyID          string `json:"key_id"`
		Enabled        bool   `json:"enabled"`
		IntervalDays   int    `json:"interval_days"`
		NextRotationAt string `json:"next_rotation_at"`
		LastRotationAt string `json:"last_rotation_at,omitempty"`
	}{
		KeyID:          schedule.KeyID,
		Enabled:        schedule.Enabled,
		IntervalDays:   schedule.IntervalDays,
		NextRotationAt: schedule.NextRotationAt.Format(time.RFC3339),
	}
	if schedule.LastRotationAt != nil {
		resp.LastRotationAt = schedule.LastRotationAt.Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetRotationStats はテナントのローテーションスケジュール集計を返す。
func (h *KeyHandler) GetRotationStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	if err := validateTenantID(tenantID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_TENANT_ID", "invalid tenant ID format")
		return
	}

	stats, err := h.rotation.GetRotationStats(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, struct {
		TotalScheduled    int `json:"total_scheduled"`
		ActiveSchedules   int `json:"active_schedules"`
		UpcomingRotations int `json:"upcoming_rotations"`
		OverdueRotations  int `json:"overdue_rotations"`
	}{
		TotalScheduled:    stats.TotalScheduled,
		ActiveSchedules:   stats.ActiveSchedules,
		UpcomingRotations: stats.UpcomingRotations,
		OverdueRotations:  stats.OverdueRotations,
	})
}

// Health はサービスのヘルスチェック結果を返す。unhealthyの場合のみ503を返す。
func (h *KeyHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.GetHealthStatus(r.Context())
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, health)
}
