// Package audit は鍵操作の改ざん検知可能な監査ログを提供する。
package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenant-kms/internal/domain"
)

// Store は監査ログ永続化のインターフェース。
type Store interface {
	Append(ctx context.Context, entry *domain.KeyAuditLog) error
	Query(ctx context.Context, filter domain.AuditLogFilter) ([]*domain.KeyAuditLog, error)
	CountByEventType(ctx context.Context, tenantID string, startDate, endDate *time.Time) (map[domain.AuditEventType]int64, error)
	FindSuspicious(ctx context.Context, tenantID string, since time.Time) ([]*domain.KeyAuditLog, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Logger はセキュリティ関連の鍵操作を追記専用で記録する。各エントリには
// 専用秘密鍵によるHMAC-SHA256署名を付与し、永続化後のフィールド改変を
// 検出可能にする。署名はエントリ単位のため、エントリ自体の削除や
// 並べ替えの検出には別途ハッシュチェーンが必要（本実装の対象外）。
type Logger struct {
	store   Store
	hmacKey []byte
}

// NewLogger は監査ロガーを生成する。hmacKeyHexは64文字の16進数で、
// マスター暗号鍵とは別の専用鍵を指定する。
func NewLogger(store Store, hmacKeyHex string) (*Logger, error) {
	if hmacKeyHex == "" {
		return nil, domain.NewError(domain.ErrCodeValidation, "audit HMAC key is not configured", nil)
	}
	key, err := hex.DecodeString(hmacKeyHex)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeValidation, "audit HMAC key is not valid hexadecimal", err)
	}
	if len(key) != 32 {
		return nil, domain.NewError(domain.ErrCodeValidation,
			fmt.Sprintf("audit HMAC key must be 32 bytes, got %d", len(key)), nil)
	}
	return &Logger{store: store, hmacKey: key}, nil
}

// canonicalize は署名対象フィールドの決定的な直列化表現を生成する。
// hmacSignature自身は含めない。
func canonicalize(e *domain.KeyAuditLog) []byte {
	var buf bytes.Buffer
	buf.WriteString(e.ID)
	buf.WriteByte('|')
	buf.WriteString(e.KeyID)
	buf.WriteByte('|')
	buf.WriteString(e.TenantID)
	buf.WriteByte('|')
	buf.WriteString(string(e.EventType))
	buf.WriteByte('|')
	buf.WriteString(e.Action)
	buf.WriteByte('|')
	buf.WriteString(string(e.Result))
	buf.WriteByte('|')
	buf.WriteString(e.ServiceID)
	buf.WriteByte('|')
	buf.WriteString(e.UserID)
	buf.WriteByte('|')
	buf.WriteString(e.IPAddress)
	buf.WriteByte('|')
	buf.WriteString(canonicalMetadata(e.Metadata))
	buf.WriteByte('|')
	buf.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	return buf.Bytes()
}

// canonicalMetadata はメタデータをキー昇順で直列化する。
func canonicalMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + metadata[k]
	}
	return strings.Join(pairs, "&")
}

func (l *Logger) sign(entry *domain.KeyAuditLog) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(canonicalize(entry))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEntry はエントリの現在のフィールド値からHMACを再計算し、保存されている
// 署名と比較する。いずれかのフィールドが永続化後に改変されていればfalseを返す。
func (l *Logger) VerifyEntry(entry *domain.KeyAuditLog) bool {
	expected := l.sign(entry)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(entry.HMACSignature)) == 1
}

// write はエントリにID・タイムスタンプ・署名を付与して永続化する。
// 監査書き込みの失敗は呼び出し元の操作を巻き戻せないため、ここでログに
// 記録した上でエントリ生成自体は返す。
func (l *Logger) write(ctx context.Context, entry *domain.KeyAuditLog) *domain.KeyAuditLog {
	if entry.ID == "" {
		entry.ID = "audit-" + uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.HMACSignature = l.sign(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "failed to persist audit log entry",
			"operation", "audit_write",
			"tenant_id", entry.TenantID,
			"event_type", entry.EventType,
			"error", err,
		)
	}
	return entry
}

// LogKeyCreation は鍵生成イベントを記録する。
func (l *Logger) LogKeyCreation(ctx context.Context, keyID, tenantID string, purpose domain.KeyPurpose, algorithm string) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventKeyCreated,
		Action:    "create_key",
		Result:    domain.AuditResultSuccess,
		Metadata: map[string]string{
			"purpose":   string(purpose),
			"algorithm": algorithm,
		},
	})
}

// LogKeyAccess は鍵アクセスイベントを記録する。
func (l *Logger) LogKeyAccess(ctx context.Context, keyID, tenantID, serviceID string) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventKeyAccessed,
		Action:    "get_key",
		Result:    domain.AuditResultSuccess,
		ServiceID: serviceID,
	})
}

// LogKeyRotation は鍵ローテーションイベントを記録する。
func (l *Logger) LogKeyRotation(ctx context.Context, oldKeyID, newKeyID, tenantID string) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     oldKeyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventKeyRotated,
		Action:    "rotate_key",
		Result:    domain.AuditResultSuccess,
		Metadata: map[string]string{
			"old_key_id": oldKeyID,
			"new_key_id": newKeyID,
		},
	})
}

// LogKeyStatusChange はステータス遷移イベントを記録する。
func (l *Logger) LogKeyStatusChange(ctx context.Context, keyID, tenantID string, from, to domain.KeyStatus, reason string) *domain.KeyAuditLog {
	metadata := map[string]string{
		"from_status": string(from),
		"to_status":   string(to),
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventKeyStatusChanged,
		Action:    "change_key_status",
		Result:    domain.AuditResultSuccess,
		Metadata:  metadata,
	})
}

// LogKeyDeletion は鍵削除イベントを記録する。
func (l *Logger) LogKeyDeletion(ctx context.Context, keyID, tenantID string, forced bool) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventKeyDeleted,
		Action:    "delete_key",
		Result:    domain.AuditResultSuccess,
		Metadata: map[string]string{
			"forced": fmt.Sprintf("%t", forced),
		},
	})
}

// LogFailure は失敗した操作を記録する。呼び出し元がエラーを返す場合でも
// 監査証跡には必ず残す（証跡は呼び出し元が観測する結果の上位集合）。
func (l *Logger) LogFailure(ctx context.Context, eventType domain.AuditEventType, keyID, tenantID, action, errMsg string) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: eventType,
		Action:    action,
		Result:    domain.AuditResultFailure,
		Metadata: map[string]string{
			"error": errMsg,
		},
	})
}

// LogSecurityEvent はセキュリティインシデントを記録する。
// keyIDは鍵に紐付かないイベントでは空でよい。
func (l *Logger) LogSecurityEvent(ctx context.Context, keyID, tenantID, action, description string) *domain.KeyAuditLog {
	return l.write(ctx, &domain.KeyAuditLog{
		KeyID:     keyID,
		TenantID:  tenantID,
		EventType: domain.AuditEventSecurityAlert,
		Action:    action,
		Result:    domain.AuditResultSuccess,
		Metadata: map[string]string{
			"description": description,
		},
	})
}

// Query は絞り込み条件に一致するエントリをタイムスタンプ降順で返す。
func (l *Logger) Query(ctx context.Context, filter domain.AuditLogFilter) ([]*domain.KeyAuditLog, error) {
	return l.store.Query(ctx, filter)
}

// CountByEventType はイベント種別ごとの件数を返す。
func (l *Logger) CountByEventType(ctx context.Context, tenantID string, startDate, endDate *time.Time) (map[domain.AuditEventType]int64, error) {
	return l.store.CountByEventType(ctx, tenantID, startDate, endDate)
}

// FindSuspiciousActivity は直近windowMinutes分の失敗またはセキュリティアラートの
// エントリを返す。
func (l *Logger) FindSuspiciousActivity(ctx context.Context, tenantID string, windowMinutes int) ([]*domain.KeyAuditLog, error) {
	since := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	return l.store.FindSuspicious(ctx, tenantID, since)
}

// CleanupOldLogs は保持期間を過ぎたエントリを削除し、削除件数を返す。
func (l *Logger) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return l.store.DeleteOlderThan(ctx, cutoff)
}

// ExportFormat はエクスポート形式を表す。
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// exportEntry はエクスポート用のJSON表現。
type exportEntry struct {
	ID            string            `json:"id"`
	KeyID         string            `json:"key_id,omitempty"`
	TenantID      string            `json:"tenant_id"`
	EventType     string            `json:"event_type"`
	Action        string            `json:"action"`
	Result        string            `json:"result"`
	ServiceID     string            `json:"service_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	HMACSignature string            `json:"hmac_signature"`
	Timestamp     string            `json:"timestamp"`
}

// ExportLogs は絞り込み結果をJSONまたはCSVへ直列化する。
// CSVは timestamp,eventType,... のヘッダー行から始まる。
func (l *Logger) ExportLogs(ctx context.Context, filter domain.AuditLogFilter, format ExportFormat) ([]byte, error) {
	entries, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatJSON:
		out := make([]exportEntry, len(entries))
		for i, e := range entries {
			out[i] = exportEntry{
				ID:            e.ID,
				KeyID:         e.KeyID,
				TenantID:      e.TenantID,
				EventType:     string(e.EventType),
				Action:        e.Action,
				Result:        string(e.Result),
				ServiceID:     e.ServiceID,
				UserID:        e.UserID,
				IPAddress:     e.IPAddress,
				Metadata:      e.Metadata,
				HMACSignature: e.HMACSignature,
				Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
			}
		}
		return json.Marshal(out)

	case ExportFormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		header := []string{"timestamp", "eventType", "tenantId", "keyId", "action", "result", "serviceId", "userId", "ipAddress"}
		if err := w.Write(header); err != nil {
			return nil, err
		}
		for _, e := range entries {
			row := []string{
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				string(e.EventType),
				e.TenantID,
				e.KeyID,
				e.Action,
				string(e.Result),
				e.ServiceID,
				e.UserID,
				e.IPAddress,
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, domain.NewError(domain.ErrCodeValidation,
			fmt.Sprintf("unsupported export format: %s", format), nil)
	}
}
