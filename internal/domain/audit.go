package domain

import "time"

// AuditEventType は監査イベントの種別を表す。
type AuditEventType string

const (
	AuditEventKeyCreated         AuditEventType = "KEY_CREATED"
	AuditEventKeyAccessed        AuditEventType = "KEY_ACCESSED"
	AuditEventKeyRotated         AuditEventType = "KEY_ROTATED"
	AuditEventKeyStatusChanged   AuditEventType = "KEY_STATUS_CHANGED"
	AuditEventKeyDeleted         AuditEventType = "KEY_DELETED"
	AuditEventSecurityAlert      AuditEventType = "SECURITY_ALERT"
	AuditEventUnauthorizedAccess AuditEventType = "UNAUTHORIZED_ACCESS"
)

// AuditResult は監査対象操作の結果を表す。
type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultFailure AuditResult = "failure"
)

// KeyAuditLog は追記専用の監査ログエントリを表す。
// HMACSignature は署名以外の全フィールドの正準化表現に対するHMACで、
// 永続化後のフィールド改変は再計算との比較で検出できる。
// エントリ単位の署名のため、エントリ自体の削除や並べ替えは検出対象外。
type KeyAuditLog struct {
	ID            string
	KeyID         string // 鍵に紐付かないイベント（セキュリティアラート等）では空
	TenantID      string
	EventType     AuditEventType
	Action        string
	Result        AuditResult
	ServiceID     string
	UserID        string
	IPAddress     string
	Metadata      map[string]string
	HMACSignature string
	Timestamp     time.Time
}

// AuditLogFilter は監査ログ検索の絞り込み条件。
type AuditLogFilter struct {
	TenantID  string
	KeyID     string
	EventType AuditEventType
	ServiceID string
	Result    AuditResult
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}
