package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tenant-kms/internal/domain"
)

// KeyAuditLogModel はgorm用の監査ログモデル。エントリは追記専用で、
// 個別の更新・削除は行わない（保持期間による一括削除のみ）。
type KeyAuditLogModel struct {
	ID            string            `gorm:"type:char(42);primaryKey"`
	KeyID         string            `gorm:"type:char(36);index:idx_key_ts"`
	TenantID      string            `gorm:"type:varchar(64);not null;index:idx_tenant_ts"`
	EventType     string            `gorm:"type:varchar(32);not null;index:idx_event_ts"`
	Action        string            `gorm:"type:varchar(64);not null"`
	Result        string            `gorm:"type:varchar(8);not null"`
	ServiceID     string            `gorm:"type:varchar(64)"`
	UserID        string            `gorm:"type:varchar(64)"`
	IPAddress     string            `gorm:"type:varchar(45)"`
	Metadata      map[string]string `gorm:"serializer:json"`
	HMACSignature string            `gorm:"type:char(64);not null"`
	Timestamp     time.Time         `gorm:"type:datetime(6);not null;index:idx_key_ts;index:idx_tenant_ts;index:idx_event_ts;index:idx_ts"`
}

// TableName はテーブル名を返す。
func (KeyAuditLogModel) TableName() string {
	return "key_audit_logs"
}

// BeforeCreate はレコード作成前にIDを生成する。
func (a *KeyAuditLogModel) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = "audit-" + uuid.New().String()
	}
	return nil
}

func (a *KeyAuditLogModel) toDomain() *domain.KeyAuditLog {
	return &domain.KeyAuditLog{
		ID:            a.ID,
		KeyID:         a.KeyID,
		TenantID:      a.TenantID,
		EventType:     domain.AuditEventType(a.EventType),
		Action:        a.Action,
		Result:        domain.AuditResult(a.Result),
		ServiceID:     a.ServiceID,
		UserID:        a.UserID,
		IPAddress:     a.IPAddress,
		Metadata:      a.Metadata,
		HMACSignature: a.HMACSignature,
		Timestamp:     a.Timestamp,
	}
}

// AuditRepository は監査ログのデータアクセスを提供する。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append は監査ログエントリを追記する。
func (r *AuditRepository) Append(ctx context.Context, entry *domain.KeyAuditLog) error {
	model := &KeyAuditLogModel{
		ID:            entry.ID,
		KeyID:         entry.KeyID,
		TenantID:      entry.TenantID,
		EventType:     string(entry.EventType),
		Action:        entry.Action,
		Result:        string(entry.Result),
		ServiceID:     entry.ServiceID,
		UserID:        entry.UserID,
		IPAddress:     entry.IPAddress,
		Metadata:      entry.Metadata,
		HMACSignature: entry.HMACSignature,
		Timestamp:     entry.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append audit log",
			"operation", "append",
			"tenant_id", entry.TenantID,
			"event_type", entry.EventType,
			"error", err,
		)
		return err
	}
	entry.ID = model.ID
	return nil
}

// Query は絞り込み条件に一致する監査ログをタイムスタンプ降順で取得する。
func (r *AuditRepository) Query(ctx context.Context, filter domain.AuditLogFilter) ([]*domain.KeyAuditLog, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", filter.TenantID)
	if filter.KeyID != "" {
		query = query.Where("key_id = ?", filter.KeyID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", string(filter.EventType))
	}
	if filter.ServiceID != "" {
		query = query.Where("service_id = ?", filter.ServiceID)
	}
	if filter.Result != "" {
		query = query.Where("result = ?", string(filter.Result))
	}
	if filter.StartDate != nil {
		query = query.Where("timestamp >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("timestamp <= ?", *filter.EndDate)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var models []KeyAuditLogModel
	if err := query.Order("timestamp DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to query audit logs",
			"operation", "query",
			"tenant_id", filter.TenantID,
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.KeyAuditLog, len(models))
	for i, m := range models {
		entries[i] = m.toDomain()
	}
	return entries, nil
}

// CountByEventType はイベント種別ごとの件数を取得する。
func (r *AuditRepository) CountByEventType(ctx context.Context, tenantID string, startDate, endDate *time.Time) (map[domain.AuditEventType]int64, error) {
	type eventCount struct {
		EventType string
		Count     int64
	}
	query := r.db.WithContext(ctx).
		Model(&KeyAuditLogModel{}).
		Where("tenant_id = ?", tenantID)
	if startDate != nil {
		query = query.Where("timestamp >= ?", *startDate)
	}
	if endDate != nil {
		query = query.Where("timestamp <= ?", *endDate)
	}

	var rows []eventCount
	err := query.
		Select("event_type, COUNT(*) as count").
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count audit logs by event type",
			"operation", "count_by_event_type",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}

	counts := make(map[domain.AuditEventType]int64, len(rows))
	for _, row := range rows {
		counts[domain.AuditEventType(row.EventType)] = row.Count
	}
	return counts, nil
}

// FindSuspicious は指定時間窓内の失敗またはセキュリティアラートのエントリを取得する。
func (r *AuditRepository) FindSuspicious(ctx context.Context, tenantID string, since time.Time) ([]*domain.KeyAuditLog, error) {
	var models []KeyAuditLogModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Where("result = ? OR event_type = ?", string(domain.AuditResultFailure), string(domain.AuditEventSecurityAlert)).
		Order("timestamp DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find suspicious activity",
			"operation", "find_suspicious",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}

	entries := make([]*domain.KeyAuditLog, len(models))
	for i, m := range models {
		entries[i] = m.toDomain()
	}
	return entries, nil
}

// DeleteOlderThan は基準時刻より古いエントリを一括削除し、削除件数を返す。
// 保持期間によるクリーンアップ専用で、個別削除の口は持たない。
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&KeyAuditLogModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete old audit logs",
			"operation", "delete_older_than",
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
