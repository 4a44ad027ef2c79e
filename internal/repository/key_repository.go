// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tenant-kms/internal/domain"
)

// EncryptionKeyModel はgorm用のモデル定義。
type EncryptionKeyModel struct {
	ID           string     `gorm:"type:char(36);primaryKey"`
	TenantID     string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_tenant_purpose_version;index:idx_tenant_status"`
	Purpose      string     `gorm:"type:varchar(32);not null;uniqueIndex:uk_tenant_purpose_version;index:idx_purpose"`
	Version      uint       `gorm:"not null;uniqueIndex:uk_tenant_purpose_version"`
	Algorithm    string     `gorm:"type:varchar(32);not null"`
	EncryptedKey []byte     `gorm:"type:blob;not null"`
	IV           []byte     `gorm:"type:blob;not null"`
	AuthTag      []byte     `gorm:"type:blob;not null"`
	Status       string     `gorm:"type:varchar(16);not null;default:'active';index:idx_tenant_status;index:idx_status"`
	ExpiresAt    *time.Time `gorm:"type:datetime(6);index:idx_expires_at"`
	LastUsedAt   *time.Time `gorm:"type:datetime(6)"`
	CreatedAt    time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
	Metadata     map[string]string `gorm:"serializer:json"`
}

// TableName はテーブル名を返す。
func (EncryptionKeyModel) TableName() string {
	return "encryption_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptionKeyModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *EncryptionKeyModel) toDomain() *domain.EncryptionKey {
	return &domain.EncryptionKey{
		ID:           e.ID,
		TenantID:     e.TenantID,
		Purpose:      domain.KeyPurpose(e.Purpose),
		Version:      e.Version,
		Algorithm:    e.Algorithm,
		EncryptedKey: e.EncryptedKey,
		IV:           e.IV,
		AuthTag:      e.AuthTag,
		Status:       domain.KeyStatus(e.Status),
		ExpiresAt:    e.ExpiresAt,
		LastUsedAt:   e.LastUsedAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		Metadata:     e.Metadata,
	}
}

// RotationScheduleModel はgorm用のローテーションスケジュールモデル。
type RotationScheduleModel struct {
	KeyID          string     `gorm:"type:char(36);primaryKey"`
	Enabled        bool       `gorm:"not null;index:idx_enabled_next"`
	IntervalDays   int        `gorm:"not null"`
	NextRotationAt time.Time  `gorm:"type:datetime(6);not null;index:idx_enabled_next"`
	LastRotationAt *time.Time `gorm:"type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (RotationScheduleModel) TableName() string {
	return "rotation_schedules"
}

func (s *RotationScheduleModel) toDomain() *domain.RotationSchedule {
	return &domain.RotationSchedule{
		KeyID:          s.KeyID,
		Enabled:        s.Enabled,
		IntervalDays:   s.IntervalDays,
		NextRotationAt: s.NextRotationAt,
		LastRotationAt: s.LastRotationAt,
	}
}

// KeyRepository は暗号鍵とローテーションスケジュールのデータアクセスを提供する。
// 鍵に対する全ての読み書きはtenant_idで絞り込む。別テナントの鍵IDを指定した
// 参照・更新は「存在しない」として扱う（テナント分離不変条件）。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Transaction はトランザクション内で処理を実行する。fnに渡されるリポジトリは
// 同一トランザクションに束縛される。
func (r *KeyRepository) Transaction(ctx context.Context, fn func(txRepo *KeyRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewKeyRepository(tx))
	})
}

// Create は新しい暗号鍵を保存する。保存されるのは暗号化済みペイロードのみ。
func (r *KeyRepository) Create(ctx context.Context, key *domain.EncryptionKey) error {
	model := &EncryptionKeyModel{
		ID:           key.ID,
		TenantID:     key.TenantID,
		Purpose:      string(key.Purpose),
		Version:      key.Version,
		Algorithm:    key.Algorithm,
		EncryptedKey: key.EncryptedKey,
		IV:           key.IV,
		AuthTag:      key.AuthTag,
		Status:       string(key.Status),
		ExpiresAt:    key.ExpiresAt,
		Metadata:     key.Metadata,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateVersion
		}
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"tenant_id", key.TenantID,
			"purpose", key.Purpose,
			"version", key.Version,
			"error", err,
		)
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// IsDuplicateVersion は(tenant, purpose, version)一意制約違反かを判定する。
// 同時createKeyの敗者はこの判定を手がかりにリトライする。
func IsDuplicateVersion(err error) bool {
	return errors.Is(err, domain.ErrDuplicateVersion) || errors.Is(err, gorm.ErrDuplicatedKey)
}

// FindByID は指定されたテナントの鍵を取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByID(ctx context.Context, id, tenantID string) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_id",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByKeyID はテナントを跨いで鍵を取得する。ローテーションスイープ等の
// メンテナンス処理専用で、テナントスコープのAPI経路からは呼び出さないこと。
func (r *KeyRepository) FindByKeyID(ctx context.Context, id string) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key for maintenance",
			"operation", "find_by_key_id",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLatestActiveByPurpose は指定されたテナント・用途の最大バージョンの
// ACTIVE鍵を取得する。ACTIVE鍵が存在しない場合はnilを返す
// （DEPRECATEDのみの状態は「最新なし」として扱う）。
func (r *KeyRepository) FindLatestActiveByPurpose(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	var model EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND purpose = ? AND status = ?", tenantID, string(purpose), string(domain.KeyStatusActive)).
		Order("version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest active key",
			"operation", "find_latest_active_by_purpose",
			"tenant_id", tenantID,
			"purpose", purpose,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// GetMaxVersion は指定されたテナント・用途の最大バージョンを取得する。
// 鍵が存在しない場合は0を返す。
func (r *KeyRepository) GetMaxVersion(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (uint, error) {
	var maxVersion *uint
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("tenant_id = ? AND purpose = ?", tenantID, string(purpose)).
		Select("MAX(version)").
		Scan(&maxVersion).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max version",
			"operation", "get_max_version",
			"tenant_id", tenantID,
			"purpose", purpose,
			"error", err,
		)
		return 0, err
	}
	if maxVersion == nil {
		return 0, nil
	}
	return *maxVersion, nil
}

// UpdateStatus は指定されたテナントの鍵のステータスを更新する。
// 対象行がない場合（別テナント含む）はErrKeyNotFoundを返す。
func (r *KeyRepository) UpdateStatus(ctx context.Context, id, tenantID string, status domain.KeyStatus) error {
	result := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("status", string(status))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"tenant_id", tenantID,
			"status", status,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// UpdateLastUsed は鍵の最終使用時刻を現在時刻に更新する。
func (r *KeyRepository) UpdateLastUsed(ctx context.Context, id, tenantID string) error {
	result := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("last_used_at", time.Now().UTC())
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update last_used_at",
			"operation", "update_last_used",
			"tenant_id", tenantID,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// List は指定されたテナントの鍵一覧を取得する。status/purposeでの絞り込みと
// limit/offsetによるページングに対応する。
func (r *KeyRepository) List(ctx context.Context, tenantID string, filter domain.KeyListFilter) ([]*domain.EncryptionKey, error) {
	query := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Purpose != "" {
		query = query.Where("purpose = ?", string(filter.Purpose))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var models []EncryptionKeyModel
	if err := query.Order("purpose ASC, version DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list keys",
			"operation", "list",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.EncryptionKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// Delete は指定されたテナントの鍵を物理削除する。対応するローテーション
// スケジュールも同一トランザクションで削除する。対象行がない場合は
// ErrKeyNotFoundを返す。
func (r *KeyRepository) Delete(ctx context.Context, id, tenantID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&EncryptionKeyModel{})
		if result.Error != nil {
			slog.ErrorContext(ctx, "failed to delete key",
				"operation", "delete",
				"tenant_id", tenantID,
				"error", result.Error,
			)
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrKeyNotFound
		}
		return tx.Where("key_id = ?", id).Delete(&RotationScheduleModel{}).Error
	})
}

// CountByStatus は指定されたテナントのステータス別鍵数を取得する。
func (r *KeyRepository) CountByStatus(ctx context.Context, tenantID string) (map[domain.KeyStatus]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Where("tenant_id = ?", tenantID).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count keys by status",
			"operation", "count_by_status",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}

	counts := make(map[domain.KeyStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.KeyStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// FindExpired は有効期限が過ぎた鍵を取得する。
func (r *KeyRepository) FindExpired(ctx context.Context, tenantID string) ([]*domain.EncryptionKey, error) {
	var models []EncryptionKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND expires_at IS NOT NULL AND expires_at < ?", tenantID, time.Now().UTC()).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expired keys",
			"operation", "find_expired",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.EncryptionKey, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// Ping はストレージの疎通確認を行う。ヘルスチェック用の軽量クエリ。
func (r *KeyRepository) Ping(ctx context.Context) error {
	var count int64
	return r.db.WithContext(ctx).Model(&EncryptionKeyModel{}).Limit(1).Count(&count).Error
}
