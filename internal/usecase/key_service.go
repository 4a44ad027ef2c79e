// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tenant-kms/internal/cache"
	"tenant-kms/internal/domain"
)

const dataKeySize = 32 // AES-256

// KeyStore はデータアクセスのインターフェース。
type KeyStore interface {
	Create(ctx context.Context, key *domain.EncryptionKey) error
	FindByID(ctx context.Context, id, tenantID string) (*domain.EncryptionKey, error)
	FindLatestActiveByPurpose(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (*domain.EncryptionKey, error)
	GetMaxVersion(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (uint, error)
	UpdateStatus(ctx context.Context, id, tenantID string, status domain.KeyStatus) error
	UpdateLastUsed(ctx context.Context, id, tenantID string) error
	List(ctx context.Context, tenantID string, filter domain.KeyListFilter) ([]*domain.EncryptionKey, error)
	Delete(ctx context.Context, id, tenantID string) error
	CountByStatus(ctx context.Context, tenantID string) (map[domain.KeyStatus]int64, error)
	Ping(ctx context.Context) error
}

// KeyWrapper はデータ鍵のエンベロープ暗号化のインターフェース。
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) (ciphertext, iv, authTag []byte, err error)
	Unwrap(ctx context.Context, ciphertext, iv, authTag []byte) ([]byte, error)
	Validate(ctx context.Context) bool
}

// Rotator は鍵ローテーションのインターフェース。
type Rotator interface {
	RotateKey(ctx context.Context, keyID, tenantID string) (old, created *domain.EncryptionKey, err error)
	ScheduleRotation(ctx context.Context, keyID string, schedule domain.RotationSchedule) error
	OverdueRotations(ctx context.Context) (int, error)
}

// AuditTrail は監査記録のインターフェース。書き込みは失敗しても呼び出し元の
// 操作を巻き戻さないため、エラーを返さない。
type AuditTrail interface {
	LogKeyCreation(ctx context.Context, keyID, tenantID string, purpose domain.KeyPurpose, algorithm string) *domain.KeyAuditLog
	LogKeyAccess(ctx context.Context, keyID, tenantID, serviceID string) *domain.KeyAuditLog
	LogKeyStatusChange(ctx context.Context, keyID, tenantID string, from, to domain.KeyStatus, reason string) *domain.KeyAuditLog
	LogKeyDeletion(ctx context.Context, keyID, tenantID string, forced bool) *domain.KeyAuditLog
	LogFailure(ctx context.Context, eventType domain.AuditEventType, keyID, tenantID, action, errMsg string) *domain.KeyAuditLog
	LogSecurityEvent(ctx context.Context, keyID, tenantID, action, description string) *domain.KeyAuditLog
}

// KeyService はテナント単位の暗号鍵ライフサイクルを提供するファサード。
type KeyService struct {
	store    KeyStore
	wrapper  KeyWrapper
	cache    cache.Store
	audit    AuditTrail
	rotator  Rotator
	cacheTTL time.Duration
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(store KeyStore, wrapper KeyWrapper, cacheStore cache.Store, audit AuditTrail, rotator Rotator, cacheTTL time.Duration) *KeyService {
	return &KeyService{
		store:    store,
		wrapper:  wrapper,
		cache:    cacheStore,
		audit:    audit,
		rotator:  rotator,
		cacheTTL: cacheTTL,
	}
}

// CreateKeyOptions は鍵生成のオプション。
type CreateKeyOptions struct {
	ExpiresAt            *time.Time
	Metadata             map[string]string
	RotationIntervalDays int // 0なら自動ローテーションなし
}

// cacheKey はキャッシュ上の鍵のキー。テナントをキーに含め、別テナントの
// 同一鍵ID参照がヒットしない構造にする。
func cacheKey(tenantID, keyID string) string {
	return "kms:key:" + tenantID + ":" + keyID
}

// cachedKey はキャッシュに保存する復号済み鍵の表現。
type cachedKey struct {
	Purpose  domain.KeyPurpose `json:"purpose"`
	Version  uint              `json:"version"`
	Material []byte            `json:"material"`
}

// generateDataKey はAES-256のデータ鍵素材を生成する。
func generateDataKey() ([]byte, error) {
	key := make([]byte, dataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return key, nil
}

// CreateKey は指定されたテナント・用途の新しい鍵を生成する。バージョンは同一
// (tenant, purpose) の最大値+1で、初回は1。同時実行で同じバージョンを取り合った
// 場合、敗者は一意制約違反を検出してバージョンを取り直し1回だけリトライする。
// 戻り値はメタデータのみで、鍵素材は含まない。
func (s *KeyService) CreateKey(ctx context.Context, tenantID string, purpose domain.KeyPurpose, opts CreateKeyOptions) (*domain.KeyMetadata, error) {
	if tenantID == "" {
		return nil, domain.ErrInvalidTenantID
	}
	if !domain.ValidPurpose(purpose) {
		return nil, domain.ErrInvalidPurpose
	}

	var key *domain.EncryptionKey
	for attempt := 0; ; attempt++ {
		maxVersion, err := s.store.GetMaxVersion(ctx, tenantID, purpose)
		if err != nil {
			return nil, fmt.Errorf("getting max version: %w", err)
		}

		material, err := generateDataKey()
		if err != nil {
			return nil, err
		}
		ciphertext, iv, authTag, err := s.wrapper.Wrap(ctx, material)
		if err != nil {
			s.audit.LogFailure(ctx, domain.AuditEventKeyCreated, "", tenantID, "create_key", err.Error())
			return nil, fmt.Errorf("wrapping data key: %w", err)
		}

		key = &domain.EncryptionKey{
			TenantID:     tenantID,
			Purpose:      purpose,
			Version:      maxVersion + 1,
			Algorithm:    domain.DefaultAlgorithm,
			EncryptedKey: ciphertext,
			IV:           iv,
			AuthTag:      authTag,
			Status:       domain.KeyStatusActive,
			ExpiresAt:    opts.ExpiresAt,
			Metadata:     opts.Metadata,
		}
		err = s.store.Create(ctx, key)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrDuplicateVersion) && attempt == 0 {
			continue
		}
		s.audit.LogFailure(ctx, domain.AuditEventKeyCreated, "", tenantID, "create_key", err.Error())
		return nil, fmt.Errorf("creating key: %w", err)
	}

	s.audit.LogKeyCreation(ctx, key.ID, tenantID, purpose, key.Algorithm)
	slog.InfoContext(ctx, "key created",
		"operation", "create_key",
		"tenant_id", tenantID,
		"key_id", key.ID,
		"purpose", purpose,
		"version", key.Version,
	)

	if opts.RotationIntervalDays > 0 {
		if err := s.rotator.ScheduleRotation(ctx, key.ID, domain.RotationSchedule{
			Enabled:      true,
			IntervalDays: opts.RotationIntervalDays,
		}); err != nil {
			return nil, fmt.Errorf("scheduling rotation: %w", err)
		}
	}

	return key.Meta(), nil
}

// GetKey は復号済みの鍵を取得する。キャッシュヒット時はストレージの鍵レコードを
// 読まずに返す（キャッシュエントリはACTIVE/DEPRECATEDの鍵のみが対象で、
// 利用不可への遷移時に同期的に無効化される）。
// DISABLED・COMPROMISED・期限切れの鍵は分類コード付きエラーで拒否し、
// 別テナントの鍵は存在しない鍵と区別なくNOT_FOUNDを返す。
// 取得の成否は監査ログに記録される。
func (s *KeyService) GetKey(ctx context.Context, keyID, tenantID, serviceID string) (*domain.Key, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(tenantID, keyID)); err == nil {
		var entry cachedKey
		if err := json.Unmarshal(cached, &entry); err == nil {
			s.touchLastUsed(ctx, keyID, tenantID)
			s.audit.LogKeyAccess(ctx, keyID, tenantID, serviceID)
			return &domain.Key{
				ID:       keyID,
				TenantID: tenantID,
				Purpose:  entry.Purpose,
				Version:  entry.Version,
				Material: entry.Material,
			}, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		// キャッシュ障害はミスと同じ扱いで権威ストレージへフォールスルー
		slog.WarnContext(ctx, "cache lookup failed",
			"operation", "get_key",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, keyID, tenantID, "get_key", "key not found")
		return nil, domain.ErrKeyNotFound
	}

	if err := s.checkUsable(ctx, key); err != nil {
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, keyID, tenantID, "get_key", err.Error())
		return nil, err
	}

	material, err := s.wrapper.Unwrap(ctx, key.EncryptedKey, key.IV, key.AuthTag)
	if err != nil {
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, keyID, tenantID, "get_key", err.Error())
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}

	s.cacheSet(ctx, key, material)
	s.touchLastUsed(ctx, keyID, tenantID)
	s.audit.LogKeyAccess(ctx, keyID, tenantID, serviceID)

	return &domain.Key{
		ID:       key.ID,
		TenantID: key.TenantID,
		Purpose:  key.Purpose,
		Version:  key.Version,
		Material: material,
	}, nil
}

// GetCurrentKey は指定されたテナント・用途の最新ACTIVE鍵を復号して返す。
// ACTIVE鍵が存在しない場合（全てDEPRECATED等）はNOT_FOUNDを返す。
func (s *KeyService) GetCurrentKey(ctx context.Context, tenantID string, purpose domain.KeyPurpose, serviceID string) (*domain.Key, error) {
	key, err := s.store.FindLatestActiveByPurpose(ctx, tenantID, purpose)
	if err != nil {
		return nil, fmt.Errorf("finding current key: %w", err)
	}
	if key == nil {
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, "", tenantID, "get_current_key", "no active key for purpose "+string(purpose))
		return nil, domain.ErrKeyNotFound
	}

	if key.Expired(time.Now().UTC()) {
		if err := s.expireKey(ctx, key); err != nil {
			return nil, err
		}
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, key.ID, tenantID, "get_current_key", domain.ErrKeyExpired.Message)
		return nil, domain.ErrKeyExpired
	}

	material, err := s.wrapper.Unwrap(ctx, key.EncryptedKey, key.IV, key.AuthTag)
	if err != nil {
		s.audit.LogFailure(ctx, domain.AuditEventKeyAccessed, key.ID, tenantID, "get_current_key", err.Error())
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}

	s.cacheSet(ctx, key, material)
	s.touchLastUsed(ctx, key.ID, tenantID)
	s.audit.LogKeyAccess(ctx, key.ID, tenantID, serviceID)

	return &domain.Key{
		ID:       key.ID,
		TenantID: key.TenantID,
		Purpose:  key.Purpose,
		Version:  key.Version,
		Material: material,
	}, nil
}

// checkUsable は鍵が復号に利用可能かを検査する。期限切れを検出した場合は
// ステータスをEXPIREDへ進めてキャッシュを無効化する。
func (s *KeyService) checkUsable(ctx context.Context, key *domain.EncryptionKey) error {
	switch key.Status {
	case domain.KeyStatusDisabled:
		return domain.ErrKeyDisabled
	case domain.KeyStatusCompromised:
		return domain.ErrKeyCompromised
	case domain.KeyStatusExpired:
		return domain.ErrKeyExpired
	}
	if key.Expired(time.Now().UTC()) {
		if err := s.expireKey(ctx, key); err != nil {
			return err
		}
		return domain.ErrKeyExpired
	}
	return nil
}

// expireKey は期限切れ鍵をEXPIREDへ遷移させ、キャッシュを無効化する。
func (s *KeyService) expireKey(ctx context.Context, key *domain.EncryptionKey) error {
	if err := s.store.UpdateStatus(ctx, key.ID, key.TenantID, domain.KeyStatusExpired); err != nil {
		return fmt.Errorf("expiring key: %w", err)
	}
	s.evict(ctx, key.TenantID, key.ID)
	s.audit.LogKeyStatusChange(ctx, key.ID, key.TenantID, key.Status, domain.KeyStatusExpired, "expiration detected on access")
	key.Status = domain.KeyStatusExpired
	return nil
}

func (s *KeyService) cacheSet(ctx context.Context, key *domain.EncryptionKey, material []byte) {
	value, err := json.Marshal(cachedKey{
		Purpose:  key.Purpose,
		Version:  key.Version,
		Material: material,
	})
	if err != nil {
		return
	}
	if err := s.cache.SetWithTTL(ctx, cacheKey(key.TenantID, key.ID), value, s.cacheTTL); err != nil {
		slog.WarnContext(ctx, "failed to cache key",
			"operation", "cache_set",
			"tenant_id", key.TenantID,
			"error", err,
		)
	}
}

// evict はキャッシュエントリを同期的に無効化する。ステータス変更を永続化した後、
// 呼び出し元へ返るより前に実行される。
func (s *KeyService) evict(ctx context.Context, tenantID, keyID string) {
	if err := s.cache.Delete(ctx, cacheKey(tenantID, keyID)); err != nil {
		slog.WarnContext(ctx, "failed to evict cached key",
			"operation", "cache_evict",
			"tenant_id", tenantID,
			"key_id", keyID,
			"error", err,
		)
	}
}

func (s *KeyService) touchLastUsed(ctx context.Context, keyID, tenantID string) {
	if err := s.store.UpdateLastUsed(ctx, keyID, tenantID); err != nil {
		slog.WarnContext(ctx, "failed to update last_used_at",
			"operation", "touch_last_used",
			"tenant_id", tenantID,
			"key_id", keyID,
			"error", err,
		)
	}
}

// GetKeyMetadata は鍵素材を含まないメタデータを返す。
func (s *KeyService) GetKeyMetadata(ctx context.Context, keyID, tenantID string) (*domain.KeyMetadata, error) {
	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key.Meta(), nil
}

// ListKeys は指定されたテナントの鍵メタデータ一覧を返す。
func (s *KeyService) ListKeys(ctx context.Context, tenantID string, filter domain.KeyListFilter) ([]*domain.KeyMetadata, error) {
	keys, err := s.store.List(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Meta()
	}
	return metadata, nil
}

// RotateKey は鍵をローテーションし、新しい鍵のメタデータを返す。
// 旧鍵のキャッシュエントリはローテーション確定後に同期的に無効化される。
func (s *KeyService) RotateKey(ctx context.Context, keyID, tenantID string) (*domain.KeyMetadata, error) {
	_, created, err := s.rotator.RotateKey(ctx, keyID, tenantID)
	if err != nil {
		return nil, err
	}
	s.evict(ctx, tenantID, keyID)
	return created.Meta(), nil
}

// ActivateKey はDISABLEDの鍵をACTIVEへ戻す。その他のステータスからの
// 有効化はINVALID_STATEで拒否する。
func (s *KeyService) ActivateKey(ctx context.Context, keyID, tenantID string) error {
	return s.transition(ctx, keyID, tenantID, domain.KeyStatusActive, "activate_key", "")
}

// DeactivateKey はACTIVEの鍵をDISABLEDへ遷移させ、キャッシュを無効化する。
func (s *KeyService) DeactivateKey(ctx context.Context, keyID, tenantID, reason string) error {
	return s.transition(ctx, keyID, tenantID, domain.KeyStatusDisabled, "deactivate_key", reason)
}

// MarkKeyCompromised は鍵をCOMPROMISEDへ遷移させる。この遷移は終端で、
// 復帰遷移は存在しない。ステータス変更とセキュリティアラートの2つの
// 監査エントリを記録する。
func (s *KeyService) MarkKeyCompromised(ctx context.Context, keyID, tenantID, details string) error {
	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if !domain.CanTransition(key.Status, domain.KeyStatusCompromised) {
		return domain.NewError(domain.ErrCodeInvalidState,
			fmt.Sprintf("cannot mark key compromised from status %s", key.Status), nil)
	}

	if err := s.store.UpdateStatus(ctx, keyID, tenantID, domain.KeyStatusCompromised); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	s.evict(ctx, tenantID, keyID)

	s.audit.LogKeyStatusChange(ctx, keyID, tenantID, key.Status, domain.KeyStatusCompromised, details)
	s.audit.LogSecurityEvent(ctx, keyID, tenantID, "mark_key_compromised", details)
	slog.WarnContext(ctx, "key marked compromised",
		"operation", "mark_key_compromised",
		"tenant_id", tenantID,
		"key_id", keyID,
	)
	return nil
}

// transition は遷移表を検査してステータスを更新し、監査とキャッシュ無効化を行う。
func (s *KeyService) transition(ctx context.Context, keyID, tenantID string, to domain.KeyStatus, action, reason string) error {
	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusCompromised {
		return domain.ErrKeyCompromised
	}
	if !domain.CanTransition(key.Status, to) {
		return domain.NewError(domain.ErrCodeInvalidState,
			fmt.Sprintf("cannot transition key from %s to %s", key.Status, to), nil)
	}

	if err := s.store.UpdateStatus(ctx, keyID, tenantID, to); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if to != domain.KeyStatusActive {
		s.evict(ctx, tenantID, keyID)
	}

	s.audit.LogKeyStatusChange(ctx, keyID, tenantID, key.Status, to, reason)
	slog.InfoContext(ctx, "key status changed",
		"operation", action,
		"tenant_id", tenantID,
		"key_id", keyID,
		"from", key.Status,
		"to", to,
	)
	return nil
}

// DeleteKey は鍵を物理削除する。ACTIVEの鍵はforceなしでは削除できない。
func (s *KeyService) DeleteKey(ctx context.Context, keyID, tenantID string, force bool) error {
	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if key.Status == domain.KeyStatusActive && !force {
		return domain.ErrDeleteActiveKey
	}

	if err := s.store.Delete(ctx, keyID, tenantID); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	s.evict(ctx, tenantID, keyID)
	s.audit.LogKeyDeletion(ctx, keyID, tenantID, force)
	slog.InfoContext(ctx, "key deleted",
		"operation", "delete_key",
		"tenant_id", tenantID,
		"key_id", keyID,
		"forced", force,
	)
	return nil
}

// ValidateKeyIntegrity は鍵レコードがアンラップ可能で期待した鍵長かを返す。
// 検査の失敗は呼び出し元へエラーとして伝播させず、falseで表現する。
func (s *KeyService) ValidateKeyIntegrity(ctx context.Context, keyID, tenantID string) bool {
	key, err := s.store.FindByID(ctx, keyID, tenantID)
	if err != nil || key == nil {
		return false
	}
	material, err := s.wrapper.Unwrap(ctx, key.EncryptedKey, key.IV, key.AuthTag)
	if err != nil {
		return false
	}
	return len(material) == dataKeySize
}

// HealthStatus はサービスのヘルスチェック結果を表す。
type HealthStatus struct {
	Status           string            `json:"status"` // healthy | degraded | unhealthy
	Checks           map[string]string `json:"checks"`
	OverdueRotations int               `json:"overdue_rotations"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetHealthStatus はマスターキー・ストレージ・キャッシュ・ローテーション残の
// 各チェックを実行し、失敗0件でhealthy、1件でdegraded、2件以上でunhealthyを
// 返す。この関数自体はエラーを返さない。
func (s *KeyService) GetHealthStatus(ctx context.Context) *HealthStatus {
	health := &HealthStatus{
		Checks:    make(map[string]string, 4),
		Timestamp: time.Now().UTC(),
	}
	failing := 0

	if s.wrapper.Validate(ctx) {
		health.Checks["master_key"] = "ok"
	} else {
		health.Checks["master_key"] = "invalid master key"
		failing++
	}

	if err := s.store.Ping(ctx); err != nil {
		health.Checks["storage"] = err.Error()
		failing++
	} else {
		health.Checks["storage"] = "ok"
	}

	if err := s.cache.Ping(ctx); err != nil {
		health.Checks["cache"] = err.Error()
		failing++
	} else {
		health.Checks["cache"] = "ok"
	}

	overdue, err := s.rotator.OverdueRotations(ctx)
	if err != nil {
		health.Checks["rotation"] = err.Error()
		failing++
	} else {
		health.Checks["rotation"] = "ok"
		health.OverdueRotations = overdue
	}

	switch {
	case failing == 0:
		health.Status = "healthy"
	case failing == 1:
		health.Status = "degraded"
	default:
		health.Status = "unhealthy"
	}
	return health
}
