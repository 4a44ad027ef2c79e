// Package rotation は鍵ローテーションの実行・スケジュール管理・依存データの
// 再暗号化オーケストレーションを提供する。
package rotation

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"tenant-kms/internal/domain"
)

const dataKeySize = 32 // AES-256

// KeyStore はローテーションが必要とするデータアクセスのインターフェース。
type KeyStore interface {
	FindByID(ctx context.Context, id, tenantID string) (*domain.EncryptionKey, error)
	FindByKeyID(ctx context.Context, id string) (*domain.EncryptionKey, error)
	GetMaxVersion(ctx context.Context, tenantID string, purpose domain.KeyPurpose) (uint, error)
	ApplyRotation(ctx context.Context, oldID, tenantID string, successor *domain.EncryptionKey, now time.Time) error
	UpsertSchedule(ctx context.Context, schedule *domain.RotationSchedule) error
	FindSchedule(ctx context.Context, keyID string) (*domain.RotationSchedule, error)
	FindDueSchedules(ctx context.Context, now time.Time) ([]*domain.RotationSchedule, error)
	SetScheduleEnabled(ctx context.Context, keyID string, enabled bool) error
	ScheduleStats(ctx context.Context, tenantID string, now time.Time) (*domain.RotationStats, error)
	ListAutoRotationKeys(ctx context.Context, tenantID string) ([]*domain.EncryptionKey, error)
}

// Wrapper はデータ鍵をマスターキーでラップするインターフェース。
type Wrapper interface {
	Wrap(ctx context.Context, plaintext []byte) (ciphertext, iv, authTag []byte, err error)
}

// AuditTrail はローテーションイベントの監査記録のインターフェース。
type AuditTrail interface {
	LogKeyRotation(ctx context.Context, oldKeyID, newKeyID, tenantID string) *domain.KeyAuditLog
	LogFailure(ctx context.Context, eventType domain.AuditEventType, keyID, tenantID, action, errMsg string) *domain.KeyAuditLog
}

// ReEncryptFunc は依存データのカラム再暗号化を実行するコールバック。
// 実際のストレージ操作は呼び出し側が行い、KMSコアはオーケストレーションのみ担う。
type ReEncryptFunc func(ctx context.Context, oldKeyID, newKeyID, table, column string, ids []string) error

// Manager は単一鍵のローテーション・スケジュール管理・一括スイープを実装する。
type Manager struct {
	store   KeyStore
	wrapper Wrapper
	audit   AuditTrail
}

// NewManager は新しいManagerを生成する。
func NewManager(store KeyStore, wrapper Wrapper, audit AuditTrail) *Manager {
	return &Manager{
		store:   store,
		wrapper: wrapper,
		audit:   audit,
	}
}

// RotateKey は鍵をローテーションする。旧鍵をDEPRECATEDへ遷移させ、同一
// (tenant, purpose) の次バージョンとして新しいACTIVE鍵を生成する。両ステップは
// 単一トランザクションで適用され、中間状態は観測されない。
// ACTIVE以外の鍵はステータス名を含むINVALID_STATEエラーで拒否する。
// 戻り値はDEPRECATEDとなった旧鍵と、新しく生成されたACTIVE鍵。
func (m *Manager) RotateKey(ctx context.Context, keyID, tenantID string) (old, created *domain.EncryptionKey, err error) {
	key, err := m.store.FindByID(ctx, keyID, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		m.audit.LogFailure(ctx, domain.AuditEventKeyRotated, keyID, tenantID, "rotate_key", "key not found")
		return nil, nil, domain.ErrKeyNotFound
	}
	if key.Status != domain.KeyStatusActive {
		msg := fmt.Sprintf("cannot rotate key in status %s: only active keys can be rotated", key.Status)
		m.audit.LogFailure(ctx, domain.AuditEventKeyRotated, keyID, tenantID, "rotate_key", msg)
		return nil, nil, domain.NewError(domain.ErrCodeInvalidState, msg, nil)
	}

	maxVersion, err := m.store.GetMaxVersion(ctx, tenantID, key.Purpose)
	if err != nil {
		return nil, nil, fmt.Errorf("getting max version: %w", err)
	}

	material := make([]byte, dataKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, nil, fmt.Errorf("generating data key: %w", err)
	}
	ciphertext, iv, authTag, err := m.wrapper.Wrap(ctx, material)
	if err != nil {
		m.audit.LogFailure(ctx, domain.AuditEventKeyRotated, keyID, tenantID, "rotate_key", err.Error())
		return nil, nil, fmt.Errorf("wrapping data key: %w", err)
	}

	successor := &domain.EncryptionKey{
		TenantID:     tenantID,
		Purpose:      key.Purpose,
		Version:      maxVersion + 1,
		Algorithm:    key.Algorithm,
		EncryptedKey: ciphertext,
		IV:           iv,
		AuthTag:      authTag,
		Status:       domain.KeyStatusActive,
		ExpiresAt:    key.ExpiresAt,
		Metadata:     key.Metadata,
	}

	now := time.Now().UTC()
	if err := m.store.ApplyRotation(ctx, keyID, tenantID, successor, now); err != nil {
		m.audit.LogFailure(ctx, domain.AuditEventKeyRotated, keyID, tenantID, "rotate_key", err.Error())
		return nil, nil, fmt.Errorf("applying rotation: %w", err)
	}

	key.Status = domain.KeyStatusDeprecated
	m.audit.LogKeyRotation(ctx, keyID, successor.ID, tenantID)
	slog.InfoContext(ctx, "key rotated",
		"operation", "rotate_key",
		"tenant_id", tenantID,
		"old_key_id", keyID,
		"new_key_id", successor.ID,
		"new_version", successor.Version,
	)
	return key, successor, nil
}

// ScheduleRotation は鍵のローテーションスケジュールを登録または更新する。
// 鍵が存在しない場合はNOT_FOUNDを返す。
func (m *Manager) ScheduleRotation(ctx context.Context, keyID string, schedule domain.RotationSchedule) error {
	if schedule.IntervalDays <= 0 {
		return domain.NewError(domain.ErrCodeValidation, "rotation interval must be positive", nil)
	}
	key, err := m.store.FindByKeyID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}

	schedule.KeyID = keyID
	if schedule.NextRotationAt.IsZero() {
		schedule.NextRotationAt = time.Now().UTC().AddDate(0, 0, schedule.IntervalDays)
	}
	return m.store.UpsertSchedule(ctx, &schedule)
}

// CheckAndRotateExpiredKeys は期限を過ぎた全スケジュールを走査し、対象鍵を
// ローテーションする。単一鍵の失敗は収集され、残りの処理を中断しない。
func (m *Manager) CheckAndRotateExpiredKeys(ctx context.Context) (*domain.RotationReport, error) {
	due, err := m.store.FindDueSchedules(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("finding due schedules: %w", err)
	}

	report := &domain.RotationReport{TotalProcessed: len(due)}
	for _, schedule := range due {
		key, err := m.store.FindByKeyID(ctx, schedule.KeyID)
		if err != nil {
			report.FailedKeys = append(report.FailedKeys, domain.RotationFailure{
				KeyID:  schedule.KeyID,
				Reason: err.Error(),
			})
			continue
		}
		if key == nil {
			report.FailedKeys = append(report.FailedKeys, domain.RotationFailure{
				KeyID:  schedule.KeyID,
				Reason: "key not found",
			})
			continue
		}

		if _, _, err := m.RotateKey(ctx, key.ID, key.TenantID); err != nil {
			report.FailedKeys = append(report.FailedKeys, domain.RotationFailure{
				KeyID:  key.ID,
				Reason: err.Error(),
			})
			continue
		}
		report.RotatedKeys = append(report.RotatedKeys, key.ID)
	}

	slog.InfoContext(ctx, "rotation sweep completed",
		"operation", "check_and_rotate_expired_keys",
		"total_processed", report.TotalProcessed,
		"rotated", len(report.RotatedKeys),
		"failed", len(report.FailedKeys),
	)
	return report, nil
}

// ReEncryptData はローテーション後の依存データ再暗号化をオーケストレーションする。
// 各データ参照についてコールバックを呼び出し、実際のカラム再暗号化は呼び出し側が
// 自身のストレージに対して行う。コールバックがnilの場合は何もしない（鍵レコードの
// ローテーションと依存暗号文の移行は意図的に分離されている）。
// コールバックが失敗した場合はPARTIAL_FAILUREを返すが、失敗前に処理済みの参照は
// ロールバックされない（at-least-onceのセマンティクス）。
func (m *Manager) ReEncryptData(ctx context.Context, oldKeyID, newKeyID string, refs []domain.DataReference, callback ReEncryptFunc) error {
	if callback == nil {
		return nil
	}

	for i, ref := range refs {
		if err := callback(ctx, oldKeyID, newKeyID, ref.Table, ref.Column, ref.IDs); err != nil {
			slog.ErrorContext(ctx, "re-encryption callback failed",
				"operation", "re_encrypt_data",
				"old_key_id", oldKeyID,
				"new_key_id", newKeyID,
				"table", ref.Table,
				"column", ref.Column,
				"processed", i,
				"error", err,
			)
			return domain.NewError(domain.ErrCodePartialFailure, "Re-encryption partially failed", err)
		}
	}
	return nil
}

// GetRotationSchedule は鍵のローテーションスケジュールを返す。存在しない場合はnil。
func (m *Manager) GetRotationSchedule(ctx context.Context, keyID string) (*domain.RotationSchedule, error) {
	return m.store.FindSchedule(ctx, keyID)
}

// EnableAutoRotation は自動ローテーションを有効化する。
func (m *Manager) EnableAutoRotation(ctx context.Context, keyID string) error {
	return m.store.SetScheduleEnabled(ctx, keyID, true)
}

// DisableAutoRotation は自動ローテーションを無効化する。
func (m *Manager) DisableAutoRotation(ctx context.Context, keyID string) error {
	return m.store.SetScheduleEnabled(ctx, keyID, false)
}

// GetRotationStats はスケジュールの集計を返す。tenantIDが空の場合は全テナント対象。
func (m *Manager) GetRotationStats(ctx context.Context, tenantID string) (*domain.RotationStats, error) {
	return m.store.ScheduleStats(ctx, tenantID, time.Now().UTC())
}

// ListAutoRotationKeys は自動ローテーション対象の鍵一覧を返す。
func (m *Manager) ListAutoRotationKeys(ctx context.Context, tenantID string) ([]*domain.EncryptionKey, error) {
	return m.store.ListAutoRotationKeys(ctx, tenantID)
}

// OverdueRotations はヘルスチェック用に期限超過スケジュール数を返す。
func (m *Manager) OverdueRotations(ctx context.Context) (int, error) {
	stats, err := m.store.ScheduleStats(ctx, "", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return stats.OverdueRotations, nil
}
