package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tenant-kms/internal/domain"
)

// UpsertSchedule はローテーションスケジュールを登録または更新する。
// スケジュールは鍵と1対1で、key_idを主キーとして上書きする。
func (r *KeyRepository) UpsertSchedule(ctx context.Context, schedule *domain.RotationSchedule) error {
	model := &RotationScheduleModel{
		KeyID:          schedule.KeyID,
		Enabled:        schedule.Enabled,
		IntervalDays:   schedule.IntervalDays,
		NextRotationAt: schedule.NextRotationAt,
		LastRotationAt: schedule.LastRotationAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert rotation schedule",
			"operation", "upsert_schedule",
			"key_id", schedule.KeyID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindSchedule は鍵のローテーションスケジュールを取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindSchedule(ctx context.Context, keyID string) (*domain.RotationSchedule, error) {
	var model RotationScheduleModel
	err := r.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find rotation schedule",
			"operation", "find_schedule",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindDueSchedules は有効かつ次回ローテーション時刻を過ぎたスケジュールを取得する。
func (r *KeyRepository) FindDueSchedules(ctx context.Context, now time.Time) ([]*domain.RotationSchedule, error) {
	var models []RotationScheduleModel
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_rotation_at < ?", true, now).
		Order("next_rotation_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find due schedules",
			"operation", "find_due_schedules",
			"error", err,
		)
		return nil, err
	}

	schedules := make([]*domain.RotationSchedule, len(models))
	for i, m := range models {
		schedules[i] = m.toDomain()
	}
	return schedules, nil
}

// SetScheduleEnabled はスケジュールの有効/無効を切り替える。
// 対象行がない場合はErrScheduleNotFoundを返す。
func (r *KeyRepository) SetScheduleEnabled(ctx context.Context, keyID string, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&RotationScheduleModel{}).
		Where("key_id = ?", keyID).
		Update("enabled", enabled)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to set schedule enabled",
			"operation", "set_schedule_enabled",
			"key_id", keyID,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// MarkRotated はローテーション完了をスケジュールへ反映する。
// lastRotationAtを現在時刻に、nextRotationAtをintervalDays先に進める。
func (r *KeyRepository) MarkRotated(ctx context.Context, keyID string, now time.Time) error {
	schedule, err := r.FindSchedule(ctx, keyID)
	if err != nil {
		return err
	}
	if schedule == nil {
		return nil // スケジュールなしの手動ローテーションは記録対象外
	}

	next := now.AddDate(0, 0, schedule.IntervalDays)
	err = r.db.WithContext(ctx).
		Model(&RotationScheduleModel{}).
		Where("key_id = ?", keyID).
		Updates(map[string]interface{}{
			"last_rotation_at": now,
			"next_rotation_at": next,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark schedule rotated",
			"operation", "mark_rotated",
			"key_id", keyID,
			"error", err,
		)
		return err
	}
	return nil
}

// ApplyRotation はローテーションを単一トランザクションで適用する。
// 旧鍵のDEPRECATED遷移・後継鍵の挿入・スケジュールの引き継ぎが不可分に
// 行われるため、途中でクラッシュしても (tenant, purpose) がACTIVE鍵ゼロの
// 状態になることはない。
func (r *KeyRepository) ApplyRotation(ctx context.Context, oldID, tenantID string, successor *domain.EncryptionKey, now time.Time) error {
	return r.Transaction(ctx, func(tx *KeyRepository) error {
		if err := tx.UpdateStatus(ctx, oldID, tenantID, domain.KeyStatusDeprecated); err != nil {
			return err
		}
		if err := tx.Create(ctx, successor); err != nil {
			return err
		}

		// スケジュールは後継鍵に引き継ぎ、旧鍵側は完了時刻を記録して無効化する
		schedule, err := tx.FindSchedule(ctx, oldID)
		if err != nil {
			return err
		}
		if schedule == nil {
			return nil
		}
		if schedule.Enabled {
			next := now.AddDate(0, 0, schedule.IntervalDays)
			if err := tx.UpsertSchedule(ctx, &domain.RotationSchedule{
				KeyID:          successor.ID,
				Enabled:        true,
				IntervalDays:   schedule.IntervalDays,
				NextRotationAt: next,
				LastRotationAt: &now,
			}); err != nil {
				return err
			}
		}
		return tx.db.WithContext(ctx).
			Model(&RotationScheduleModel{}).
			Where("key_id = ?", oldID).
			Updates(map[string]interface{}{
				"enabled":          false,
				"last_rotation_at": now,
			}).Error
	})
}

// ScheduleStats はローテーションスケジュールの集計を取得する。
// tenantIDが空の場合は全テナントを対象とする。
func (r *KeyRepository) ScheduleStats(ctx context.Context, tenantID string, now time.Time) (*domain.RotationStats, error) {
	base := r.db.WithContext(ctx).
		Model(&RotationScheduleModel{}).
		Joins("JOIN encryption_keys ON encryption_keys.id = rotation_schedules.key_id")
	if tenantID != "" {
		base = base.Where("encryption_keys.tenant_id = ?", tenantID)
	}

	stats := &domain.RotationStats{}
	var total, active, overdue int64

	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("rotation_schedules.enabled = ?", true).Count(&active).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("rotation_schedules.enabled = ? AND rotation_schedules.next_rotation_at < ?", true, now).
		Count(&overdue).Error; err != nil {
		return nil, err
	}

	stats.TotalScheduled = int(total)
	stats.ActiveSchedules = int(active)
	stats.OverdueRotations = int(overdue)
	stats.UpcomingRotations = int(active - overdue)
	return stats, nil
}

// ListAutoRotationKeys は自動ローテーションが有効な鍵の一覧を取得する。
// tenantIDが空の場合は全テナントを対象とする。
func (r *KeyRepository) ListAutoRotationKeys(ctx context.Context, tenantID string) ([]*domain.EncryptionKey, error) {
	query := r.db.WithContext(ctx).
		Model(&EncryptionKeyModel{}).
		Joins("JOIN rotation_schedules ON rotation_schedules.key_id = encryption_keys.id").
		Where("rotation_schedules.enabled = ?", true)
	if tenantID != "" {
		query = query.Where("encryption_keys.tenant_id = ?", tenantID)
	}

	var models []EncryptionKeyModel
	if err := query.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list auto rotation keys",
			"operation", "list_auto_rotation_keys",
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
