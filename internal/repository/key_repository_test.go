package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tenant-kms/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// SQLite用にMySQLの型をTEXT/BLOBへ読み替えてテーブルを作成
	sql := `
		CREATE TABLE encryption_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			version INTEGER NOT NULL,
			algorithm TEXT NOT NULL,
			encrypted_key BLOB NOT NULL,
			iv BLOB NOT NULL,
			auth_tag BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME,
			last_used_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT,
			UNIQUE(tenant_id, purpose, version)
		);
		CREATE INDEX idx_tenant_status ON encryption_keys(tenant_id, status);
		CREATE INDEX idx_expires_at ON encryption_keys(expires_at);

		CREATE TABLE rotation_schedules (
			key_id TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL,
			interval_days INTEGER NOT NULL,
			next_rotation_at DATETIME NOT NULL,
			last_rotation_at DATETIME
		);
		CREATE INDEX idx_enabled_next ON rotation_schedules(enabled, next_rotation_at);
	`

	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}

	return db
}

func insertKey(t *testing.T, db *gorm.DB, id, tenantID, purpose string, version uint, status string) {
	t.Helper()
	err := db.Exec("INSERT INTO encryption_keys (id, tenant_id, purpose, version, algorithm, encrypted_key, iv, auth_tag, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		id, tenantID, purpose, version, "aes-256-gcm", []byte("wrapped"), []byte("iv"), []byte("tag"), status).Error
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}
}

func TestKeyRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	key := &domain.EncryptionKey{
		TenantID:     "tenant-001",
		Purpose:      domain.KeyPurposeDataEncryption,
		Version:      1,
		Algorithm:    domain.DefaultAlgorithm,
		EncryptedKey: []byte("wrapped"),
		IV:           []byte("iv-iv-iv-iv-"),
		AuthTag:      []byte("tag-tag-tag-tag-"),
		Status:       domain.KeyStatusActive,
	}

	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if key.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}
}

func TestKeyRepository_Create_DuplicateVersion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")

	// (tenant, purpose, version)一意制約違反を重複として判定できること
	dup := &domain.EncryptionKey{
		TenantID:     "tenant-001",
		Purpose:      domain.KeyPurposeDataEncryption,
		Version:      1,
		Algorithm:    domain.DefaultAlgorithm,
		EncryptedKey: []byte("wrapped"),
		IV:           []byte("iv"),
		AuthTag:      []byte("tag"),
		Status:       domain.KeyStatusActive,
	}
	err := repo.Create(ctx, dup)
	if err == nil {
		t.Fatal("expected unique constraint violation, got nil")
	}
	if !IsDuplicateVersion(err) {
		t.Errorf("expected IsDuplicateVersion=true, got false for %v", err)
	}

	// 別テナントの同じ(purpose, version)は衝突しない
	other := &domain.EncryptionKey{
		TenantID:     "tenant-002",
		Purpose:      domain.KeyPurposeDataEncryption,
		Version:      1,
		Algorithm:    domain.DefaultAlgorithm,
		EncryptedKey: []byte("wrapped"),
		IV:           []byte("iv"),
		AuthTag:      []byte("tag"),
		Status:       domain.KeyStatusActive,
	}
	if err := repo.Create(ctx, other); err != nil {
		t.Errorf("expected no conflict across tenants, got %v", err)
	}
}

func TestKeyRepository_FindByID_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")

	// 所有テナントからは取得できる
	key, err := repo.FindByID(ctx, "key-1", "tenant-001")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.Purpose != domain.KeyPurposeDataEncryption {
		t.Errorf("expected purpose=data_encryption, got %s", key.Purpose)
	}

	// 別テナントからは「存在しない」と同じ結果になる
	key, err = repo.FindByID(ctx, "key-1", "tenant-002")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil for cross-tenant lookup, got %+v", key)
	}
}

func TestKeyRepository_FindLatestActiveByPurpose(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "deprecated")
	insertKey(t, db, "key-2", "tenant-001", "data_encryption", 2, "active")
	insertKey(t, db, "key-3", "tenant-001", "data_encryption", 3, "disabled")
	insertKey(t, db, "key-4", "tenant-001", "document_encryption", 1, "active")

	// 同一用途の最大バージョンのACTIVE鍵を返す
	key, err := repo.FindLatestActiveByPurpose(ctx, "tenant-001", domain.KeyPurposeDataEncryption)
	if err != nil {
		t.Fatalf("FindLatestActiveByPurpose failed: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.ID != "key-2" {
		t.Errorf("expected key-2, got %s", key.ID)
	}

	// DEPRECATEDのみの用途は「最新なし」
	if err := db.Exec("UPDATE encryption_keys SET status = 'deprecated' WHERE id = 'key-2'").Error; err != nil {
		t.Fatalf("failed to update test data: %v", err)
	}
	key, err = repo.FindLatestActiveByPurpose(ctx, "tenant-001", domain.KeyPurposeDataEncryption)
	if err != nil {
		t.Fatalf("FindLatestActiveByPurpose failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil when no active key remains, got %+v", key)
	}
}

func TestKeyRepository_GetMaxVersion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "deprecated")
	insertKey(t, db, "key-2", "tenant-001", "data_encryption", 2, "active")

	maxVersion, err := repo.GetMaxVersion(ctx, "tenant-001", domain.KeyPurposeDataEncryption)
	if err != nil {
		t.Fatalf("GetMaxVersion failed: %v", err)
	}
	if maxVersion != 2 {
		t.Errorf("expected maxVersion=2, got %d", maxVersion)
	}

	// 鍵がない場合は0
	maxVersion, err = repo.GetMaxVersion(ctx, "tenant-002", domain.KeyPurposeDataEncryption)
	if err != nil {
		t.Fatalf("GetMaxVersion failed: %v", err)
	}
	if maxVersion != 0 {
		t.Errorf("expected maxVersion=0, got %d", maxVersion)
	}
}

func TestKeyRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")

	if err := repo.UpdateStatus(ctx, "key-1", "tenant-001", domain.KeyStatusDisabled); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	var model EncryptionKeyModel
	if err := db.Where("id = ?", "key-1").First(&model).Error; err != nil {
		t.Fatalf("failed to fetch updated record: %v", err)
	}
	if model.Status != string(domain.KeyStatusDisabled) {
		t.Errorf("expected status=disabled, got %s", model.Status)
	}

	// 別テナントからの更新はErrKeyNotFound
	err := repo.UpdateStatus(ctx, "key-1", "tenant-002", domain.KeyStatusActive)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound for cross-tenant update, got %v", err)
	}
}

func TestKeyRepository_List(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "deprecated")
	insertKey(t, db, "key-2", "tenant-001", "data_encryption", 2, "active")
	insertKey(t, db, "key-3", "tenant-001", "document_encryption", 1, "active")
	insertKey(t, db, "key-4", "tenant-002", "data_encryption", 1, "active")

	// テナント内の全鍵
	keys, err := repo.List(ctx, "tenant-001", domain.KeyListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}

	// ステータスで絞り込み
	keys, err = repo.List(ctx, "tenant-001", domain.KeyListFilter{Status: domain.KeyStatusActive})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 active keys, got %d", len(keys))
	}

	// 用途で絞り込み
	keys, err = repo.List(ctx, "tenant-001", domain.KeyListFilter{Purpose: domain.KeyPurposeDataEncryption})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 data_encryption keys, got %d", len(keys))
	}
	// 同一用途内はバージョン降順
	if keys[0].Version != 2 || keys[1].Version != 1 {
		t.Errorf("expected versions [2 1], got [%d %d]", keys[0].Version, keys[1].Version)
	}

	// ページング
	keys, err = repo.List(ctx, "tenant-001", domain.KeyListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 key with limit/offset, got %d", len(keys))
	}
}

func TestKeyRepository_Delete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "disabled")
	if err := db.Exec("INSERT INTO rotation_schedules (key_id, enabled, interval_days, next_rotation_at) VALUES (?, ?, ?, ?)",
		"key-1", true, 30, time.Now()).Error; err != nil {
		t.Fatalf("failed to insert schedule: %v", err)
	}

	if err := repo.Delete(ctx, "key-1", "tenant-001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// 鍵とスケジュールの両方が削除されていること
	var keyCount, scheduleCount int64
	db.Model(&EncryptionKeyModel{}).Count(&keyCount)
	db.Model(&RotationScheduleModel{}).Count(&scheduleCount)
	if keyCount != 0 {
		t.Errorf("expected 0 keys, got %d", keyCount)
	}
	if scheduleCount != 0 {
		t.Errorf("expected 0 schedules, got %d", scheduleCount)
	}

	// 存在しない鍵の削除はErrKeyNotFound
	err := repo.Delete(ctx, "key-1", "tenant-001")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRepository_CountByStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")
	insertKey(t, db, "key-2", "tenant-001", "data_encryption", 2, "deprecated")
	insertKey(t, db, "key-3", "tenant-001", "document_encryption", 1, "active")
	insertKey(t, db, "key-4", "tenant-002", "data_encryption", 1, "active")

	counts, err := repo.CountByStatus(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[domain.KeyStatusActive] != 2 {
		t.Errorf("expected 2 active, got %d", counts[domain.KeyStatusActive])
	}
	if counts[domain.KeyStatusDeprecated] != 1 {
		t.Errorf("expected 1 deprecated, got %d", counts[domain.KeyStatusDeprecated])
	}
}

func TestKeyRepository_FindExpired(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	past := time.Now().Add(-24 * time.Hour)
	future := time.Now().Add(24 * time.Hour)

	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")
	insertKey(t, db, "key-2", "tenant-001", "data_encryption", 2, "active")
	if err := db.Exec("UPDATE encryption_keys SET expires_at = ? WHERE id = 'key-1'", past).Error; err != nil {
		t.Fatalf("failed to set expires_at: %v", err)
	}
	if err := db.Exec("UPDATE encryption_keys SET expires_at = ? WHERE id = 'key-2'", future).Error; err != nil {
		t.Fatalf("failed to set expires_at: %v", err)
	}

	expired, err := repo.FindExpired(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired key, got %d", len(expired))
	}
	if expired[0].ID != "key-1" {
		t.Errorf("expected key-1, got %s", expired[0].ID)
	}
}

func TestScheduleRepository_UpsertAndFind(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	next := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	schedule := &domain.RotationSchedule{
		KeyID:          "key-1",
		Enabled:        true,
		IntervalDays:   30,
		NextRotationAt: next,
	}
	if err := repo.UpsertSchedule(ctx, schedule); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}

	found, err := repo.FindSchedule(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindSchedule failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected schedule, got nil")
	}
	if found.IntervalDays != 30 {
		t.Errorf("expected intervalDays=30, got %d", found.IntervalDays)
	}

	// 同一key_idへの再登録は上書き
	schedule.IntervalDays = 90
	if err := repo.UpsertSchedule(ctx, schedule); err != nil {
		t.Fatalf("UpsertSchedule (update) failed: %v", err)
	}
	found, err = repo.FindSchedule(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindSchedule failed: %v", err)
	}
	if found.IntervalDays != 90 {
		t.Errorf("expected intervalDays=90 after upsert, got %d", found.IntervalDays)
	}

	// 存在しないスケジュールはnil
	found, err = repo.FindSchedule(ctx, "absent")
	if err != nil {
		t.Fatalf("FindSchedule failed: %v", err)
	}
	if found != nil {
		t.Errorf("expected nil, got %+v", found)
	}
}

func TestScheduleRepository_FindDueSchedules(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	now := time.Now().UTC()
	overdue := &domain.RotationSchedule{KeyID: "key-overdue", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(-time.Hour)}
	upcoming := &domain.RotationSchedule{KeyID: "key-upcoming", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(time.Hour)}
	disabled := &domain.RotationSchedule{KeyID: "key-disabled", Enabled: false, IntervalDays: 30, NextRotationAt: now.Add(-time.Hour)}
	for _, s := range []*domain.RotationSchedule{overdue, upcoming, disabled} {
		if err := repo.UpsertSchedule(ctx, s); err != nil {
			t.Fatalf("UpsertSchedule failed: %v", err)
		}
	}

	// 有効かつ期限超過のもののみ
	due, err := repo.FindDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("FindDueSchedules failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due schedule, got %d", len(due))
	}
	if due[0].KeyID != "key-overdue" {
		t.Errorf("expected key-overdue, got %s", due[0].KeyID)
	}
}

func TestScheduleRepository_SetScheduleEnabled(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	schedule := &domain.RotationSchedule{KeyID: "key-1", Enabled: true, IntervalDays: 30, NextRotationAt: time.Now()}
	if err := repo.UpsertSchedule(ctx, schedule); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}

	if err := repo.SetScheduleEnabled(ctx, "key-1", false); err != nil {
		t.Fatalf("SetScheduleEnabled failed: %v", err)
	}
	found, _ := repo.FindSchedule(ctx, "key-1")
	if found.Enabled {
		t.Error("expected schedule disabled")
	}

	err := repo.SetScheduleEnabled(ctx, "absent", true)
	if !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestKeyRepository_ApplyRotation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-old", "tenant-001", "data_encryption", 1, "active")
	now := time.Now().UTC()
	if err := repo.UpsertSchedule(ctx, &domain.RotationSchedule{
		KeyID:          "key-old",
		Enabled:        true,
		IntervalDays:   30,
		NextRotationAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}

	successor := &domain.EncryptionKey{
		TenantID:     "tenant-001",
		Purpose:      domain.KeyPurposeDataEncryption,
		Version:      2,
		Algorithm:    domain.DefaultAlgorithm,
		EncryptedKey: []byte("wrapped-2"),
		IV:           []byte("iv"),
		AuthTag:      []byte("tag"),
		Status:       domain.KeyStatusActive,
	}
	if err := repo.ApplyRotation(ctx, "key-old", "tenant-001", successor, now); err != nil {
		t.Fatalf("ApplyRotation failed: %v", err)
	}

	// 旧鍵はDEPRECATED
	old, err := repo.FindByID(ctx, "key-old", "tenant-001")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if old.Status != domain.KeyStatusDeprecated {
		t.Errorf("expected old key deprecated, got %s", old.Status)
	}

	// 後継鍵が最新ACTIVE
	latest, err := repo.FindLatestActiveByPurpose(ctx, "tenant-001", domain.KeyPurposeDataEncryption)
	if err != nil {
		t.Fatalf("FindLatestActiveByPurpose failed: %v", err)
	}
	if latest == nil || latest.Version != 2 {
		t.Fatalf("expected version 2 active key, got %+v", latest)
	}

	// スケジュールは後継鍵へ引き継がれ、旧鍵側は無効化される
	oldSchedule, _ := repo.FindSchedule(ctx, "key-old")
	if oldSchedule == nil || oldSchedule.Enabled {
		t.Errorf("expected old schedule disabled, got %+v", oldSchedule)
	}
	if oldSchedule != nil && oldSchedule.LastRotationAt == nil {
		t.Error("expected lastRotationAt recorded on old schedule")
	}
	newSchedule, _ := repo.FindSchedule(ctx, successor.ID)
	if newSchedule == nil || !newSchedule.Enabled {
		t.Fatalf("expected enabled schedule on successor, got %+v", newSchedule)
	}
	if !newSchedule.NextRotationAt.After(now) {
		t.Error("expected successor nextRotationAt in the future")
	}
}

func TestKeyRepository_ApplyRotation_RollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertKey(t, db, "key-old", "tenant-001", "data_encryption", 1, "active")
	insertKey(t, db, "key-taken", "tenant-001", "data_encryption", 2, "active")

	// 後継バージョンが衝突した場合、旧鍵のDEPRECATED遷移もロールバックされる
	successor := &domain.EncryptionKey{
		TenantID:     "tenant-001",
		Purpose:      domain.KeyPurposeDataEncryption,
		Version:      2,
		Algorithm:    domain.DefaultAlgorithm,
		EncryptedKey: []byte("wrapped"),
		IV:           []byte("iv"),
		AuthTag:      []byte("tag"),
		Status:       domain.KeyStatusActive,
	}
	if err := repo.ApplyRotation(ctx, "key-old", "tenant-001", successor, time.Now().UTC()); err == nil {
		t.Fatal("expected version conflict, got nil")
	}

	old, err := repo.FindByID(ctx, "key-old", "tenant-001")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if old.Status != domain.KeyStatusActive {
		t.Errorf("expected old key still active after rollback, got %s", old.Status)
	}
}

func TestScheduleRepository_ScheduleStats(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	now := time.Now().UTC()
	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")
	insertKey(t, db, "key-2", "tenant-001", "document_encryption", 1, "active")
	insertKey(t, db, "key-3", "tenant-002", "data_encryption", 1, "active")

	schedules := []*domain.RotationSchedule{
		{KeyID: "key-1", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(-time.Hour)},
		{KeyID: "key-2", Enabled: true, IntervalDays: 30, NextRotationAt: now.Add(time.Hour)},
		{KeyID: "key-3", Enabled: false, IntervalDays: 30, NextRotationAt: now.Add(time.Hour)},
	}
	for _, s := range schedules {
		if err := repo.UpsertSchedule(ctx, s); err != nil {
			t.Fatalf("UpsertSchedule failed: %v", err)
		}
	}

	// テナント絞り込みあり
	stats, err := repo.ScheduleStats(ctx, "tenant-001", now)
	if err != nil {
		t.Fatalf("ScheduleStats failed: %v", err)
	}
	if stats.TotalScheduled != 2 {
		t.Errorf("expected totalScheduled=2, got %d", stats.TotalScheduled)
	}
	if stats.ActiveSchedules != 2 {
		t.Errorf("expected activeSchedules=2, got %d", stats.ActiveSchedules)
	}
	if stats.OverdueRotations != 1 {
		t.Errorf("expected overdueRotations=1, got %d", stats.OverdueRotations)
	}
	if stats.UpcomingRotations != 1 {
		t.Errorf("expected upcomingRotations=1, got %d", stats.UpcomingRotations)
	}

	// 全テナント対象
	stats, err = repo.ScheduleStats(ctx, "", now)
	if err != nil {
		t.Fatalf("ScheduleStats failed: %v", err)
	}
	if stats.TotalScheduled != 3 {
		t.Errorf("expected totalScheduled=3, got %d", stats.TotalScheduled)
	}
}

func TestScheduleRepository_ListAutoRotationKeys(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	now := time.Now().UTC()
	insertKey(t, db, "key-1", "tenant-001", "data_encryption", 1, "active")
	insertKey(t, db, "key-2", "tenant-001", "document_encryption", 1, "active")
	if err := repo.UpsertSchedule(ctx, &domain.RotationSchedule{KeyID: "key-1", Enabled: true, IntervalDays: 30, NextRotationAt: now}); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}
	if err := repo.UpsertSchedule(ctx, &domain.RotationSchedule{KeyID: "key-2", Enabled: false, IntervalDays: 30, NextRotationAt: now}); err != nil {
		t.Fatalf("UpsertSchedule failed: %v", err)
	}

	keys, err := repo.ListAutoRotationKeys(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("ListAutoRotationKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].ID != "key-1" {
		t.Errorf("expected key-1, got %s", keys[0].ID)
	}
}
