// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は暗号鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDeprecated はローテーションで退役した鍵を表す（復号専用）。
	KeyStatusDeprecated KeyStatus = "deprecated"
	// KeyStatusDisabled は無効化された鍵を表す。
	KeyStatusDisabled KeyStatus = "disabled"
	// KeyStatusCompromised は漏洩が疑われる鍵を表す（終端状態）。
	KeyStatusCompromised KeyStatus = "compromised"
	// KeyStatusExpired は有効期限切れの鍵を表す。
	KeyStatusExpired KeyStatus = "expired"
)

// CanTransition はステータス遷移が許可されているかを返す。
// 遷移表はここに集約し、各操作でのステータスチェックはこの関数に委譲する。
// compromised からの復帰遷移は存在しない（削除のみ可能）。
func CanTransition(from, to KeyStatus) bool {
	switch from {
	case KeyStatusActive:
		return to == KeyStatusDeprecated || to == KeyStatusDisabled ||
			to == KeyStatusCompromised || to == KeyStatusExpired
	case KeyStatusDisabled:
		return to == KeyStatusActive
	case KeyStatusDeprecated:
		return to == KeyStatusCompromised || to == KeyStatusExpired
	default:
		return false
	}
}

// KeyPurpose は鍵の用途を表す。
type KeyPurpose string

const (
	KeyPurposeDataEncryption     KeyPurpose = "data_encryption"
	KeyPurposeDocumentEncryption KeyPurpose = "document_encryption"
	KeyPurposeFieldEncryption    KeyPurpose = "field_encryption"
)

// ValidPurpose は用途が既知の値かを返す。
func ValidPurpose(p KeyPurpose) bool {
	switch p {
	case KeyPurposeDataEncryption, KeyPurposeDocumentEncryption, KeyPurposeFieldEncryption:
		return true
	}
	return false
}

// DefaultAlgorithm はデータ鍵のデフォルトアルゴリズム。
const DefaultAlgorithm = "aes-256-gcm"

// EncryptionKey は暗号鍵エンティティを表す。暗号化済みペイロードのみを保持し、
// 平文の鍵素材は永続化しない。
type EncryptionKey struct {
	ID           string
	TenantID     string
	Purpose      KeyPurpose
	Version      uint
	Algorithm    string
	EncryptedKey []byte
	IV           []byte
	AuthTag      []byte
	Status       KeyStatus
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Metadata     map[string]string
}

// Expired は有効期限が過ぎているかを返す。
func (k *EncryptionKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// KeyMetadata は暗号鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	ID         string
	TenantID   string
	Purpose    KeyPurpose
	Version    uint
	Algorithm  string
	Status     KeyStatus
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Metadata   map[string]string
}

// Meta はエンティティからメタデータ表現を生成する。
func (k *EncryptionKey) Meta() *KeyMetadata {
	return &KeyMetadata{
		ID:         k.ID,
		TenantID:   k.TenantID,
		Purpose:    k.Purpose,
		Version:    k.Version,
		Algorithm:  k.Algorithm,
		Status:     k.Status,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
		UpdatedAt:  k.UpdatedAt,
		Metadata:   k.Metadata,
	}
}

// Key は復号済みの暗号鍵を表す。
type Key struct {
	ID       string
	TenantID string
	Purpose  KeyPurpose
	Version  uint
	Material []byte // 平文の鍵素材
}

// RotationSchedule は鍵の自動ローテーション予定を表す。鍵と1対1で対応する。
type RotationSchedule struct {
	KeyID          string
	Enabled        bool
	IntervalDays   int
	NextRotationAt time.Time
	LastRotationAt *time.Time
}

// MasterKeyInfo はマスターキーのメタ情報を表す。鍵素材そのものは含まない。
type MasterKeyInfo struct {
	Length    int    `json:"length"`
	Algorithm string `json:"algorithm"`
	IsValid   bool   `json:"is_valid"`
}

// KeyListFilter は鍵一覧取得の絞り込み条件。
type KeyListFilter struct {
	Status  KeyStatus
	Purpose KeyPurpose
	Limit   int
	Offset  int
}

// RotationReport は期限切れ鍵の一括ローテーション結果を表す。
// 個別の失敗は収集され、処理全体は中断されない。
type RotationReport struct {
	RotatedKeys    []string
	FailedKeys     []RotationFailure
	TotalProcessed int
}

// RotationFailure は一括ローテーション中の単一鍵の失敗を表す。
type RotationFailure struct {
	KeyID  string
	Reason string
}

// RotationStats はローテーションスケジュールの集計を表す。
type RotationStats struct {
	TotalScheduled    int
	ActiveSchedules   int
	UpcomingRotations int
	OverdueRotations  int
}

// DataReference は再暗号化対象のデータ位置を表す。実際のカラム再暗号化は
// 呼び出し側のコールバックが行う。
type DataReference struct {
	Table    string
	Column   string
	IDColumn string
	IDs      []string
}
