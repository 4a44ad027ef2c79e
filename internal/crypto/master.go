// Package crypto はマスターキー管理とデータ鍵のエンベロープ暗号化を提供する。
package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"tenant-kms/internal/domain"
)

const (
	// masterKeySize はマスターキーのバイト長（AES-256）。
	masterKeySize = 32
	// gcmTagSize はGCM認証タグのバイト長。
	gcmTagSize = 16
)

// MasterKeyManager はルート対称鍵を保持し、テナントごとのデータ鍵の
// ラップ（暗号化）とアンラップ（復号）を行う。鍵素材はメモリ上にのみ存在し、
// 永続化されない。
type MasterKeyManager struct {
	mu  sync.RWMutex
	key []byte
}

// NewMasterKeyManager は64文字の16進数文字列からマスターキーを読み込む。
// 値が空、16進数でない、またはデコード後に32バイトでない場合は
// MASTER_KEY_ERROR を返す。
func NewMasterKeyManager(hexKey string) (*MasterKeyManager, error) {
	key, err := decodeMasterKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &MasterKeyManager{key: key}, nil
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, domain.NewError(domain.ErrCodeMasterKey, "master key is not configured", nil)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeMasterKey, "master key is not valid hexadecimal", err)
	}
	if len(key) != masterKeySize {
		return nil, domain.NewError(domain.ErrCodeMasterKey,
			fmt.Sprintf("master key must be %d bytes, got %d", masterKeySize, len(key)), nil)
	}
	return key, nil
}

// GetMasterKey はマスターキーのコピーを返す。呼び出しごとに同一のバイト列を返す。
func (m *MasterKeyManager) GetMasterKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.key))
	copy(out, m.key)
	return out
}

// ValidateMasterKey はマスターキーが暗号学的に妥当かを返す。
// 形式上は正しくても全バイトがゼロの鍵は弱鍵として false を返す。
func (m *MasterKeyManager) ValidateMasterKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	zero := make([]byte, len(m.key))
	return subtle.ConstantTimeCompare(m.key, zero) != 1
}

// RotateMasterKey はメモリ上のマスターキーを差し替える。新しい鍵の形式・長さを
// 検証し、現在の鍵と同一の場合は MASTER_KEY_ERROR で拒否する。
// マスターキーのローテーションは既存のラップ済みデータ鍵を再ラップしない。
// 再ラップは呼び出し側が明示的に再暗号化ワークフローとして実行する。
func (m *MasterKeyManager) RotateMasterKey(newKeyHex string) error {
	newKey, err := decodeMasterKey(newKeyHex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes.Equal(m.key, newKey) {
		return domain.NewError(domain.ErrCodeMasterKey, "new master key must differ from current key", nil)
	}
	// 旧鍵をゼロ埋めしてから差し替える
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = newKey
	return nil
}

// GetMasterKeyInfo は鍵素材を含まないメタ情報を返す。ヘルスチェックや
// 運用ツールがログ経由で秘密情報を漏らさないための口。
func (m *MasterKeyManager) GetMasterKeyInfo() domain.MasterKeyInfo {
	m.mu.RLock()
	length := len(m.key)
	m.mu.RUnlock()
	return domain.MasterKeyInfo{
		Length:    length,
		Algorithm: domain.DefaultAlgorithm,
		IsValid:   m.ValidateMasterKey(),
	}
}

// GenerateMasterKey は新しいランダムなマスターキーを64文字の16進数で生成する。
// プロビジョニング用のユーティリティであり、ランタイムでは使用しない。
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Wrap はデータ鍵の平文をマスターキーでAES-256-GCM暗号化し、
// 暗号文・IV・認証タグを分離して返す。
func (m *MasterKeyManager) Wrap(ctx context.Context, plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	gcm, err := m.newGCM()
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generating iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Sealの出力は 暗号文||認証タグ
	ciphertext = sealed[:len(sealed)-gcmTagSize]
	authTag = sealed[len(sealed)-gcmTagSize:]
	return ciphertext, iv, authTag, nil
}

// Unwrap はラップ済みデータ鍵を復号して平文の鍵素材を返す。
func (m *MasterKeyManager) Unwrap(ctx context.Context, ciphertext, iv, authTag []byte) ([]byte, error) {
	gcm, err := m.newGCM()
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeMasterKey, "failed to unwrap data key", err)
	}
	return plaintext, nil
}

// Validate はラップ処理が可能な状態かを返す。
func (m *MasterKeyManager) Validate(ctx context.Context) bool {
	return m.ValidateMasterKey()
}

func (m *MasterKeyManager) newGCM() (cipher.AEAD, error) {
	m.mu.RLock()
	key := make([]byte, len(m.key))
	copy(key, m.key)
	m.mu.RUnlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeMasterKey, "failed to initialize cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeMasterKey, "failed to initialize GCM", err)
	}
	return gcm, nil
}
