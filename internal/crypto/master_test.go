package crypto

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"tenant-kms/internal/domain"
)

func mustGenerateKey(t *testing.T) string {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	return key
}

func TestNewMasterKeyManager_Success(t *testing.T) {
	hexKey := mustGenerateKey(t)

	m, err := NewMasterKeyManager(hexKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := m.GetMasterKey()
	if len(key) != 32 {
		t.Errorf("want key length 32, got %d", len(key))
	}
}

func TestNewMasterKeyManager_MissingKey(t *testing.T) {
	_, err := NewMasterKeyManager("")
	if domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
}

func TestNewMasterKeyManager_InvalidHex(t *testing.T) {
	_, err := NewMasterKeyManager("not-a-hex-string")
	if domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
}

func TestNewMasterKeyManager_WrongLength(t *testing.T) {
	_, err := NewMasterKeyManager("abcd1234")
	if domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
}

func TestGetMasterKey_Stable(t *testing.T) {
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key1 := m.GetMasterKey()
	key2 := m.GetMasterKey()
	if !bytes.Equal(key1, key2) {
		t.Error("want identical key bytes across calls")
	}

	// 返却されたコピーを書き換えても内部状態に影響しない
	key1[0] ^= 0xff
	key3 := m.GetMasterKey()
	if !bytes.Equal(key2, key3) {
		t.Error("mutating returned buffer must not affect the manager")
	}
}

func TestValidateMasterKey_AllZeros(t *testing.T) {
	zeroKey := strings.Repeat("0", 64)
	m, err := NewMasterKeyManager(zeroKey)
	if err != nil {
		t.Fatalf("format checks must pass for all-zero key: %v", err)
	}
	if m.ValidateMasterKey() {
		t.Error("want validateMasterKey=false for all-zero key")
	}
}

func TestValidateMasterKey_RandomKey(t *testing.T) {
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.ValidateMasterKey() {
		t.Error("want validateMasterKey=true for random key")
	}
}

func TestRotateMasterKey_Success(t *testing.T) {
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oldKey := m.GetMasterKey()

	newHex := mustGenerateKey(t)
	if err := m.RotateMasterKey(newHex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newKey := m.GetMasterKey()
	if bytes.Equal(oldKey, newKey) {
		t.Error("want key to change after rotation")
	}
}

func TestRotateMasterKey_SameKey(t *testing.T) {
	hexKey := mustGenerateKey(t)
	m, err := NewMasterKeyManager(hexKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = m.RotateMasterKey(hexKey)
	if domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR for no-op rotation, got %v", err)
	}
}

func TestRotateMasterKey_InvalidFormat(t *testing.T) {
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.RotateMasterKey("invalid-format"); domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
	if err := m.RotateMasterKey("abcd1234"); domain.CodeOf(err) != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
}

func TestGetMasterKeyInfo_NoMaterial(t *testing.T) {
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := m.GetMasterKeyInfo()
	if info.Length != 32 {
		t.Errorf("want length 32, got %d", info.Length)
	}
	if info.Algorithm != domain.DefaultAlgorithm {
		t.Errorf("want algorithm %s, got %s", domain.DefaultAlgorithm, info.Algorithm)
	}
	if !info.IsValid {
		t.Error("want is_valid=true")
	}
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plaintext := []byte("0123456789abcdef0123456789abcdef")
	ciphertext, iv, authTag, err := m.Wrap(ctx, plaintext)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext must differ from plaintext")
	}
	if len(iv) != 12 {
		t.Errorf("want 12-byte iv, got %d", len(iv))
	}
	if len(authTag) != 16 {
		t.Errorf("want 16-byte auth tag, got %d", len(authTag))
	}

	decrypted, err := m.Unwrap(ctx, ciphertext, iv, authTag)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip must recover the plaintext")
	}
}

func TestUnwrap_TamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, iv, authTag, err := m.Wrap(ctx, []byte("secret-data-key-material-32bytes"))
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	ciphertext[0] ^= 0xff
	_, err = m.Unwrap(ctx, ciphertext, iv, authTag)
	if err == nil {
		t.Fatal("want error for tampered ciphertext")
	}
	var kmErr *domain.KeyManagementError
	if !errors.As(err, &kmErr) || kmErr.Code != domain.ErrCodeMasterKey {
		t.Errorf("want MASTER_KEY_ERROR, got %v", err)
	}
}

func TestUnwrap_AfterMasterRotation(t *testing.T) {
	ctx := context.Background()
	m, err := NewMasterKeyManager(mustGenerateKey(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, iv, authTag, err := m.Wrap(ctx, []byte("secret-data-key-material-32bytes"))
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	// マスターキーのローテーションは既存のラップ済み鍵を再ラップしないため、
	// 旧マスターキーでラップされた鍵は復号できなくなる
	if err := m.RotateMasterKey(mustGenerateKey(t)); err != nil {
		t.Fatalf("RotateMasterKey failed: %v", err)
	}
	if _, err := m.Unwrap(ctx, ciphertext, iv, authTag); err == nil {
		t.Error("want unwrap failure after master key rotation without re-wrap")
	}
}
