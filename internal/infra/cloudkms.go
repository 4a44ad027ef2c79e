package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// CloudKMSWrapper はデータ鍵のラップをCloud KMSへ委譲する。
// MASTER_KEY_PROVIDER=cloudkms の場合にローカルのマスターキーの代わりに使用し、
// ルート鍵の素材をプロセスのメモリに置かない構成をとる。
// Cloud KMSのCiphertextにはIVと認証タグが内包されるため、分離フィールドは
// 空のまま保存される。
type CloudKMSWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewCloudKMSWrapper はCloud KMSクライアントを初期化する。
func NewCloudKMSWrapper(ctx context.Context, keyName string) (*CloudKMSWrapper, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required when MASTER_KEY_PROVIDER=cloudkms")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Cloud KMS client: %w", err)
	}
	return &CloudKMSWrapper{client: client, keyName: keyName}, nil
}

// Wrap はデータ鍵の平文をCloud KMSで暗号化する。
func (w *CloudKMSWrapper) Wrap(ctx context.Context, plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	resp, err := w.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wrapping via Cloud KMS: %w", err)
	}
	return resp.Ciphertext, []byte{}, []byte{}, nil
}

// Unwrap はラップ済みデータ鍵をCloud KMSで復号する。iv/authTagは使用しない。
func (w *CloudKMSWrapper) Unwrap(ctx context.Context, ciphertext, iv, authTag []byte) ([]byte, error) {
	resp, err := w.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("unwrapping via Cloud KMS: %w", err)
	}
	return resp.Plaintext, nil
}

// Validate は鍵リソースへ到達可能かを返す。
func (w *CloudKMSWrapper) Validate(ctx context.Context) bool {
	_, err := w.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: w.keyName})
	return err == nil
}

// Close はKMSクライアントを閉じる。
func (w *CloudKMSWrapper) Close() error {
	return w.client.Close()
}
