// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tenant-kms/config"
	"tenant-kms/internal/audit"
	"tenant-kms/internal/crypto"
	"tenant-kms/internal/handler"
	"tenant-kms/internal/infra"
	"tenant-kms/internal/repository"
	"tenant-kms/internal/rotation"
	"tenant-kms/internal/usecase"
)

// keyWrapper はデータ鍵ラップ実装の共通インターフェース。
// MASTER_KEY_PROVIDERに応じてローカル実装とCloud KMS実装を切り替える。
type keyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) (ciphertext, iv, authTag []byte, err error)
	Unwrap(ctx context.Context, ciphertext, iv, authTag []byte) ([]byte, error)
	Validate(ctx context.Context) bool
}

func newWrapper(ctx context.Context, cfg *config.Config) (keyWrapper, io.Closer, error) {
	if cfg.MasterKeyProvider == "cloudkms" {
		w, err := infra.NewCloudKMSWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}
	w, err := crypto.NewMasterKeyManager(cfg.MasterEncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	return w, nil, nil
}

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()
	logLevel := infra.ParseLogLevel(cfg.LogLevel)

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// マスターキー初期化
	wrapper, closer, err := newWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init master key", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
	}

	// キャッシュ初期化
	cacheStore := infra.NewCacheStore(cfg)

	// DI
	keyRepo := repository.NewKeyRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	auditLogger, err := audit.NewLogger(auditRepo, cfg.AuditHMACKey)
	if err != nil {
		slog.Error("failed to init audit logger", "error", err)
		os.Exit(1)
	}
	rotationMgr := rotation.NewManager(keyRepo, wrapper, auditLogger)
	cacheTTL := time.Duration(cfg.KeyCacheTTLSecs) * time.Second
	service := usecase.NewKeyService(keyRepo, wrapper, cacheStore, auditLogger, rotationMgr, cacheTTL)

	router := handler.NewRouter(cfg, handler.NewKeyHandler(service, rotationMgr), handler.NewAuditHandler(auditLogger))

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
