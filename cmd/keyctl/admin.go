package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tenant-kms/config"
	"tenant-kms/internal/audit"
	"tenant-kms/internal/crypto"
	"tenant-kms/internal/infra"
	"tenant-kms/internal/repository"
	"tenant-kms/internal/rotation"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Master key utilities",
}

var masterGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new master key",
	Long:  "Generate a random 256-bit master key as 64 hex characters, suitable for MASTER_ENCRYPTION_KEY or AUDIT_HMAC_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		fmt.Println(key)
		return nil
	},
}

// sweepCmd は期限超過スケジュールの一括ローテーションをサーバーを介さず実行する。
// cronなどの定期実行から呼び出されることを想定している。
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Rotate all keys whose rotation schedule is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL environment variable is required")
			}

			db, err := infra.NewDB(cfg.DatabaseURL, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			var wrapper rotation.Wrapper
			if cfg.MasterKeyProvider == "cloudkms" {
				kmsWrapper, err := infra.NewCloudKMSWrapper(ctx, cfg.KMSKeyName)
				if err != nil {
					return fmt.Errorf("failed to init Cloud KMS: %w", err)
				}
				defer kmsWrapper.Close()
				wrapper = kmsWrapper
			} else {
				master, err := crypto.NewMasterKeyManager(cfg.MasterEncryptionKey)
				if err != nil {
					return fmt.Errorf("failed to init master key: %w", err)
				}
				wrapper = master
			}

			keyRepo := repository.NewKeyRepository(db)
			auditLogger, err := audit.NewLogger(repository.NewAuditRepository(db), cfg.AuditHMACKey)
			if err != nil {
				return fmt.Errorf("failed to init audit logger: %w", err)
			}

			manager := rotation.NewManager(keyRepo, wrapper, auditLogger)
			report, err := manager.CheckAndRotateExpiredKeys(ctx)
			if err != nil {
				return fmt.Errorf("rotation sweep failed: %w", err)
			}

			fmt.Printf("Processed %d schedule(s): %d rotated, %d failed\n",
				report.TotalProcessed, len(report.RotatedKeys), len(report.FailedKeys))
			for _, failure := range report.FailedKeys {
				fmt.Printf("  failed: %s (%s)\n", failure.KeyID, failure.Reason)
			}
			return nil
		},
	}
}

func init() {
	masterCmd.AddCommand(masterGenerateCmd)
}
