// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Tenant KMS CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(disableCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

func requireAPIURL() error {
	if apiURL == "" {
		return fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}
	return nil
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var tenantID, purpose string
	var intervalDays int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			payload, err := json.Marshal(map[string]interface{}{
				"purpose":                purpose,
				"rotation_interval_days": intervalDays,
			})
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/tenants/%s/keys", apiURL, tenantID)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Created key %s for tenant %q (purpose: %s, version: %.0f)\n",
					result["id"], tenantID, result["purpose"], result["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&purpose, "purpose", "data_encryption", "Key purpose: data_encryption, document_encryption, field_encryption")
	cmd.Flags().IntVar(&intervalDays, "rotation-interval", 0, "Auto-rotation interval in days (0 disables auto-rotation)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// getCmd は鍵の取得コマンド。--keyを省略すると指定用途の最新ACTIVE鍵を返す。
func getCmd() *cobra.Command {
	var tenantID, keyID, purpose string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a decrypted key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			var url string
			if keyID != "" {
				url = fmt.Sprintf("%s/v1/tenants/%s/keys/%s", apiURL, tenantID, keyID)
			} else {
				url = fmt.Sprintf("%s/v1/tenants/%s/keys/current?purpose=%s", apiURL, tenantID, purpose)
			}

			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Println(result["key"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (optional, defaults to current key for --purpose)")
	cmd.Flags().StringVar(&purpose, "purpose", "data_encryption", "Key purpose when fetching the current key")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var tenantID, keyID string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/tenants/%s/keys/%s/rotate", apiURL, tenantID, keyID)
			resp, err := httpClient.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Rotated key for tenant %q (new key: %s, version: %.0f)\n",
					tenantID, result["id"], result["version"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var tenantID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/tenants/%s/keys", apiURL, tenantID)
			if status != "" {
				url += "?status=" + status
			}
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Keys []struct {
						ID        string `json:"id"`
						Purpose   string `json:"purpose"`
						Version   uint   `json:"version"`
						Status    string `json:"status"`
						CreatedAt string `json:"created_at"`
					} `json:"keys"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-40s %-22s %-8s %-12s %s\n", "ID", "PURPOSE", "VERSION", "STATUS", "CREATED_AT")
				for _, k := range result.Keys {
					fmt.Printf("%-40s %-22s %-8d %-12s %s\n", k.ID, k.Purpose, k.Version, k.Status, k.CreatedAt)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, deprecated, disabled, compromised, expired)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

// disableCmd は鍵の無効化コマンド。
func disableCmd() *cobra.Command {
	var tenantID, keyID, reason string
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable a key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			payload, err := json.Marshal(map[string]string{"reason": reason})
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}

			url := fmt.Sprintf("%s/v1/tenants/%s/keys/%s/deactivate", apiURL, tenantID, keyID)
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusNoContent {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println("{}")
			} else {
				fmt.Printf("Disabled key %s for tenant %q\n", keyID, tenantID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("key")
	return cmd
}

// auditCmd は監査ログのエクスポートコマンド。
func auditCmd() *cobra.Command {
	var tenantID, format, outFile string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export audit logs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}
			if format != "json" && format != "csv" {
				return fmt.Errorf("--format must be json or csv")
			}

			url := fmt.Sprintf("%s/v1/tenants/%s/audit-logs/export?format=%s", apiURL, tenantID, format)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, body, 0o600); err != nil {
					return fmt.Errorf("writing output file: %w", err)
				}
				fmt.Printf("Exported audit logs for tenant %q to %s\n", tenantID, outFile)
				return nil
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&format, "format", "json", "Export format: json, csv")
	cmd.Flags().StringVar(&outFile, "out", "", "Output file (defaults to stdout)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
