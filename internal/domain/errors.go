package domain

import (
	"errors"
	"fmt"
)

// ErrorCode は鍵管理エラーの分類を表す。
type ErrorCode string

const (
	ErrCodeMasterKey      ErrorCode = "MASTER_KEY_ERROR"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeExpired        ErrorCode = "EXPIRED"
	ErrCodeDisabled       ErrorCode = "DISABLED"
	ErrCodeCompromised    ErrorCode = "COMPROMISED"
	ErrCodeValidation     ErrorCode = "VALIDATION"
	ErrCodePartialFailure ErrorCode = "PARTIAL_FAILURE"
)

// KeyManagementError は分類コード付きの鍵管理エラー。
type KeyManagementError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error はエラーメッセージを返す。
func (e *KeyManagementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap はラップされたエラーを返す。
func (e *KeyManagementError) Unwrap() error {
	return e.Err
}

// Is は同一コードのKeyManagementErrorをマッチさせる。
// センチネルエラーとの errors.Is 比較をコード単位で行うために実装する。
func (e *KeyManagementError) Is(target error) bool {
	var t *KeyManagementError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError は分類コード付きエラーを生成する。
func NewError(code ErrorCode, message string, err error) *KeyManagementError {
	return &KeyManagementError{Code: code, Message: message, Err: err}
}

// CodeOf はエラーから分類コードを取り出す。KeyManagementErrorでない場合は空文字。
func CodeOf(err error) ErrorCode {
	var e *KeyManagementError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// 代表的なセンチネルエラー。テナント不一致は存在しない鍵と区別しない
// （クロステナントの存在情報を漏らさないため、どちらも ErrKeyNotFound）。
var (
	ErrKeyNotFound      = &KeyManagementError{Code: ErrCodeNotFound, Message: "key not found"}
	ErrScheduleNotFound = &KeyManagementError{Code: ErrCodeNotFound, Message: "rotation schedule not found"}
	ErrKeyDisabled      = &KeyManagementError{Code: ErrCodeDisabled, Message: "Key is disabled"}
	ErrKeyCompromised   = &KeyManagementError{Code: ErrCodeCompromised, Message: "Key is compromised"}
	ErrKeyExpired       = &KeyManagementError{Code: ErrCodeExpired, Message: "Key has expired"}
	ErrDeleteActiveKey  = &KeyManagementError{Code: ErrCodeValidation, Message: "Cannot delete active key without force flag"}
	ErrInvalidTenantID  = &KeyManagementError{Code: ErrCodeValidation, Message: "invalid tenant ID"}
	ErrInvalidPurpose   = &KeyManagementError{Code: ErrCodeValidation, Message: "invalid key purpose"}
	// ErrDuplicateVersion は(tenant, purpose, version)の一意制約違反。
	// 同時createKeyの敗者はこれを手がかりにバージョンを取り直してリトライする。
	ErrDuplicateVersion = &KeyManagementError{Code: ErrCodeValidation, Message: "key version already exists"}
)
