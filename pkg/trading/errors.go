// 文件: pkg/trading/errors.go
// 业务错误
//
// 对外的每个错误都带机器码 + 人类可读消息，调用方按 Code 分支。
// 账本层的底层错误在边界处翻译成业务码，不向外泄漏内部类型。

package trading

import (
	"errors"
	"fmt"

	"pmx.com/pkg/ledger"
)

// ErrorCode 业务错误码
type ErrorCode string

const (
	// 校验类: 预留之前就拦下，不触账本
	CodeInvalidPrice    ErrorCode = "INVALID_PRICE"
	CodeInvalidQuantity ErrorCode = "INVALID_QUANTITY"
	CodeMarketNotActive ErrorCode = "MARKET_NOT_ACTIVE"

	// 资源类: 预留失败，无任何变更落地
	CodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInsufficientPosition ErrorCode = "INSUFFICIENT_POSITION"

	// 生命周期类
	CodeOrderNotFound       ErrorCode = "ORDER_NOT_FOUND"
	CodeOrderNotCancellable ErrorCode = "ORDER_NOT_CANCELLABLE"

	// 内部类: 正确实现不应出现，出现即硬故障
	CodeInternal ErrorCode = "INTERNAL"
)

// BusinessError 业务错误
type BusinessError struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *BusinessError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.cause
}

// Is 按错误码比较，方便 errors.Is(err, ErrInsufficientFunds) 断言
func (e *BusinessError) Is(target error) bool {
	var be *BusinessError
	if errors.As(target, &be) {
		return e.Code == be.Code
	}
	return false
}

func newError(code ErrorCode, message string) *BusinessError {
	return &BusinessError{Code: code, Message: message}
}

func wrapError(code ErrorCode, message string, cause error) *BusinessError {
	return &BusinessError{Code: code, Message: message, cause: cause}
}

// 哨兵值，errors.Is 用
var (
	ErrInvalidPrice         = newError(CodeInvalidPrice, "price must be between 1 and 99 cents")
	ErrInvalidQuantity      = newError(CodeInvalidQuantity, "quantity must be a positive integer")
	ErrMarketNotActive      = newError(CodeMarketNotActive, "market is not accepting orders")
	ErrInsufficientFunds    = newError(CodeInsufficientFunds, "available balance too low")
	ErrInsufficientPosition = newError(CodeInsufficientPosition, "available shares too low")
	ErrOrderNotFound        = newError(CodeOrderNotFound, "order not found")
	ErrOrderNotCancellable  = newError(CodeOrderNotCancellable, "order cannot be cancelled")
)

// translateLedgerError 账本错误 → 业务错误
func translateLedgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return wrapError(CodeInsufficientFunds, "available balance too low", err)
	case errors.Is(err, ledger.ErrInsufficientShares):
		return wrapError(CodeInsufficientPosition, "available shares too low", err)
	default:
		return wrapError(CodeInternal, "ledger operation failed", err)
	}
}
