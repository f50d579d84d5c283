package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"vn-execution-go/gateway"
)

var (
	ErrValidation              = errors.New("validation error")
	ErrRiskRejected            = errors.New("risk rejected")
	ErrSettlementLock          = errors.New("settlement lock")
	ErrQuantityOutOfRange      = errors.New("quantity out of range")
	ErrUnsupportedAssetClass   = gateway.ErrUnsupportedAssetClass
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrOrderNotFound           = errors.New("order not found")
	ErrBrokerRecovering        = errors.New("broker recovery in progress")
)

// Coded 带机器可读原因码的错误
type Coded interface {
	Code() string
}

// ReasonCode 提取原因码，非业务错误返回空
func ReasonCode(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// ValidationError 输入格式错误
type ValidationError struct {
	Field   string
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}
func (e *ValidationError) Code() string        { return e.Reason }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// RiskRejectedError 风控拒绝
type RiskRejectedError struct {
	Reason string
}

func (e *RiskRejectedError) Error() string        { return "risk rejected: " + e.Reason }
func (e *RiskRejectedError) Code() string         { return "risk_rejected" }
func (e *RiskRejectedError) Is(target error) bool { return target == ErrRiskRejected }

// SettlementLockError 未过T+2.5，可卖数量不足
type SettlementLockError struct {
	Symbol    string
	Requested int64
	Err       error
}

func (e *SettlementLockError) Error() string {
	return fmt.Sprintf("settlement lock: %s requested %d: %v", e.Symbol, e.Requested, e.Err)
}
func (e *SettlementLockError) Code() string         { return "settlement_locked" }
func (e *SettlementLockError) Unwrap() error        { return e.Err }
func (e *SettlementLockError) Is(target error) bool { return target == ErrSettlementLock }

// QuantityOutOfRangeError 超出券商/品种数量限制
type QuantityOutOfRangeError struct {
	Quantity int64
	Bounds   QuantityBounds
}

func (e *QuantityOutOfRangeError) Error() string {
	return fmt.Sprintf("quantity %d out of range [min=%d max=%d lot=%d]",
		e.Quantity, e.Bounds.MinQty, e.Bounds.MaxQty, e.Bounds.LotSize)
}
func (e *QuantityOutOfRangeError) Code() string         { return "quantity_out_of_range" }
func (e *QuantityOutOfRangeError) Is(target error) bool { return target == ErrQuantityOutOfRange }

// UnsupportedAssetClassError 路由找不到支持该品种的券商
type UnsupportedAssetClassError struct {
	AssetClass gateway.AssetClass
	Broker     string
	Err        error
}

func (e *UnsupportedAssetClassError) Error() string {
	return fmt.Sprintf("unsupported asset class %s for broker %q: %v", e.AssetClass, e.Broker, e.Err)
}
func (e *UnsupportedAssetClassError) Code() string  { return "unsupported_asset_class" }
func (e *UnsupportedAssetClassError) Unwrap() error { return e.Err }

// InsufficientBuyingPowerError 买力不足
type InsufficientBuyingPowerError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBuyingPowerError) Error() string {
	return fmt.Sprintf("insufficient buying power: required %s, available %s", e.Required, e.Available)
}
func (e *InsufficientBuyingPowerError) Code() string         { return "insufficient_buying_power" }
func (e *InsufficientBuyingPowerError) Is(target error) bool { return target == ErrInsufficientBuyingPower }

// InvalidTransitionError 非法状态转换，说明存在竞态或编程错误
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}
func (e *InvalidTransitionError) Code() string         { return "invalid_transition" }
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
