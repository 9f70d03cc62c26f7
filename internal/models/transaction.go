package models

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is the single source of truth for one payment operation.
// Records are never deleted; raw provider payloads are appended to the
// audit columns on every round-trip.
type Transaction struct {
	BaseModel
	PartnerID             uuid.UUID       `gorm:"type:uuid;index;uniqueIndex:uniq_partner_transaction,priority:1" json:"partner_id"`
	PaymentID             uuid.UUID       `gorm:"type:uuid;index" json:"payment_id"`
	ClientID              string          `json:"client_id"`
	WalletID              string          `json:"wallet_id"`
	PaymentMethod         string          `json:"payment_method"`
	Type                  string          `gorm:"index" json:"type"`
	Amount                decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Currency              string          `gorm:"size:3" json:"currency"`
	InternalTransactionID string          `gorm:"column:internal_transaction_id;uniqueIndex" json:"internal_transaction_id"`
	ExternalTransactionID string          `gorm:"column:external_transaction_id;index" json:"external_transaction_id"`
	// One row per partner-side id; kiosk deposits arrive without one,
	// hence the partial index.
	PartnerTransactionID string `gorm:"column:partner_transaction_id;index;uniqueIndex:uniq_partner_transaction,priority:2,where:partner_transaction_id <> ''" json:"partner_transaction_id"`
	Status               int    `gorm:"index" json:"status"`
	IsNotified           bool   `gorm:"default:false" json:"is_notified"`
	ErrorData            string `json:"error_data"`
	RequestData          string `json:"request_data"`
	ResponseData         string `json:"response_data"`
	CallbackResponseData string `json:"callback_response_data"`
	Description          string `json:"description"`
	Lang                 string `gorm:"size:5" json:"lang"`
}

// IsCompleted reports whether the transaction reached a terminal status.
func (t *Transaction) IsCompleted() bool {
	return IsCompletedStatus(t.Status)
}

// SetStatus applies a state transition. A terminal status is never
// overwritten; the caller can inspect the return value when it matters.
func (t *Transaction) SetStatus(status int) bool {
	if t.IsCompleted() && status != t.Status {
		return false
	}
	t.Status = status
	return true
}

// StatusName returns the human readable name of the current status.
func (t *Transaction) StatusName() string {
	return StatusName(t.Status)
}

// SetError stores the last error for dispute resolution.
func (t *Transaction) SetError(err error) {
	if err == nil {
		return
	}
	raw, _ := json.Marshal(err.Error())
	t.ErrorData = string(raw)
}

// AppendRequestData records a raw outbound payload, keeping earlier
// round-trips instead of overwriting them.
func (t *Transaction) AppendRequestData(v any) {
	t.RequestData = appendRaw(t.RequestData, v)
}

// AppendResponseData records a raw provider response.
func (t *Transaction) AppendResponseData(v any) {
	t.ResponseData = appendRaw(t.ResponseData, v)
}

// AppendCallbackData records a raw inbound callback payload.
func (t *Transaction) AppendCallbackData(v any) {
	t.CallbackResponseData = appendRaw(t.CallbackResponseData, v)
}

// APIResponse builds the partner-facing envelope for this transaction.
// Timestamps are always reported in UTC with an explicit timezone field
// so partner systems never have to guess.
func (t *Transaction) APIResponse(details map[string]any, errorMessage string) map[string]any {
	body := map[string]any{
		"internal_id": t.InternalTransactionID,
		"external_id": t.ExternalTransactionID,
		"partner_id":  t.PartnerTransactionID,
		"amount":      t.Amount.StringFixed(2),
		"currency":    t.Currency,
		"datetime":    t.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		"timezone":    "UTC",
		"status":      t.Status,
		"status_name": t.StatusName(),
	}
	if details != nil {
		body["details"] = details
	}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	return body
}

func appendRaw(existing string, v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	if existing == "" {
		return string(raw)
	}
	merged, _ := json.Marshal([]json.RawMessage{raw, json.RawMessage(existing)})
	return string(merged)
}
