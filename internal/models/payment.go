package models

import (
	"github.com/google/uuid"
)

// Payment is one configured provider+method combination (e.g. "idram wallet").
// Read-only to the payment core; resolved once per request.
type Payment struct {
	BaseModel
	PaymentName             string `gorm:"index" json:"payment_name"`
	Handler                 string `json:"handler"`
	Type                    string `json:"type"` // card, wallet, terminal, gateway
	PartnerPaymentID        string `gorm:"column:partner_payment_id;uniqueIndex" json:"partner_payment_id"`
	HasDeposit              bool   `json:"has_deposit"`
	HasWithdraw             bool   `json:"has_withdraw"`
	HasTerminal             bool   `json:"has_terminal"`
	HasMobileApp            bool   `json:"has_mobile_app"`
	DepositMaxAvailableTime *int   `gorm:"column:deposit_max_available_time" json:"deposit_max_available_time"` // minutes
}

// PartnerPayment authorizes one partner to use one payment.
type PartnerPayment struct {
	BaseModel
	PartnerID uuid.UUID `gorm:"type:uuid;index:idx_partner_payment,unique" json:"partner_id"`
	PaymentID uuid.UUID `gorm:"type:uuid;index:idx_partner_payment,unique" json:"payment_id"`
	Disabled  bool      `gorm:"default:false" json:"disabled"`
}

// PaymentConfig carries the per-provider credential blob and the
// JSON field-definition schemas consumed by the generic validator.
type PaymentConfig struct {
	BaseModel
	PaymentID             uuid.UUID `gorm:"type:uuid;index:idx_payment_config,unique" json:"payment_id"`
	PartnerID             uuid.UUID `gorm:"type:uuid;index:idx_payment_config,unique" json:"partner_id"`
	Config                []byte    `gorm:"type:jsonb" json:"config"`
	DepositFields         []byte    `gorm:"type:jsonb" json:"deposit_fields"`
	DepositCallbackFields []byte    `gorm:"type:jsonb" json:"deposit_callback_fields"`
	WithdrawFields        []byte    `gorm:"type:jsonb" json:"withdraw_fields"`
	TerminalDepositFields []byte    `gorm:"type:jsonb" json:"terminal_deposit_fields"`
}

// PaymentIP whitelists a callback source address for one payment.
type PaymentIP struct {
	BaseModel
	PaymentID uuid.UUID `gorm:"type:uuid;index" json:"payment_id"`
	IP        string    `json:"ip"`
}
