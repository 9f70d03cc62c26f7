package models

// Partner is a platform tenant. Read-only to the payment core.
type Partner struct {
	BaseModel
	ExternalPartnerID string `gorm:"column:external_partner_id;uniqueIndex" json:"external_partner_id"`
	Name              string `json:"name"`
	ReturnURL         string `json:"return_url"`
	APISecretHash     string `gorm:"column:api_secret_hash" json:"-"`
}
