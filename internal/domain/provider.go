package domain

import "time"

// ProviderInstallation holds the credentials used to forward inbound
// messages into the CRM conversation provider of a subaccount.
type ProviderInstallation struct {
	ID                     int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	UserID                 string    `json:"user_id" gorm:"index;size:64"`
	SubaccountID           int64     `json:"subaccount_id,string" gorm:"index"`
	LocationID             string    `json:"location_id" gorm:"size:128"`
	ConversationProviderID string    `json:"conversation_provider_id" gorm:"size:128"`
	AccessToken            string    `json:"-"`
	RefreshToken           string    `json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName Specify table name
func (ProviderInstallation) TableName() string {
	return "provider_installations"
}

// CanForward reports whether the installation carries what forwarding needs.
func (p *ProviderInstallation) CanForward() bool {
	return p != nil && p.AccessToken != "" && p.ConversationProviderID != ""
}

// MarketplaceAccount is the tenant level OAuth grant from the CRM
// marketplace. One row per user.
type MarketplaceAccount struct {
	ID           int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	UserID       string    `json:"user_id" gorm:"uniqueIndex;size:64"`
	CompanyID    string    `json:"company_id" gorm:"size:128"`
	LocationID   string    `json:"location_id" gorm:"size:128"`
	UserType     string    `json:"user_type" gorm:"size:32"`
	Scope        string    `json:"scope"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (MarketplaceAccount) TableName() string {
	return "marketplace_accounts"
}
