package domain

import "time"

// Subaccount is one CRM location bound to a tenant. LocationID is unique
// across all tenants.
type Subaccount struct {
	ID         int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	UserID     string    `json:"user_id" gorm:"index;size:64"`
	LocationID string    `json:"location_id" gorm:"uniqueIndex;size:128"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Subaccount) TableName() string {
	return "subaccounts"
}
