package domain

import "time"

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Message is an immutable record of one relayed message.
type Message struct {
	ID                int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	SessionID         int64     `json:"session_id,string" gorm:"index"`
	UserID            string    `json:"user_id" gorm:"index;size:64"`
	SubaccountID      int64     `json:"subaccount_id,string" gorm:"index"`
	FromNumber        string    `json:"from_number" gorm:"size:32;index"`
	ToNumber          string    `json:"to_number" gorm:"size:32;index"`
	Body              *string   `json:"body"`
	MediaURL          *string   `json:"media_url"`
	MediaMime         *string   `json:"media_mime" gorm:"size:128"`
	Direction         Direction `json:"direction" gorm:"size:8"`
	ProviderMessageID *string   `json:"provider_message_id" gorm:"size:128"`
	CreatedAt         time.Time `json:"created_at" gorm:"index"`
}

// TableName Specify table name
func (Message) TableName() string {
	return "messages"
}
