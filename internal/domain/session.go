package domain

import "time"

type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionQR           SessionStatus = "qr"
	SessionReady        SessionStatus = "ready"
	SessionDisconnected SessionStatus = "disconnected"
	SessionAuthFailure  SessionStatus = "auth_failure"

	// SessionNone is never stored. It is reported by the public status read
	// when a location has no session yet.
	SessionNone SessionStatus = "no_session"
)

// Terminal reports whether the live client behind a session in this status
// has been released.
func (s SessionStatus) Terminal() bool {
	return s == SessionDisconnected || s == SessionAuthFailure
}

// CanTransition reports whether a live client may move a session from one
// status to another. Restarting into initializing is driven by the user and
// is always allowed.
func CanTransition(from, to SessionStatus) bool {
	if to == SessionInitializing {
		return true
	}
	switch from {
	case SessionInitializing:
		return to == SessionQR || to == SessionReady || to == SessionAuthFailure || to == SessionDisconnected
	case SessionQR:
		return to == SessionQR || to == SessionReady || to == SessionAuthFailure || to == SessionDisconnected
	case SessionReady:
		return to == SessionReady || to == SessionDisconnected || to == SessionAuthFailure
	}
	return false
}

// Session is one attempt at linking a WhatsApp identity to a subaccount.
// The current session of a subaccount is the row with the highest
// created_at, ties broken by the highest id.
type Session struct {
	ID           int64         `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	UserID       string        `json:"user_id" gorm:"index;size:64"`
	SubaccountID int64         `json:"subaccount_id,string" gorm:"index"`
	Status       SessionStatus `json:"status" gorm:"size:32;index"`
	QR           *string       `json:"qr"`
	QRSince      *time.Time    `json:"-" gorm:"column:qr_since;index"`
	PhoneNumber  *string       `json:"phone_number" gorm:"size:32"`
	DeviceJID    *string       `json:"-" gorm:"column:device_jid;size:128"`
	CreatedAt    time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TableName Specify table name
func (Session) TableName() string {
	return "sessions"
}

// SessionUpdate is a partial write of the mutable session fields. Nil
// pointers leave the column untouched; ClearQR writes NULL to the code and
// to the time pairing started.
type SessionUpdate struct {
	Status      SessionStatus
	QR          *string
	QRSince     *time.Time
	ClearQR     bool
	PhoneNumber *string
	DeviceJID   *string
}

// Merge folds a later update on top of an earlier one that has not been
// written yet. Fields the later update does not mention survive.
func (u SessionUpdate) Merge(later SessionUpdate) SessionUpdate {
	out := u
	if later.Status != "" {
		out.Status = later.Status
	}
	if later.QR != nil {
		out.QR = later.QR
		out.ClearQR = false
	}
	if later.QRSince != nil {
		out.QRSince = later.QRSince
	}
	if later.ClearQR {
		out.QR = nil
		out.QRSince = nil
		out.ClearQR = true
	}
	if later.PhoneNumber != nil {
		out.PhoneNumber = later.PhoneNumber
	}
	if later.DeviceJID != nil {
		out.DeviceJID = later.DeviceJID
	}
	return out
}

// Columns renders the update as a gorm column map.
func (u SessionUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if u.Status != "" {
		cols["status"] = u.Status
	}
	if u.QR != nil {
		cols["qr"] = *u.QR
	} else if u.ClearQR {
		cols["qr"] = nil
	}
	if u.QRSince != nil {
		cols["qr_since"] = *u.QRSince
	} else if u.ClearQR {
		cols["qr_since"] = nil
	}
	if u.PhoneNumber != nil {
		cols["phone_number"] = *u.PhoneNumber
	}
	if u.DeviceJID != nil {
		cols["device_jid"] = *u.DeviceJID
	}
	return cols
}

// Apply mutates s in memory the way Columns would in the database.
func (u SessionUpdate) Apply(s *Session) {
	if u.Status != "" {
		s.Status = u.Status
	}
	if u.QR != nil {
		v := *u.QR
		s.QR = &v
	} else if u.ClearQR {
		s.QR = nil
	}
	if u.QRSince != nil {
		v := *u.QRSince
		s.QRSince = &v
	} else if u.ClearQR {
		s.QRSince = nil
	}
	if u.PhoneNumber != nil {
		v := *u.PhoneNumber
		s.PhoneNumber = &v
	}
	if u.DeviceJID != nil {
		v := *u.DeviceJID
		s.DeviceJID = &v
	}
	s.UpdatedAt = time.Now()
}

// LocationSessionMap points a location at the session that most recently
// became ready for it. One row per location.
type LocationSessionMap struct {
	ID           int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	UserID       string    `json:"user_id" gorm:"index;size:64"`
	SubaccountID int64     `json:"subaccount_id,string" gorm:"index"`
	LocationID   string    `json:"location_id" gorm:"uniqueIndex;size:128"`
	SessionID    int64     `json:"session_id,string" gorm:"index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (LocationSessionMap) TableName() string {
	return "location_session_map"
}

// SessionEventLog is the audit trail of lifecycle transitions.
type SessionEventLog struct {
	ID           int64         `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	SessionID    int64         `json:"session_id,string" gorm:"index"`
	SubaccountID int64         `json:"subaccount_id,string" gorm:"index"`
	Status       SessionStatus `json:"status" gorm:"size:32"`
	Detail       string        `json:"detail"`
	CreatedAt    time.Time     `json:"created_at" gorm:"index"`
}

// TableName Specify table name
func (SessionEventLog) TableName() string {
	return "session_event_log"
}

// SessionWithSubaccount is a read model for the tenant's session overview.
type SessionWithSubaccount struct {
	Session
	LocationID     string `json:"location_id"`
	SubaccountName string `json:"subaccount_name"`
}

// SessionRef identifies a live session and the records that own it.
type SessionRef struct {
	SessionID    int64
	UserID       string
	SubaccountID int64
	LocationID   string
}
