package models

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
	"gorm.io/gorm"
)

// Notification is the UI push feed row. Notifications are not authoritative
// state: safe to lose, never allowed to gate a state change or fund release.
type Notification struct {
	ID          int              `gorm:"primary_key" json:"id"`
	RecipientId int              `gorm:"not null;index" json:"recipient_id"`
	Type        NotificationType `gorm:"size:40;not null;index" json:"type"`
	Title       string           `gorm:"size:255;not null" json:"title"`
	Body        string           `gorm:"type:text" json:"body"`
	OrderId     int              `gorm:"index" json:"order_id"`
	MilestoneId int              `gorm:"index" json:"milestone_id"`
	IsRead      bool             `gorm:"not null;default:false;index" json:"is_read"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// SmsMessage is a queued outbound SMS; an external sender drains QUEUED rows.
type SmsMessage struct {
	ID          int       `gorm:"primary_key" json:"id"`
	RecipientId int       `gorm:"not null;index" json:"recipient_id"`
	PhoneE164   string    `gorm:"size:20;not null" json:"phone_e164"`
	Body        string    `gorm:"size:480;not null" json:"body"`
	Status      SmsStatus `gorm:"size:20;not null;default:'QUEUED';index" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	SentAt      *time.Time `json:"sent_at"`
}

func CreateNotification(tx *gorm.DB, n *Notification) error {
	return tx.Create(n).Error
}

// QueueSms normalizes the recipient's phone number to E.164 and enqueues the
// message. A missing or unparseable number is skipped (delivery is
// best-effort), reported via the bool so callers can log it.
func QueueSms(tx *gorm.DB, recipient *User, body string) (bool, error) {
	phone := strings.TrimSpace(recipient.Phone)
	if phone == "" {
		return false, nil
	}
	e164, err := NormalizePhoneE164(phone)
	if err != nil {
		return false, nil
	}
	msg := SmsMessage{
		RecipientId: recipient.ID,
		PhoneE164:   e164,
		Body:        body,
		Status:      SmsStatusQueued,
	}
	if err := tx.Create(&msg).Error; err != nil {
		return false, err
	}
	return true, nil
}

// NormalizePhoneE164 parses a user-entered phone number against the default
// region (SMS_DEFAULT_REGION, e.g. "MM") and returns E.164.
func NormalizePhoneE164(raw string) (string, error) {
	region := strings.TrimSpace(os.Getenv("SMS_DEFAULT_REGION"))
	if region == "" {
		region = "MM"
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
