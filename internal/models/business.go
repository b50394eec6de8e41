package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodCard  PaymentMethod = "card"
	MethodMpesa PaymentMethod = "mpesa"
	MethodCash  PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodMpesa, MethodCash:
		return true
	}
	return false
}

// NeedsCredentials is false only for methods settled outside any processor.
func (m PaymentMethod) NeedsCredentials() bool { return m != MethodCash }

type BusinessStatus string

const (
	BusinessActive    BusinessStatus = "active"
	BusinessSuspended BusinessStatus = "suspended"
	BusinessPending   BusinessStatus = "pending"
)

type AppLinkStatus string

const (
	AppLinkActive   AppLinkStatus = "active"
	AppLinkInactive AppLinkStatus = "inactive"
)

type AppLink struct {
	AppID    string        `json:"app_id"`
	Status   AppLinkStatus `json:"status"`
	LinkedAt time.Time     `json:"linked_at"`
}

type MethodConfig struct {
	Method        PaymentMethod   `json:"method"`
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	FeeFixed      decimal.Decimal `json:"fee_fixed"`
	Active        bool            `json:"active"`
}

// Fee returns the processing fee for amount, rounded to cents.
func (c MethodConfig) Fee(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(c.FeePercentage).Div(decimal.NewFromInt(100))
	return pct.Add(c.FeeFixed).Round(2)
}

type Business struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        BusinessStatus `json:"status"`
	Apps          []AppLink      `json:"apps"`
	Methods       []MethodConfig `json:"payment_methods"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookSecret string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (b *Business) Validate() error {
	b.Name = strings.TrimSpace(b.Name)
	if len(b.Name) < 2 {
		return errors.New("name too short")
	}
	if b.Status == "" {
		b.Status = BusinessPending
	}
	switch b.Status {
	case BusinessActive, BusinessSuspended, BusinessPending:
	default:
		return errors.New("invalid business status")
	}
	return nil
}

func (b Business) App(appID string) (AppLink, bool) {
	for _, a := range b.Apps {
		if a.AppID == appID {
			return a, true
		}
	}
	return AppLink{}, false
}

func (b Business) Method(m PaymentMethod) (MethodConfig, bool) {
	for _, c := range b.Methods {
		if c.Method == m {
			return c, true
		}
	}
	return MethodConfig{}, false
}

// AppActive reports whether appID is linked and the link is active.
func (b Business) AppActive(appID string) bool {
	l, ok := b.App(appID)
	return ok && l.Status == AppLinkActive
}

// MethodActive reports whether m is configured and switched on.
func (b Business) MethodActive(m PaymentMethod) bool {
	c, ok := b.Method(m)
	return ok && c.Active
}
