package models

import "time"

type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

type ShortCodeType string

const (
	ShortCodePaybill ShortCodeType = "paybill"
	ShortCodeTill    ShortCodeType = "till"
)

// Secret names inside Credential.Secrets.
const (
	SecretConsumerKey        = "consumer_key"
	SecretConsumerSecret     = "consumer_secret"
	SecretPasskey            = "passkey"
	SecretInitiatorName      = "initiator_name"
	SecretSecurityCredential = "security_credential"
	SecretKey                = "secret_key"
	SecretWebhook            = "webhook_secret"
)

// Credential is the processor bundle for one (business, method) pair.
// Secrets is plaintext only in memory; at rest it lives in EncryptedSecrets.
type Credential struct {
	ID             string        `json:"id"`
	BusinessID     string        `json:"business_id"`
	Method         PaymentMethod `json:"method"`
	Environment    Environment   `json:"environment"`
	ShortCode      string        `json:"shortcode,omitempty"`
	ShortCodeType  ShortCodeType `json:"shortcode_type,omitempty"`
	CallbackURL    string        `json:"callback_url,omitempty"`
	PublishableKey string        `json:"publishable_key,omitempty"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	Secrets          map[string]string `json:"-"`
	EncryptedSecrets []byte            `json:"-"`
}

func (c Credential) Secret(name string) string {
	if c.Secrets == nil {
		return ""
	}
	return c.Secrets[name]
}

// Redacted strips every secret so the value is safe to return over the API.
func (c Credential) Redacted() Credential {
	c.Secrets = nil
	c.EncryptedSecrets = nil
	return c
}
