package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderGoogle, ProviderMicrosoft:
		return Provider(s), true
	case "outlook":
		return ProviderMicrosoft, true
	}
	return "", false
}

// CalendarConnection is a host's OAuth2 link to an external calendar. Token
// columns hold ciphertext; only the oauth package decrypts them.
type CalendarConnection struct {
	bun.BaseModel `bun:"table:calendar_connections"`

	HostID          string    `bun:"host_id,pk"`
	Provider        Provider  `bun:"provider,notnull"`
	CalendarID      string    `bun:"calendar_id,notnull"`
	AccountEmail    string    `bun:"account_email"`
	AccessTokenEnc  string    `bun:"access_token_enc,notnull"`
	RefreshTokenEnc string    `bun:"refresh_token_enc,notnull"`
	TokenExpiry     time.Time `bun:"token_expiry,notnull"`
	SyncEnabled     bool      `bun:"sync_enabled,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func (c *CalendarConnection) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		c.UpdatedAt = now
	}
	return nil
}

// TokenUpdate carries a rotated credential. All fields are written together.
type TokenUpdate struct {
	AccessTokenEnc  string
	RefreshTokenEnc string
	TokenExpiry     time.Time
}
