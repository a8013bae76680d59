package models

import (
	"time"

	"github.com/google/uuid"
)

// HoldingVisibility controls whether a holding shows up in balances.
type HoldingVisibility string

const (
	VisibilityVisible HoldingVisibility = "visible"
	VisibilityHidden  HoldingVisibility = "hidden"
)

// SpamOverride is a user-supplied spam verdict that trumps the
// automated classification.
type SpamOverride string

const (
	SpamOverrideTrusted SpamOverride = "trusted"
	SpamOverrideSpam    SpamOverride = "spam"
)

// Token is a row in the global token registry. (chain_alias,
// LOWER(address)) is unique. Classification fields drive the
// re-classification worker; the per-row TTL is authoritative.
type Token struct {
	ID                      uuid.UUID  `db:"id" json:"id"`
	ChainAlias              string     `db:"chain_alias" json:"chainAlias"`
	Address                 string     `db:"address" json:"address"`
	Name                    string     `db:"name" json:"name"`
	Symbol                  string     `db:"symbol" json:"symbol"`
	Decimals                int        `db:"decimals" json:"decimals"`
	LogoURI                 *string    `db:"logo_uri" json:"logoUri,omitempty"`
	CoingeckoID             *string    `db:"coingecko_id" json:"coingeckoId,omitempty"`
	IsVerified              bool       `db:"is_verified" json:"isVerified"`
	IsSpam                  bool       `db:"is_spam" json:"isSpam"`
	SpamClassification      *string    `db:"spam_classification" json:"spamClassification,omitempty"`
	ClassificationUpdatedAt *time.Time `db:"classification_updated_at" json:"classificationUpdatedAt,omitempty"`
	ClassificationTTLHours  int        `db:"classification_ttl_hours" json:"classificationTtlHours"`
	NeedsClassification     bool       `db:"needs_classification" json:"needsClassification"`
	ClassificationAttempts  int        `db:"classification_attempts" json:"classificationAttempts"`
	ClassificationError     *string    `db:"classification_error" json:"classificationError,omitempty"`
	CreatedAt               time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time  `db:"updated_at" json:"updatedAt"`
}

// TokenPrice is a cached market quote keyed by (coingecko_id, currency).
// Currency is stored lowercase.
type TokenPrice struct {
	CoingeckoID    string    `db:"coingecko_id" json:"coingeckoId"`
	Currency       string    `db:"currency" json:"currency"`
	Price          string    `db:"price" json:"price"`
	PriceChange24h *string   `db:"price_change_24h" json:"priceChange24h,omitempty"`
	MarketCap      *string   `db:"market_cap" json:"marketCap,omitempty"`
	FetchedAt      time.Time `db:"fetched_at" json:"fetchedAt"`
}

// TokenHolding is one (address, token) balance row. (address_id,
// chain_alias, COALESCE(LOWER(token_address),'')) is unique; native
// holdings carry a NULL token_address.
type TokenHolding struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	AddressID         uuid.UUID         `db:"address_id" json:"addressId"`
	ChainAlias        string            `db:"chain_alias" json:"chainAlias"`
	TokenAddress      *string           `db:"token_address" json:"tokenAddress,omitempty"`
	IsNative          bool              `db:"is_native" json:"isNative"`
	Balance           string            `db:"balance" json:"balance"`
	Decimals          int               `db:"decimals" json:"decimals"`
	Name              string            `db:"name" json:"name"`
	Symbol            string            `db:"symbol" json:"symbol"`
	Visibility        HoldingVisibility `db:"visibility" json:"visibility"`
	UserSpamOverride  *SpamOverride     `db:"user_spam_override" json:"userSpamOverride,omitempty"`
	OverrideUpdatedAt *time.Time        `db:"override_updated_at" json:"overrideUpdatedAt,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
}
