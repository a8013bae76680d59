// Package chain declares the provider contracts the core consumes.
// Concrete clients (chain SDKs, Noves, CoinGecko) live outside the core
// and are injected through these interfaces.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/Custodia-Network/treasury_core/internal/models"
)

// ErrRateLimited and ErrProviderTimeout mark retryable provider
// failures; engines re-queue work and record the error instead of
// failing terminally.
var (
	ErrRateLimited     = errors.New("provider rate limited")
	ErrProviderTimeout = errors.New("provider timeout")
)

// Retryable reports whether a provider error warrants a retry.
// Context deadline exhaustion on a page fetch counts as retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Balance is one asset position reported by a chain provider.
type Balance struct {
	TokenAddress *string
	IsNative     bool
	Amount       string
	Decimals     int
	Symbol       string
	Name         string
}

// ChainProvider reads balances from a chain.
type ChainProvider interface {
	GetNativeBalance(ctx context.Context, chainAlias, address string) (*Balance, error)
	GetTokenBalances(ctx context.Context, chainAlias, address string) ([]Balance, error)
	GetNextPage(ctx context.Context, chainAlias, cursor string) ([]Balance, string, error)
}

// TokenMetadata is provider-sourced token detail.
type TokenMetadata struct {
	CoingeckoID string
	Name        string
	Symbol      string
	LogoURI     *string
}

// Quote is one market price observation.
type Quote struct {
	CoingeckoID    string
	Currency       string
	Price          string
	PriceChange24h *string
	MarketCap      *string
}

// PriceProvider serves token metadata and market prices.
type PriceProvider interface {
	FetchMetadata(ctx context.Context, coingeckoIDs []string) ([]TokenMetadata, error)
	FetchPrices(ctx context.Context, coingeckoIDs []string, currency string) ([]Quote, error)
}

// TxRecord is one transaction as observed by a reconciliation provider.
type TxRecord struct {
	TxHash      string
	BlockNumber int64
	BlockHash   string
	TxIndex     *int
	FromAddress string
	ToAddress   *string
	Value       string
	Fee         *string
	Status      models.TxStatus
	Timestamp   time.Time
	Direction   models.TxDirection
}

// Range bounds a reconciliation request.
type Range struct {
	FromBlock     *int64
	ToBlock       *int64
	FromTimestamp *time.Time
	ToTimestamp   *time.Time
}

// Page is one provider page of transaction history. An empty NextCursor
// marks the end of the stream.
type Page struct {
	Transactions []TxRecord
	NextCursor   string
}

// SyncReconciliationProvider serves paginated history synchronously.
type SyncReconciliationProvider interface {
	FetchPage(ctx context.Context, address, chainAlias string, cursor string, rng Range) (*Page, error)
}

// RemoteJobStatus is the lifecycle state of an asynchronous remote job.
type RemoteJobStatus string

const (
	RemoteJobInProgress RemoteJobStatus = "in_progress"
	RemoteJobComplete   RemoteJobStatus = "complete"
	RemoteJobFailed     RemoteJobStatus = "failed"
)

// PollResult is one poll observation of a remote job. Page and
// NextPageURL are populated once the job is complete.
type PollResult struct {
	Status      RemoteJobStatus
	Page        *Page
	NextPageURL *string
}

// AsyncReconciliationProvider runs history jobs remotely; the core
// submits once and polls until complete, never blocking a worker on the
// remote job.
type AsyncReconciliationProvider interface {
	Submit(ctx context.Context, address, chainAlias string, rng Range) (remoteJobID string, err error)
	Poll(ctx context.Context, remoteJobID string, pageURL *string) (*PollResult, error)
	Abort(ctx context.Context, remoteJobID string) error
}

// TokenClassifier decides whether a token is spam.
type TokenClassifier interface {
	Classify(ctx context.Context, chainAlias, tokenAddress string) (classification string, isSpam bool, err error)
}
