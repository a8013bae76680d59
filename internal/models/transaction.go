package models

import (
	"time"

	"github.com/google/uuid"
)

// TxStatus is the on-chain execution status of a transaction.
type TxStatus string

const (
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
	TxStatusPending TxStatus = "pending"
)

// TxDirection classifies a transaction relative to one address.
type TxDirection string

const (
	DirectionIn      TxDirection = "in"
	DirectionOut     TxDirection = "out"
	DirectionNeutral TxDirection = "neutral"
)

// Transaction is an indexed on-chain transaction. (chain_alias, tx_hash)
// is unique; tx_hash is stored lowercase. A non-nil DeletedAt marks a
// soft-deleted row that reconciliation may reattach.
type Transaction struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ChainAlias          string     `db:"chain_alias" json:"chainAlias"`
	TxHash              string     `db:"tx_hash" json:"txHash"`
	BlockNumber         int64      `db:"block_number" json:"blockNumber"`
	BlockHash           string     `db:"block_hash" json:"blockHash"`
	TxIndex             *int       `db:"tx_index" json:"txIndex,omitempty"`
	FromAddress         string     `db:"from_address" json:"fromAddress"`
	ToAddress           *string    `db:"to_address" json:"toAddress,omitempty"`
	Value               string     `db:"value" json:"value"`
	Fee                 *string    `db:"fee" json:"fee,omitempty"`
	Status              TxStatus   `db:"status" json:"status"`
	Timestamp           time.Time  `db:"timestamp" json:"timestamp"`
	ClassificationType  *string    `db:"classification_type" json:"classificationType,omitempty"`
	ClassificationLabel *string    `db:"classification_label" json:"classificationLabel,omitempty"`
	DeletedAt           *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// AddressTransaction links a transaction to an address with a direction.
type AddressTransaction struct {
	Address    string      `db:"address" json:"address"`
	ChainAlias string      `db:"chain_alias" json:"chainAlias"`
	TxID       uuid.UUID   `db:"tx_id" json:"txId"`
	Timestamp  time.Time   `db:"timestamp" json:"timestamp"`
	Direction  TxDirection `db:"direction" json:"direction"`
}

// AddressedTransaction is a transaction joined with its direction for a
// particular address. Listing result shape.
type AddressedTransaction struct {
	Transaction
	Direction TxDirection `db:"direction" json:"direction"`
}

// NativeTransfer is a decomposed native-coin movement within one tx.
type NativeTransfer struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TxID      uuid.UUID `db:"tx_id" json:"txId"`
	Sender    string    `db:"sender" json:"sender"`
	Recipient *string   `db:"recipient" json:"recipient,omitempty"`
	Amount    string    `db:"amount" json:"amount"`
}

// TokenTransfer is a decomposed token movement within one tx.
type TokenTransfer struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TxID         uuid.UUID `db:"tx_id" json:"txId"`
	TokenAddress string    `db:"token_address" json:"tokenAddress"`
	Sender       string    `db:"sender" json:"sender"`
	Recipient    *string   `db:"recipient" json:"recipient,omitempty"`
	Amount       string    `db:"amount" json:"amount"`
	TransferType string    `db:"transfer_type" json:"transferType"`
}
