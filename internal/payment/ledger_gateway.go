package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultFaucetGrant = 1000

// LedgerGateway keeps wallets and transfers in the local database. It backs
// development setups where no payment gateway service is deployed.
type LedgerGateway struct {
	db          *gorm.DB
	backend     string
	faucetGrant float64
	now         func() time.Time
}

type accountRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Backend    string    `gorm:"column:backend;size:16;not null;uniqueIndex:idx_payment_accounts_backend_identifier"`
	Identifier string    `gorm:"column:identifier;size:255;not null;uniqueIndex:idx_payment_accounts_backend_identifier"`
	Address    string    `gorm:"column:address;size:128;not null;uniqueIndex"`
	Balance    float64   `gorm:"column:balance;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (accountRecord) TableName() string {
	return "payment_accounts"
}

type transactionRecord struct {
	TransactionID string    `gorm:"column:transaction_id;primaryKey"`
	Backend       string    `gorm:"column:backend;size:16;not null;index"`
	FromAddress   string    `gorm:"column:from_address;size:128;not null;index"`
	ToAddress     string    `gorm:"column:to_address;size:128;not null;index"`
	Value         float64   `gorm:"column:value;not null"`
	State         string    `gorm:"column:state;size:16;not null;index"`
	Receipt       string    `gorm:"column:receipt;size:128;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index"`
}

func (transactionRecord) TableName() string {
	return "payment_transactions"
}

var filterColumns = map[string]string{
	"transaction_id": "transaction_id",
	"from":           "from_address",
	"to":             "to_address",
	"state":          "state",
	"value":          "value",
	"receipt":        "receipt",
}

// NewLedgerGateway migrates the ledger tables and returns a gateway for the backend.
func NewLedgerGateway(ctx context.Context, db *gorm.DB, backend string) (*LedgerGateway, error) {
	if db == nil {
		return nil, errors.New("payment.ledger.new: database is required")
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&accountRecord{}, &transactionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("payment.ledger.migrate: %w", migrateErr)
	}
	return &LedgerGateway{
		db:          db,
		backend:     NormalizeBackend(backend),
		faucetGrant: defaultFaucetGrant,
		now:         time.Now,
	}, nil
}

func (gateway *LedgerGateway) CreateAccount(ctx context.Context, identifier string) (Account, error) {
	if strings.TrimSpace(identifier) == "" {
		return Account{}, NewError(CodeAccountNotFound, "identifier must be provided", nil)
	}
	var existing accountRecord
	findErr := gateway.scoped(ctx).Where("identifier = ?", identifier).Take(&existing).Error
	if findErr == nil {
		return Account{}, NewError(CodeAccountExists, "account already exists", map[string]any{"identifier": identifier})
	}
	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return Account{}, NewError(CodeBackendFailure, findErr.Error(), nil)
	}
	address, addressErr := gateway.newAddress()
	if addressErr != nil {
		return Account{}, NewError(CodeBackendFailure, addressErr.Error(), nil)
	}
	record := accountRecord{
		Backend:    gateway.backend,
		Identifier: identifier,
		Address:    address,
		CreatedAt:  gateway.now().UTC(),
	}
	if createErr := gateway.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return Account{}, NewError(CodeBackendFailure, createErr.Error(), nil)
	}
	return gateway.toAccount(record), nil
}

func (gateway *LedgerGateway) AccountData(ctx context.Context, identifier string) (Account, error) {
	record, err := gateway.findAccount(ctx, gateway.db.WithContext(ctx), identifier)
	if err != nil {
		return Account{}, err
	}
	return gateway.toAccount(record), nil
}

// Balance accepts either the account identifier or its address.
func (gateway *LedgerGateway) Balance(ctx context.Context, identifier string) (Balance, error) {
	record, err := gateway.findAccount(ctx, gateway.db.WithContext(ctx), identifier)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Identifier: record.Identifier,
		Address:    record.Address,
		Balance:    record.Balance,
		Unit:       DefaultUnits(gateway.backend).TransactionUnit,
	}, nil
}

// Transfer debits the sender and credits the recipient when it is a ledger account.
// Unknown recipients are treated as external addresses.
func (gateway *LedgerGateway) Transfer(ctx context.Context, fromIdentifier string, toIdentifier string, value float64) (Transaction, error) {
	if value <= 0 {
		return Transaction{}, NewError(CodeInvalidAmount, "value must be greater than zero", map[string]any{"value": value})
	}
	if strings.TrimSpace(toIdentifier) == "" {
		return Transaction{}, NewError(CodeAccountNotFound, "recipient must be provided", nil)
	}
	var recorded transactionRecord
	txErr := gateway.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender, senderErr := gateway.findAccount(ctx, tx, fromIdentifier)
		if senderErr != nil {
			return senderErr
		}
		if sender.Balance < value {
			return NewError(CodeInsufficientFunds, "insufficient funds", map[string]any{
				"balance": sender.Balance,
				"value":   value,
			})
		}
		toAddress := toIdentifier
		recipient, recipientErr := gateway.findAccount(ctx, tx, toIdentifier)
		switch {
		case recipientErr == nil:
			toAddress = recipient.Address
			if updateErr := tx.Model(&accountRecord{}).Where("id = ?", recipient.ID).
				Update("balance", gorm.Expr("balance + ?", value)).Error; updateErr != nil {
				return NewError(CodeBackendFailure, updateErr.Error(), nil)
			}
		case !errors.Is(recipientErr, ErrAccountNotFound):
			return recipientErr
		}
		if updateErr := tx.Model(&accountRecord{}).Where("id = ?", sender.ID).
			Update("balance", gorm.Expr("balance - ?", value)).Error; updateErr != nil {
			return NewError(CodeBackendFailure, updateErr.Error(), nil)
		}
		transactionID := uuid.NewString()
		recorded = transactionRecord{
			TransactionID: transactionID,
			Backend:       gateway.backend,
			FromAddress:   sender.Address,
			ToAddress:     toAddress,
			Value:         value,
			State:         StatePending,
			Receipt:       strings.ReplaceAll(transactionID, "-", ""),
			CreatedAt:     gateway.now().UTC(),
		}
		if createErr := tx.Create(&recorded).Error; createErr != nil {
			return NewError(CodeBackendFailure, createErr.Error(), nil)
		}
		return nil
	})
	if txErr != nil {
		return Transaction{}, AsError(txErr)
	}
	return gateway.toTransaction(recorded), nil
}

// History lists transfers sent or received by the identifier or address.
func (gateway *LedgerGateway) History(ctx context.Context, identifier string) ([]Transaction, error) {
	record, err := gateway.findAccount(ctx, gateway.db.WithContext(ctx), identifier)
	if err != nil {
		return nil, err
	}
	var records []transactionRecord
	queryErr := gateway.db.WithContext(ctx).
		Where("backend = ? AND (from_address = ? OR to_address = ?)", gateway.backend, record.Address, record.Address).
		Order("created_at DESC").
		Find(&records).Error
	if queryErr != nil {
		return nil, NewError(CodeBackendFailure, queryErr.Error(), nil)
	}
	return gateway.toTransactions(records), nil
}

func (gateway *LedgerGateway) TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error) {
	query := gateway.db.WithContext(ctx).Where("backend = ?", gateway.backend)
	for field, value := range filters {
		column, ok := filterColumns[field]
		if !ok {
			return nil, NewError(CodeInvalidFilter, "unsupported filter field", map[string]any{"field": field})
		}
		query = query.Where(column+" = ?", value)
	}
	var records []transactionRecord
	if queryErr := query.Order("created_at DESC").Find(&records).Error; queryErr != nil {
		return nil, NewError(CodeBackendFailure, queryErr.Error(), nil)
	}
	return gateway.toTransactions(records), nil
}

// ValidateTransactions confirms pending transfers created after since and returns them.
func (gateway *LedgerGateway) ValidateTransactions(ctx context.Context, since time.Time) ([]Transaction, error) {
	var records []transactionRecord
	txErr := gateway.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if findErr := tx.Where("backend = ? AND state = ? AND created_at >= ?", gateway.backend, StatePending, since).
			Order("created_at ASC").Find(&records).Error; findErr != nil {
			return findErr
		}
		if len(records) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(records))
		for index := range records {
			identifiers = append(identifiers, records[index].TransactionID)
			records[index].State = StateConfirmed
		}
		return tx.Model(&transactionRecord{}).Where("transaction_id IN ?", identifiers).Update("state", StateConfirmed).Error
	})
	if txErr != nil {
		return nil, NewError(CodeBackendFailure, txErr.Error(), nil)
	}
	return gateway.toTransactions(records), nil
}

// RequestFunds credits the faucet grant to a ledger address.
func (gateway *LedgerGateway) RequestFunds(ctx context.Context, address string) (FundReceipt, error) {
	result := gateway.scoped(ctx).Model(&accountRecord{}).
		Where("address = ?", address).
		Update("balance", gorm.Expr("balance + ?", gateway.faucetGrant*DefaultUnits(gateway.backend).Rate))
	if result.Error != nil {
		return FundReceipt{}, NewError(CodeBackendFailure, result.Error.Error(), nil)
	}
	if result.RowsAffected == 0 {
		return FundReceipt{}, NewError(CodeAccountNotFound, "account not found", map[string]any{"address": address})
	}
	return FundReceipt{Address: address, WaitingRequests: 0}, nil
}

func (gateway *LedgerGateway) scoped(ctx context.Context) *gorm.DB {
	return gateway.db.WithContext(ctx).Where("backend = ?", gateway.backend)
}

func (gateway *LedgerGateway) findAccount(ctx context.Context, db *gorm.DB, identifierOrAddress string) (accountRecord, error) {
	var record accountRecord
	err := db.WithContext(ctx).
		Where("backend = ? AND (identifier = ? OR address = ?)", gateway.backend, identifierOrAddress, identifierOrAddress).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accountRecord{}, NewError(CodeAccountNotFound, "account not found", map[string]any{"identifier": identifierOrAddress})
		}
		return accountRecord{}, NewError(CodeBackendFailure, err.Error(), nil)
	}
	return record, nil
}

func (gateway *LedgerGateway) newAddress() (string, error) {
	switch gateway.backend {
	case BackendERC20:
		raw := make([]byte, 20)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		return "0x" + hex.EncodeToString(raw), nil
	default:
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		return "iota1q" + hex.EncodeToString(raw), nil
	}
}

func (gateway *LedgerGateway) toAccount(record accountRecord) Account {
	return Account{
		Identifier: record.Identifier,
		Address:    record.Address,
		Backend:    record.Backend,
		Metadata:   map[string]any{"created_at": record.CreatedAt},
	}
}

func (gateway *LedgerGateway) toTransaction(record transactionRecord) Transaction {
	return Transaction{
		TransactionID: record.TransactionID,
		From:          record.FromAddress,
		To:            record.ToAddress,
		Value:         record.Value,
		State:         record.State,
		Receipt:       record.Receipt,
		Backend:       record.Backend,
		CreatedAt:     record.CreatedAt,
	}
}

func (gateway *LedgerGateway) toTransactions(records []transactionRecord) []Transaction {
	transactions := make([]Transaction, 0, len(records))
	for _, record := range records {
		transactions = append(transactions, gateway.toTransaction(record))
	}
	return transactions
}
