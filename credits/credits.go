// Package credits is the user-facing credit ledger. Every charge appends an
// immutable transaction row and adjusts the materialized balance inside the
// same database transaction, so balance and ledger can never drift.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"leadsearch/domain"
	"leadsearch/obs"
)

type TransactionType string

const (
	TxTypeSearch     TransactionType = "search"
	TxTypeDeepSearch TransactionType = "deep_search"
	TxTypePagination TransactionType = "pagination"
	TxTypeRefund     TransactionType = "refund"
	TxTypePurchase   TransactionType = "purchase"
)

// Pricing in credits. Deep first pages fan out into a 9-cell scan, hence the
// higher price; continuation pages are single upstream calls regardless of
// mode.
const (
	CostStdSearch  int64 = 1
	CostDeepSearch int64 = 5
	CostPagination int64 = 1
)

// CostFor returns the price and transaction type for a query.
func CostFor(q domain.SearchQuery) (int64, TransactionType) {
	if !q.FirstPage() {
		return CostPagination, TxTypePagination
	}
	if q.DeepSearch {
		return CostDeepSearch, TxTypeDeepSearch
	}
	return CostStdSearch, TxTypeSearch
}

// CreditTransaction is an append-only ledger row. Amount is signed: negative
// for debits, positive for credits. Rows are never updated or deleted.
type CreditTransaction struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:64;not null;index" json:"userId"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Type      string    `gorm:"size:32;not null" json:"type"`
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// UserBalance is the materialized counter kept consistent with the ledger.
type UserBalance struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"userId"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (UserBalance) TableName() string { return "user_balances" }

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Charge debits amount from the user. The balance decrement is a conditional
// UPDATE (balance >= amount), so concurrent charges cannot drive the balance
// negative; the ledger row commits in the same transaction or not at all.
func (s *Service) Charge(ctx context.Context, userID string, amount int64, txType TransactionType, metadata map[string]string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, errors.New("charge amount must be positive")
	}
	row := &CreditTransaction{
		ID:       uuid.NewString(),
		UserID:   userID,
		Amount:   -amount,
		Type:     string(txType),
		Metadata: encodeMetadata(metadata),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserBalance{}).
			Where("user_id = ? AND balance >= ?", userID, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: need %d credits", domain.ErrInsufficientCredits, amount)
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	obs.RecordCreditsCharged(string(txType), amount)
	return row, nil
}

// Credit adds credits (purchase, or a compensating refund). The balance row
// is created on first credit.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TransactionType, metadata map[string]string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, errors.New("credit amount must be positive")
	}
	row := &CreditTransaction{
		ID:       uuid.NewString(),
		UserID:   userID,
		Amount:   amount,
		Type:     string(txType),
		Metadata: encodeMetadata(metadata),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserBalance{}).
			Where("user_id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&UserBalance{UserID: userID, Balance: amount}).Error; err != nil {
				return err
			}
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var b UserBalance
	err := s.db.WithContext(ctx).First(&b, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.Balance, nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
