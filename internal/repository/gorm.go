package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
)

// DB implements TransactionStore and CatalogStore on gorm.
type DB struct {
	db *gorm.DB
}

func NewDB(db *gorm.DB) *DB {
	return &DB{db: db}
}

func (s *DB) Create(ctx context.Context, tx *models.Transaction) error {
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *DB) Save(ctx context.Context, tx *models.Transaction) error {
	return s.db.WithContext(ctx).Save(tx).Error
}

func (s *DB) ByRefInStatuses(ctx context.Context, ref TransactionRef, statuses []int) (*models.Transaction, error) {
	var tx models.Transaction
	q := s.db.WithContext(ctx).Where(ref.Field+" = ?", ref.Value)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.First(&tx).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &tx, nil
}

func (s *DB) ByPartnerTransactionID(ctx context.Context, partnerID uuid.UUID, partnerTransactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).
		Where("partner_id = ? AND partner_transaction_id = ?", partnerID, partnerTransactionID).
		First(&tx).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &tx, nil
}

func (s *DB) ByPaymentExternalID(ctx context.Context, paymentID uuid.UUID, externalTransactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).
		Where("payment_id = ? AND external_transaction_id = ?", paymentID, externalTransactionID).
		First(&tx).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &tx, nil
}

func (s *DB) ByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &tx, nil
}

func (s *DB) InternalIDExists(ctx context.Context, internalTransactionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("internal_transaction_id = ?", internalTransactionID).
		Count(&count).Error
	return count > 0, err
}

func (s *DB) CancelIfPending(ctx context.Context, id uuid.UUID, note string) (bool, error) {
	raw, _ := json.Marshal(note)
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]any{
			"status":     models.StatusCanceled,
			"error_data": string(raw),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *DB) ExpiredPendingDeposits(ctx context.Context, paymentID uuid.UUID, start, end time.Time) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND payment_id = ? AND type = ?", models.StatusPending, paymentID, "deposit").
		Where("created_at BETWEEN ? AND ?", start, end).
		Find(&txs).Error
	return txs, err
}

func (s *DB) Pollable(ctx context.Context, start, end time.Time) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []int{models.StatusPending, models.StatusProcessing}).
		Where("payment_method NOT IN ?", []string{"terminal"}).
		Where("created_at BETWEEN ? AND ?", start, end).
		Find(&txs).Error
	return txs, err
}

func (s *DB) ByPartnerTransactionIDs(ctx context.Context, partnerID uuid.UUID, partnerTransactionIDs []string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("partner_id = ? AND partner_transaction_id IN ?", partnerID, partnerTransactionIDs).
		Find(&txs).Error
	return txs, err
}

func (s *DB) SearchByExternalID(ctx context.Context, partnerID uuid.UUID, externalTransactionID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("partner_id = ? AND external_transaction_id = ?", partnerID, externalTransactionID).
		Find(&txs).Error
	return txs, err
}

func (s *DB) PartnerByExternalID(ctx context.Context, externalPartnerID string) (*models.Partner, error) {
	var partner models.Partner
	if err := s.db.WithContext(ctx).Where("external_partner_id = ?", externalPartnerID).First(&partner).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &partner, nil
}

func (s *DB) PartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	var partner models.Partner
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&partner).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &partner, nil
}

func (s *DB) PaymentByPartnerPaymentID(ctx context.Context, partnerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Where("partner_payment_id = ?", partnerPaymentID).First(&payment).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

func (s *DB) PaymentByName(ctx context.Context, paymentName string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Where("payment_name = ?", paymentName).First(&payment).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

func (s *DB) PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

func (s *DB) Payments(ctx context.Context) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.WithContext(ctx).Find(&payments).Error
	return payments, err
}

func (s *DB) PaymentConfig(ctx context.Context, paymentID, partnerID uuid.UUID) (*models.PaymentConfig, error) {
	var cfg models.PaymentConfig
	err := s.db.WithContext(ctx).
		Where("payment_id = ? AND partner_id = ?", paymentID, partnerID).
		First(&cfg).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &cfg, nil
}

func (s *DB) HasEnabledPartnerPayment(ctx context.Context, partnerID, paymentID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.PartnerPayment{}).
		Where("partner_id = ? AND payment_id = ? AND disabled = ?", partnerID, paymentID, false).
		Count(&count).Error
	return count > 0, err
}

func (s *DB) PaymentIPs(ctx context.Context) (map[uuid.UUID][]string, error) {
	var ips []models.PaymentIP
	if err := s.db.WithContext(ctx).Find(&ips).Error; err != nil {
		return nil, err
	}
	byPayment := make(map[uuid.UUID][]string, len(ips))
	for _, ip := range ips {
		byPayment[ip.PaymentID] = append(byPayment[ip.PaymentID], ip.IP)
	}
	return byPayment, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
