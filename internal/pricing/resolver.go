package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPricingUnavailable = errors.New("pricing unavailable")
	ErrPriceNotFound      = errors.New("price not found")
)

// PriceRepository looks up a doctor's configured price. It returns
// ErrPriceNotFound when the doctor has no row for the service and currency.
type PriceRepository interface {
	FindPrice(ctx context.Context, doctorID int64, service, currency string) (decimal.Decimal, error)
}

// Converter normalizes an amount into the settlement currency.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error)
	Target() string
}

// Quote is the resolved price of one service: what the doctor charges in the
// patient's currency and what the gateway will be asked to collect.
type Quote struct {
	DoctorID           int64
	Service            string
	Price              decimal.Decimal
	Currency           string
	Amount             decimal.Decimal
	SettlementCurrency string
}

type Resolver struct {
	repo      PriceRepository
	table     *CurrencyTable
	converter Converter
	log       *zap.Logger
}

func NewResolver(repo PriceRepository, table *CurrencyTable, converter Converter, log *zap.Logger) *Resolver {
	if table == nil {
		table = DefaultCurrencyTable()
	}
	return &Resolver{repo: repo, table: table, converter: converter, log: log}
}

// Resolve prices service for a patient from country. Every failure, including
// an unreachable rate provider, is reported as ErrPricingUnavailable.
func (r *Resolver) Resolve(ctx context.Context, doctorID int64, service, country string) (Quote, error) {
	currency := r.table.CurrencyFor(country)

	price, err := r.repo.FindPrice(ctx, doctorID, service, currency)
	if err != nil {
		if errors.Is(err, ErrPriceNotFound) {
			return Quote{}, fmt.Errorf("%w: doctor %d has no %s price in %s", ErrPricingUnavailable, doctorID, service, currency)
		}
		return Quote{}, fmt.Errorf("%w: lookup price: %v", ErrPricingUnavailable, err)
	}

	amount, err := r.converter.Convert(ctx, price, currency)
	if err != nil {
		r.log.Warn("currency conversion failed",
			zap.Int64("doctor_id", doctorID),
			zap.String("currency", currency),
			zap.Error(err),
		)
		return Quote{}, fmt.Errorf("%w: convert %s: %v", ErrPricingUnavailable, currency, err)
	}

	return Quote{
		DoctorID:           doctorID,
		Service:            service,
		Price:              price,
		Currency:           currency,
		Amount:             amount,
		SettlementCurrency: r.converter.Target(),
	}, nil
}
