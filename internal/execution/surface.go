package execution

import (
	"context"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
)

// Ticket is a filled-in order form ready for preview and submission.
type Ticket struct {
	Order         models.Order
	ClientOrderID string
	LimitPrice    decimal.Decimal // zero for market orders
}

// Preview is the surface's confirmation screen.
type Preview struct {
	EstimatedCost decimal.Decimal
	Message       string
}

// SubmitOutcome is what the surface reports right after submission.
type SubmitOutcome struct {
	BrokerOrderID string
	Status        string
}

// TradingSurface is the external place orders are entered. Implementations
// wrap definitive refusals with ErrRejected; any other error is ambiguous.
type TradingSurface interface {
	Login(ctx context.Context) (bool, error)
	Navigate(ctx context.Context, ticker string) error
	FillForm(ctx context.Context, o models.Order) (Ticket, error)
	Preview(ctx context.Context, t Ticket) (Preview, error)
	SubmitOrder(ctx context.Context, t Ticket) (SubmitOutcome, error)
	FetchOrderHistory(ctx context.Context) ([]models.HistoryRecord, error)
	FetchHoldings(ctx context.Context) (map[string]int, error)
	FetchTradeCount(ctx context.Context) (int, error)
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
	CaptureDiagnostic(ctx context.Context, label string) (string, error)
}

// OrderCanceler is implemented by surfaces that can cancel queued orders.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, brokerOrderID string) error
}
