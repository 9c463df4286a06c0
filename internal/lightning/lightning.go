package lightning

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
)

// Invoice identifies one outstanding payment claim.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	ExpiresAt      time.Time
}

// Backend issues invoices and reports their lifecycle.
type Backend interface {
	CreateInvoice(ctx context.Context, amountMsats int64) (Invoice, error)
	InvoiceStatus(ctx context.Context, paymentHash string) (Status, error)
}
