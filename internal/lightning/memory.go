package lightning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend fakes a Lightning wallet for tests and local development.
// Invoices start pending and are settled or expired by hand (or by the
// clock once ExpiresAt passes).
type MemoryBackend struct {
	mu       sync.Mutex
	expiry   time.Duration
	invoices map[string]*memoryInvoice
	created  int
}

type memoryInvoice struct {
	status    Status
	expiresAt time.Time
}

func NewMemoryBackend(expiry time.Duration) *MemoryBackend {
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &MemoryBackend{
		expiry:   expiry,
		invoices: make(map[string]*memoryInvoice),
	}
}

func (b *MemoryBackend) CreateInvoice(_ context.Context, amountMsats int64) (Invoice, error) {
	if amountMsats < 1000 {
		return Invoice{}, fmt.Errorf("amount %d msats is below one sat", amountMsats)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	hash := strings.ReplaceAll(uuid.NewString(), "-", "")
	expiresAt := time.Now().UTC().Add(b.expiry)
	b.invoices[hash] = &memoryInvoice{status: StatusPending, expiresAt: expiresAt}
	b.created++

	return Invoice{
		PaymentRequest: "lnbc" + hash,
		PaymentHash:    hash,
		ExpiresAt:      expiresAt,
	}, nil
}

func (b *MemoryBackend) InvoiceStatus(_ context.Context, paymentHash string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	invoice, ok := b.invoices[paymentHash]
	if !ok {
		return StatusExpired, nil
	}
	if invoice.status == StatusPending && time.Now().After(invoice.expiresAt) {
		invoice.status = StatusExpired
	}
	return invoice.status, nil
}

// MarkPaid settles an invoice. Unknown hashes are ignored.
func (b *MemoryBackend) MarkPaid(paymentHash string) {
	b.setStatus(paymentHash, StatusPaid)
}

// MarkExpired lapses an invoice. Unknown hashes are ignored.
func (b *MemoryBackend) MarkExpired(paymentHash string) {
	b.setStatus(paymentHash, StatusExpired)
}

// CreatedCount reports how many invoices have been issued.
func (b *MemoryBackend) CreatedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func (b *MemoryBackend) setStatus(paymentHash string, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if invoice, ok := b.invoices[paymentHash]; ok {
		invoice.status = status
	}
}
