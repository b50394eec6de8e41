// Package memory is an in-process implementation of the repository
// interfaces. Transactions are serialized store-wide and rolled back with an
// undo journal; it backs unit tests and local runs without Postgres.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	apps          map[string]models.App
	businesses    map[string]models.Business
	credentials   map[string]models.Credential
	transactions  map[string]models.Transaction
	byCorrelation map[string]string
	refunds       map[string]models.Refund
	invoices      map[string]models.Invoice
	audit         []models.AuditLog
	events        map[string]struct{}

	now func() time.Time
}

func New() *Store {
	return &Store{
		apps:          map[string]models.App{},
		businesses:    map[string]models.Business{},
		credentials:   map[string]models.Credential{},
		transactions:  map[string]models.Transaction{},
		byCorrelation: map[string]string{},
		refunds:       map[string]models.Refund{},
		invoices:      map[string]models.Invoice{},
		events:        map[string]struct{}{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Apps() repo.Apps                 { return &apps{s} }
func (s *Store) Businesses() repo.Businesses     { return &businesses{s} }
func (s *Store) Credentials() repo.Credentials   { return &credentials{s} }
func (s *Store) Transactions() repo.Transactions { return &transactions{s: s} }
func (s *Store) Refunds() repo.Refunds           { return &refunds{s: s} }
func (s *Store) Invoices() repo.Invoices         { return &invoices{s: s} }
func (s *Store) AuditLogs() repo.AuditLogs       { return &auditLogs{s: s} }

// AuditTrail returns a copy of every audit entry written so far.
func (s *Store) AuditTrail() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

type memTx struct {
	undo []func()
}

func (t *memTx) record(f func()) {
	if t != nil {
		t.undo = append(t.undo, f)
	}
}

// WithTx serializes transactions against each other. Plain repository calls
// are not blocked by an open transaction.
func (s *Store) WithTx(_ context.Context, fn func(repo.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &memTx{}
	if err := fn(txView{s: s, tx: t}); err != nil {
		s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type txView struct {
	s  *Store
	tx *memTx
}

func (v txView) Transactions() repo.Transactions { return &transactions{s: v.s, tx: v.tx} }
func (v txView) Refunds() repo.Refunds           { return &refunds{s: v.s, tx: v.tx} }
func (v txView) Invoices() repo.Invoices         { return &invoices{s: v.s, tx: v.tx} }
func (v txView) AuditLogs() repo.AuditLogs       { return &auditLogs{s: v.s, tx: v.tx} }
func (v txView) WebhookEvents() repo.WebhookEvents {
	return &webhookEvents{s: v.s, tx: v.tx}
}

// ---------- apps ----------

type apps struct{ s *Store }

func (r *apps) Create(_ context.Context, a models.App) (models.App, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := r.s.apps[a.ID]; ok {
		return models.App{}, repo.ErrConflict
	}
	a.CreatedAt, a.UpdatedAt = r.s.now(), r.s.now()
	r.s.apps[a.ID] = a
	return a, nil
}

func (r *apps) GetByID(_ context.Context, id string) (models.App, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.apps[id]
	if !ok {
		return models.App{}, repo.ErrNotFound
	}
	return a, nil
}

// ---------- businesses ----------

type businesses struct{ s *Store }

func cloneBusiness(b models.Business) models.Business {
	b.Apps = slices.Clone(b.Apps)
	b.Methods = slices.Clone(b.Methods)
	return b
}

func (r *businesses) Create(_ context.Context, b models.Business) (models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, ok := r.s.businesses[b.ID]; ok {
		return models.Business{}, repo.ErrConflict
	}
	b.CreatedAt, b.UpdatedAt = r.s.now(), r.s.now()
	r.s.businesses[b.ID] = cloneBusiness(b)
	return b, nil
}

func (r *businesses) GetByID(_ context.Context, id string) (models.Business, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[id]
	if !ok {
		return models.Business{}, repo.ErrNotFound
	}
	return cloneBusiness(b), nil
}

func (r *businesses) LinkApp(_ context.Context, businessID, appID string, status models.AppLinkStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[businessID]
	if !ok {
		return repo.ErrNotFound
	}
	b = cloneBusiness(b)
	for i := range b.Apps {
		if b.Apps[i].AppID == appID {
			b.Apps[i].Status = status
			r.s.businesses[businessID] = b
			return nil
		}
	}
	b.Apps = append(b.Apps, models.AppLink{AppID: appID, Status: status, LinkedAt: r.s.now()})
	r.s.businesses[businessID] = b
	return nil
}

func (r *businesses) UpsertMethod(_ context.Context, businessID string, m models.MethodConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[businessID]
	if !ok {
		return repo.ErrNotFound
	}
	b = cloneBusiness(b)
	for i := range b.Methods {
		if b.Methods[i].Method == m.Method {
			b.Methods[i] = m
			r.s.businesses[businessID] = b
			return nil
		}
	}
	b.Methods = append(b.Methods, m)
	r.s.businesses[businessID] = b
	return nil
}

func (r *businesses) SetWebhook(_ context.Context, businessID, url, secret string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.businesses[businessID]
	if !ok {
		return repo.ErrNotFound
	}
	b.WebhookURL, b.WebhookSecret, b.UpdatedAt = url, secret, r.s.now()
	r.s.businesses[businessID] = b
	return nil
}

// ---------- credentials ----------

type credentials struct{ s *Store }

func credKey(businessID string, m models.PaymentMethod) string {
	return businessID + "|" + string(m)
}

func (r *credentials) Upsert(_ context.Context, c models.Credential) (models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := credKey(c.BusinessID, c.Method)
	if prev, ok := r.s.credentials[k]; ok {
		c.ID, c.CreatedAt = prev.ID, prev.CreatedAt
	} else {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = r.s.now()
	}
	c.UpdatedAt = r.s.now()
	c.EncryptedSecrets = slices.Clone(c.EncryptedSecrets)
	r.s.credentials[k] = c
	return c, nil
}

func (r *credentials) Get(_ context.Context, businessID string, method models.PaymentMethod) (models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[credKey(businessID, method)]
	if !ok {
		return models.Credential{}, repo.ErrNotFound
	}
	c.EncryptedSecrets = slices.Clone(c.EncryptedSecrets)
	return c, nil
}

func (r *credentials) Delete(_ context.Context, businessID string, method models.PaymentMethod) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := credKey(businessID, method)
	if _, ok := r.s.credentials[k]; !ok {
		return repo.ErrNotFound
	}
	delete(r.s.credentials, k)
	return nil
}

// ---------- transactions ----------

type transactions struct {
	s  *Store
	tx *memTx
}

func cloneTxn(t models.Transaction) models.Transaction {
	t.ProcessingErrors = slices.Clone(t.ProcessingErrors)
	t.DisputeDetails = maps.Clone(t.DisputeDetails)
	return t
}

// put stores t and journals the previous row when inside a tx. Caller holds mu.
func (r *transactions) put(t models.Transaction) {
	prev, existed := r.s.transactions[t.ID]
	r.tx.record(func() {
		if existed {
			r.s.transactions[prev.ID] = prev
			if prev.CorrelationID == nil && t.CorrelationID != nil {
				delete(r.s.byCorrelation, *t.CorrelationID)
			}
			return
		}
		delete(r.s.transactions, t.ID)
		if t.CorrelationID != nil {
			delete(r.s.byCorrelation, *t.CorrelationID)
		}
	})
	r.s.transactions[t.ID] = t
	if t.CorrelationID != nil {
		r.s.byCorrelation[*t.CorrelationID] = t.ID
	}
}

func (r *transactions) Create(_ context.Context, t models.Transaction) (models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := r.s.transactions[t.ID]; ok {
		return models.Transaction{}, repo.ErrConflict
	}
	if t.CorrelationID != nil {
		if _, ok := r.s.byCorrelation[*t.CorrelationID]; ok {
			return models.Transaction{}, repo.ErrConflict
		}
	}
	t.CreatedAt, t.UpdatedAt = r.s.now(), r.s.now()
	r.put(cloneTxn(t))
	return t, nil
}

func (r *transactions) GetByID(_ context.Context, id string) (models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transactions[id]
	if !ok {
		return models.Transaction{}, repo.ErrNotFound
	}
	return cloneTxn(t), nil
}

// GetByIDForUpdate relies on WithTx holding the store-wide tx lock.
func (r *transactions) GetByIDForUpdate(ctx context.Context, id string) (models.Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r *transactions) GetByCorrelationID(ctx context.Context, correlationID string) (models.Transaction, error) {
	r.s.mu.Lock()
	id, ok := r.s.byCorrelation[correlationID]
	r.s.mu.Unlock()
	if !ok {
		return models.Transaction{}, repo.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *transactions) ListByBusiness(_ context.Context, businessID string, f repo.TransactionFilter) ([]models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var all []models.Transaction
	for _, t := range r.s.transactions {
		if t.BusinessID != businessID || (f.Status != "" && t.Status != f.Status) {
			continue
		}
		all = append(all, cloneTxn(t))
	}
	slices.SortFunc(all, func(a, b models.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (r *transactions) CompareAndSetStatus(_ context.Context, id string, from []models.TransactionStatus, u repo.StatusUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transactions[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return false, nil
	}
	if u.CorrelationID != nil {
		if other, taken := r.s.byCorrelation[*u.CorrelationID]; taken && other != id {
			return false, repo.ErrConflict
		}
	}
	t = cloneTxn(t)
	t.Status = u.Status
	if u.CorrelationID != nil {
		t.CorrelationID = u.CorrelationID
	}
	if u.MerchantRequestID != nil {
		t.MerchantRequestID = u.MerchantRequestID
	}
	if u.ResultCode != nil {
		t.ResultCode = u.ResultCode
	}
	if u.ResultDescription != nil {
		t.ResultDescription = *u.ResultDescription
	}
	if u.ReceiptNumber != nil {
		t.ReceiptNumber = u.ReceiptNumber
	}
	if u.CallbackData != nil {
		t.CallbackReceived = true
		t.CallbackData = u.CallbackData
	}
	if u.Details != nil {
		merged := make(map[string]any, len(t.Details)+len(u.Details))
		for k, v := range t.Details {
			merged[k] = v
		}
		for k, v := range u.Details {
			merged[k] = v
		}
		t.Details = merged
	}
	t.UpdatedAt = r.s.now()
	r.put(t)
	return true, nil
}

func (r *transactions) RecordError(_ context.Context, id, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transactions[id]
	if !ok {
		return repo.ErrNotFound
	}
	t = cloneTxn(t)
	now := r.s.now()
	t.ProcessingErrors = append(t.ProcessingErrors, models.ProcessingError{Error: msg, Timestamp: now})
	t.RetryCount++
	t.LastRetryAt = &now
	t.UpdatedAt = now
	r.put(t)
	return nil
}

func (r *transactions) AddRefunded(_ context.Context, id string, amount decimal.Decimal) (models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transactions[id]
	if !ok {
		return models.Transaction{}, repo.ErrNotFound
	}
	next := t.RefundedAmount.Add(amount)
	if next.GreaterThan(t.Amount) {
		// mirrors the table CHECK constraint
		return models.Transaction{}, repo.ErrConflict
	}
	t = cloneTxn(t)
	t.RefundedAmount = next
	t.Refunded = next.GreaterThanOrEqual(t.Amount)
	t.UpdatedAt = r.s.now()
	r.put(t)
	return cloneTxn(t), nil
}

func (r *transactions) UpdateDispute(_ context.Context, id string, disputed bool, details map[string]any) (models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.transactions[id]
	if !ok {
		return models.Transaction{}, repo.ErrNotFound
	}
	t = cloneTxn(t)
	t.Disputed = disputed
	if t.DisputeDetails == nil {
		t.DisputeDetails = map[string]any{}
	}
	maps.Copy(t.DisputeDetails, details)
	t.UpdatedAt = r.s.now()
	r.put(t)
	return cloneTxn(t), nil
}

// ---------- refunds ----------

type refunds struct {
	s  *Store
	tx *memTx
}

func (r *refunds) put(rf models.Refund) {
	prev, existed := r.s.refunds[rf.ID]
	r.tx.record(func() {
		if existed {
			r.s.refunds[prev.ID] = prev
		} else {
			delete(r.s.refunds, rf.ID)
		}
	})
	r.s.refunds[rf.ID] = rf
}

func (r *refunds) Create(_ context.Context, rf models.Refund) (models.Refund, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rf.ID == "" {
		rf.ID = uuid.NewString()
	}
	if _, ok := r.s.transactions[rf.TransactionID]; !ok {
		return models.Refund{}, repo.ErrNotFound
	}
	rf.CreatedAt, rf.UpdatedAt = r.s.now(), r.s.now()
	r.put(rf)
	return rf, nil
}

func (r *refunds) GetByID(_ context.Context, id string) (models.Refund, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rf, ok := r.s.refunds[id]
	if !ok {
		return models.Refund{}, repo.ErrNotFound
	}
	return rf, nil
}

func (r *refunds) ListByTransaction(_ context.Context, transactionID string) ([]models.Refund, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Refund
	for _, rf := range r.s.refunds {
		if rf.TransactionID == transactionID {
			out = append(out, rf)
		}
	}
	slices.SortFunc(out, func(a, b models.Refund) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *refunds) Finish(_ context.Context, id string, status models.TransactionStatus, processorRefundID *string, failure string, details map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rf, ok := r.s.refunds[id]
	if !ok || rf.Status.Terminal() {
		return repo.ErrNotFound
	}
	rf.Status = status
	if processorRefundID != nil {
		rf.ProcessorRefundID = processorRefundID
	}
	rf.FailureReason = failure
	rf.Details = details
	rf.UpdatedAt = r.s.now()
	r.put(rf)
	return nil
}

// ---------- invoices ----------

type invoices struct {
	s  *Store
	tx *memTx
}

func cloneInvoice(inv models.Invoice) models.Invoice {
	inv.Items = slices.Clone(inv.Items)
	inv.Payments = slices.Clone(inv.Payments)
	return inv
}

func (r *invoices) put(inv models.Invoice) {
	prev, existed := r.s.invoices[inv.ID]
	r.tx.record(func() {
		if existed {
			r.s.invoices[prev.ID] = prev
		} else {
			delete(r.s.invoices, inv.ID)
		}
	})
	r.s.invoices[inv.ID] = cloneInvoice(inv)
}

func (r *invoices) Create(_ context.Context, inv models.Invoice) (models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	for _, other := range r.s.invoices {
		if other.Number == inv.Number {
			return models.Invoice{}, repo.ErrConflict
		}
	}
	inv.CreatedAt, inv.UpdatedAt = r.s.now(), r.s.now()
	r.put(inv)
	return cloneInvoice(inv), nil
}

func (r *invoices) GetByID(_ context.Context, id string) (models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inv, ok := r.s.invoices[id]
	if !ok {
		return models.Invoice{}, repo.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (r *invoices) GetByIDForUpdate(ctx context.Context, id string) (models.Invoice, error) {
	return r.GetByID(ctx, id)
}

func (r *invoices) ListByBusiness(_ context.Context, businessID string, limit, offset int) ([]models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.Invoice
	for _, inv := range r.s.invoices {
		if inv.BusinessID == businessID {
			out = append(out, cloneInvoice(inv))
		}
	}
	slices.SortFunc(out, func(a, b models.Invoice) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *invoices) ListDue(_ context.Context, now time.Time) ([]models.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Invoice
	for _, inv := range r.s.invoices {
		if (inv.Status == models.InvoiceSent || inv.Status == models.InvoicePartiallyPaid) &&
			inv.DueDate != nil && inv.DueDate.Before(now) {
			out = append(out, cloneInvoice(inv))
		}
	}
	return out, nil
}

func (r *invoices) Update(_ context.Context, inv models.Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.invoices[inv.ID]
	if !ok {
		return repo.ErrNotFound
	}
	prev.Status = inv.Status
	prev.PaidAmount = inv.PaidAmount
	prev.Payments = inv.Payments
	prev.DueDate = inv.DueDate
	prev.Notes = inv.Notes
	prev.UpdatedAt = r.s.now()
	r.put(prev)
	return nil
}

// ---------- audit ----------

type auditLogs struct {
	s  *Store
	tx *memTx
}

func (r *auditLogs) Create(_ context.Context, l models.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l.ID = uuid.NewString()
	l.CreatedAt = r.s.now()
	n := len(r.s.audit)
	r.tx.record(func() { r.s.audit = r.s.audit[:n] })
	r.s.audit = append(r.s.audit, l)
	return nil
}

// ---------- webhook events ----------

type webhookEvents struct {
	s  *Store
	tx *memTx
}

func (r *webhookEvents) Record(_ context.Context, source, eventID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := source + "/" + eventID
	if _, seen := r.s.events[key]; seen {
		return false, nil
	}
	r.s.events[key] = struct{}{}
	r.tx.record(func() { delete(r.s.events, key) })
	return true, nil
}
