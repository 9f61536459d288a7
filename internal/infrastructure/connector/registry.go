package connector

import (
	"fmt"
	"sync"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Vendor collections. Side A is the CRM, side B is Finance.
var (
	CRMCustomers = Resource{
		Path:         "/api/v1/customers",
		KeyField:     "customerNumber",
		KeyParam:     "customerNumber",
		UpdatedField: "modifiedAt",
		SinceParam:   "modifiedSince",
		ListField:    "items",
		PageSize:     100,
	}
	CRMInvoices = Resource{
		Path:         "/api/v1/invoices",
		KeyField:     "invoiceNumber",
		KeyParam:     "invoiceNumber",
		UpdatedField: "modifiedAt",
		SinceParam:   "modifiedSince",
		ListField:    "items",
		PageSize:     100,
	}
	FinanceContacts = Resource{
		Path:         "/api/contacts",
		KeyField:     "contactNumber",
		KeyParam:     "contactNumber",
		UpdatedField: "updatedAt",
		SinceParam:   "updatedSince",
		ListField:    "data",
	}
	FinancePreInvoices = Resource{
		Path:         "/api/pre-invoices",
		KeyField:     "reference",
		KeyParam:     "reference",
		UpdatedField: "updatedAt",
		SinceParam:   "updatedSince",
		ListField:    "data",
	}
)

type registryKey struct {
	system     entitysync.System
	entityType entitysync.EntityType
}

// Registry implements entitysync.ClientRegistry
type Registry struct {
	mu      sync.RWMutex
	clients map[registryKey]entitysync.EntityClient
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[registryKey]entitysync.EntityClient)}
}

// Register binds a client to a system and entity type, replacing any previous one
func (r *Registry) Register(system entitysync.System, entityType entitysync.EntityType, client entitysync.EntityClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[registryKey{system, entityType}] = client
}

// Client implements entitysync.ClientRegistry
func (r *Registry) Client(system entitysync.System, entityType entitysync.EntityType) (entitysync.EntityClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[registryKey{system, entityType}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", entitysync.ErrNoClient, system, entityType)
	}
	return c, nil
}

// NewDefaultRegistry wires the CRM (JWT assertion auth) and Finance (session
// auth) clients for every supported entity type
func NewDefaultRegistry(crm, finance config.ConnectorConfig, logger *zap.Logger) *Registry {
	crmClient := NewClient(string(entitysync.SystemCRM), crm.BaseURL, crm.Timeout,
		WithAuth(NewJWTAssertionAuth(crm.BaseURL, crm.ClientID, crm.ClientSecret, crm.TokenTTL, nil)),
		WithRetry(crm.MaxRetries, 0),
		WithClientLogger(logger),
	)
	financeClient := NewClient(string(entitysync.SystemFinance), finance.BaseURL, finance.Timeout,
		WithAuth(NewSessionAuth(finance.BaseURL, finance.Username, finance.Password, nil)),
		WithRetry(finance.MaxRetries, 0),
		WithClientLogger(logger),
	)

	r := NewRegistry()
	r.Register(entitysync.SystemCRM, entitysync.EntityTypeCustomer, NewResourceClient(crmClient, CRMCustomers))
	r.Register(entitysync.SystemCRM, entitysync.EntityTypePreInvoice, NewResourceClient(crmClient, CRMInvoices))
	r.Register(entitysync.SystemFinance, entitysync.EntityTypeCustomer, NewResourceClient(financeClient, FinanceContacts))
	r.Register(entitysync.SystemFinance, entitysync.EntityTypePreInvoice, NewResourceClient(financeClient, FinancePreInvoices))
	return r
}

var _ entitysync.ClientRegistry = (*Registry)(nil)
