package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// ResolveOrCreateCustomer implements billing.Provider.
//
// Order: the stored customer if it still exists, then a customer tagged
// with the tenant id in metadata, then a new customer.
func (p *Provider) ResolveOrCreateCustomer(ctx context.Context, tenant *billsync.Subscription) (string, error) {
	if tenant == nil || tenant.TenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", billing.ErrCustomerNotFound)
	}

	if tenant.CustomerID != "" {
		id, err := p.retrieveLiveCustomer(ctx, tenant.CustomerID)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		p.logger.Info("stored customer is gone, resolving again",
			billsync.F("tenant_id", tenant.TenantID),
			billsync.F("customer_id", tenant.CustomerID),
		)
	}

	id, err := p.searchCustomerByTenant(ctx, tenant.TenantID)
	if err != nil {
		// Search is eventually consistent and optional; creating is still safe.
		p.logger.Warn("customer search failed, creating customer",
			billsync.F("tenant_id", tenant.TenantID),
			billsync.F("error", err),
		)
	}
	if id != "" {
		return id, nil
	}
	return p.createCustomer(ctx, tenant)
}

// retrieveLiveCustomer returns "" when the customer is missing or deleted.
func (p *Provider) retrieveLiveCustomer(ctx context.Context, customerID string) (string, error) {
	var cust *stripe.Customer
	err := p.call(ctx, opCustomerRetrieve, func(ctx context.Context) error {
		var err error
		cust, err = p.client.V1Customers.Retrieve(ctx, customerID, nil)
		return err
	})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if cust == nil || cust.Deleted {
		return "", nil
	}
	return cust.ID, nil
}

func (p *Provider) searchCustomerByTenant(ctx context.Context, tenantID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", billsync.MetadataTenantKey, escapeSearchValue(tenantID))

	var found string
	err := p.call(ctx, opCustomerSearch, func(ctx context.Context) error {
		for cust, err := range p.client.V1Customers.Search(ctx, params) {
			if err != nil {
				return err
			}
			// Search can return near matches; require an exact one.
			if cust != nil && !cust.Deleted && cust.Metadata[billsync.MetadataTenantKey] == tenantID {
				found = cust.ID
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (p *Provider) createCustomer(ctx context.Context, tenant *billsync.Subscription) (string, error) {
	params := &stripe.CustomerCreateParams{}
	if tenant.TenantName != "" {
		params.Name = stripe.String(tenant.TenantName)
	}
	if tenant.TenantEmail != "" {
		params.Email = stripe.String(tenant.TenantEmail)
	}
	params.AddMetadata(billsync.MetadataTenantKey, tenant.TenantID)

	var cust *stripe.Customer
	err := p.call(ctx, opCustomerCreate, func(ctx context.Context) error {
		var err error
		cust, err = p.client.V1Customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("created customer",
		billsync.F("tenant_id", tenant.TenantID),
		billsync.F("customer_id", cust.ID),
	)
	return cust.ID, nil
}

func escapeSearchValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
