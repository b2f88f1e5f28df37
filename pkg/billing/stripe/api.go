package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
)

// API is the subset of the Stripe API the provider calls.
type API interface {
	// GetSubscription retrieves a subscription by id.
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	// ListSubscriptions lists every subscription of a customer, in any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	// GetCustomer retrieves a customer by id.
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	// FindCustomerIDs returns the customers whose metadata.user_id equals userID.
	FindCustomerIDs(ctx context.Context, userID string) ([]string, error)
}

type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(client *stripe.Client) *clientAPI {
	return &clientAPI{client: client}
}

func (c *clientAPI) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, classify(err)
	}
	return sub, nil
}

func (c *clientAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, classify(err)
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

func (c *clientAPI) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	cust, err := c.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return nil, classify(err)
	}
	return cust, nil
}

func (c *clientAPI) FindCustomerIDs(ctx context.Context, userID string) ([]string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = customerSearchQuery(userID)

	var ids []string
	for cust, err := range c.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, classify(err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			ids = append(ids, cust.ID)
		}
	}
	return ids, nil
}

var searchEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// customerSearchQuery matches customers whose metadata carries userID.
// Quotes and backslashes in the id are escaped for the search grammar.
func customerSearchQuery(userID string) string {
	return fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, searchEscaper.Replace(userID))
}

// classify wraps Stripe errors that retrying cannot fix with internal.ErrPermanent.
func classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w: %v", internal.ErrPermanent, billing.ErrProviderAuth, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w: %v", internal.ErrPermanent, billing.ErrCustomerNotFound, err)
		}
	}
	return err
}
