package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const webColumns = `id, user_id, provider_subscription_id, provider_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	asserted_at, created_at, updated_at`

const storeColumns = `id, user_id, original_transaction_id, product_id, status,
	purchase_date, expires_date, environment, auto_renew, app_account_token,
	asserted_at, created_at, updated_at`

// pgTx implements entitlement.Tx on a locked pgx transaction
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) IsEventProcessed(ctx context.Context, provider entitlement.Provider, eventID string) (bool, error) {
	var processed bool
	err := t.tx.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return processed, nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, provider entitlement.Provider, eventID string, at time.Time) error {
	return markProcessed(ctx, t.tx, provider, eventID, at)
}

func (t *pgTx) GetWebSubscription(ctx context.Context, id string) (*entitlement.WebSubscription, error) {
	return getWebSubscription(ctx, t.tx, id)
}

func (t *pgTx) GetStoreSubscription(ctx context.Context, id string) (*entitlement.StoreSubscription, error) {
	return getStoreSubscription(ctx, t.tx, id)
}

func (t *pgTx) UpsertWebSubscription(ctx context.Context, sub *entitlement.WebSubscription) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO web_subscriptions (`+webColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				provider_customer_id = EXCLUDED.provider_customer_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				asserted_at = EXCLUDED.asserted_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		sub.AssertedAt.UTC(), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert web subscription: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertStoreSubscription(ctx context.Context, sub *entitlement.StoreSubscription) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO store_subscriptions (`+storeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (original_transaction_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				product_id = EXCLUDED.product_id,
				status = EXCLUDED.status,
				purchase_date = EXCLUDED.purchase_date,
				expires_date = EXCLUDED.expires_date,
				environment = EXCLUDED.environment,
				auto_renew = EXCLUDED.auto_renew,
				app_account_token = EXCLUDED.app_account_token,
				asserted_at = EXCLUDED.asserted_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.OriginalTransactionID, sub.ProductID, string(sub.Status),
		nullTime(sub.PurchaseDate), nullTime(sub.ExpiresDate), string(environment(sub.Environment)),
		sub.AutoRenew, sub.AppAccountToken,
		sub.AssertedAt.UTC(), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert store subscription: %w", err)
	}
	return nil
}

func (t *pgTx) ListWebSubscriptions(ctx context.Context, userID string) ([]entitlement.WebSubscription, error) {
	return listWebSubscriptions(ctx, t.tx, userID)
}

func (t *pgTx) ListStoreSubscriptions(ctx context.Context, userID string) ([]entitlement.StoreSubscription, error) {
	return listStoreSubscriptions(ctx, t.tx, userID)
}

func (t *pgTx) GetUserEntitlement(ctx context.Context, userID string) (*entitlement.UserEntitlement, error) {
	ent, err := getUserEntitlement(ctx, t.tx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &entitlement.UserEntitlement{UserID: userID}, nil
	}
	return ent, err
}

func (t *pgTx) SetPremium(
	ctx context.Context, userID string, premium bool, expiry *time.Time, computedAt time.Time,
) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_entitlements
			SET premium = $2, effective_expiry = $3, entitlement_computed_at = $4, updated_at = NOW()
			WHERE user_id = $1`,
		userID, premium, expiry, computedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set premium: %w", err)
	}
	return nil
}

func (t *pgTx) StampComputed(ctx context.Context, userID string, expiry *time.Time, computedAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_entitlements
			SET effective_expiry = $2, entitlement_computed_at = $3, updated_at = NOW()
			WHERE user_id = $1`,
		userID, expiry, computedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to stamp computation: %w", err)
	}
	return nil
}

func getWebSubscription(ctx context.Context, q querier, id string) (*entitlement.WebSubscription, error) {
	row := q.QueryRow(ctx,
		`SELECT `+webColumns+` FROM web_subscriptions WHERE provider_subscription_id = $1`, id)
	sub, err := scanWeb(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get web subscription: %w", err)
	}
	return sub, nil
}

func getStoreSubscription(ctx context.Context, q querier, id string) (*entitlement.StoreSubscription, error) {
	row := q.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM store_subscriptions WHERE original_transaction_id = $1`, id)
	sub, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store subscription: %w", err)
	}
	return sub, nil
}

func listWebSubscriptions(ctx context.Context, q querier, userID string) ([]entitlement.WebSubscription, error) {
	rows, err := q.Query(ctx,
		`SELECT `+webColumns+` FROM web_subscriptions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list web subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []entitlement.WebSubscription
	for rows.Next() {
		sub, err := scanWeb(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan web subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list web subscriptions: %w", err)
	}
	return subs, nil
}

func listStoreSubscriptions(ctx context.Context, q querier, userID string) ([]entitlement.StoreSubscription, error) {
	rows, err := q.Query(ctx,
		`SELECT `+storeColumns+` FROM store_subscriptions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list store subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []entitlement.StoreSubscription
	for rows.Next() {
		sub, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list store subscriptions: %w", err)
	}
	return subs, nil
}

func scanWeb(row pgx.Row) (*entitlement.WebSubscription, error) {
	var sub entitlement.WebSubscription
	var status string
	var periodStart, periodEnd *time.Time

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID, &status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd,
		&sub.AssertedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = entitlement.WebStatus(status)
	sub.CurrentPeriodStart = fromNull(periodStart)
	sub.CurrentPeriodEnd = fromNull(periodEnd)
	sub.AssertedAt = sub.AssertedAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func scanStore(row pgx.Row) (*entitlement.StoreSubscription, error) {
	var sub entitlement.StoreSubscription
	var status, env string
	var purchased, expires *time.Time

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.OriginalTransactionID, &sub.ProductID, &status,
		&purchased, &expires, &env, &sub.AutoRenew, &sub.AppAccountToken,
		&sub.AssertedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = entitlement.StoreStatus(status)
	sub.Environment = entitlement.Environment(env)
	sub.PurchaseDate = fromNull(purchased)
	sub.ExpiresDate = fromNull(expires)
	sub.AssertedAt = sub.AssertedAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// nullTime maps the zero time to SQL NULL
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func environment(env entitlement.Environment) entitlement.Environment {
	if env == "" {
		return entitlement.EnvironmentProduction
	}
	return env
}
