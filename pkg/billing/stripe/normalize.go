package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// subscriptionPayload is the part of a Stripe subscription object the
// provider reads. Period bounds moved from the subscription to its items
// in newer API versions, so both locations are decoded.
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           objectRef         `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// objectRef decodes an expandable Stripe field, either "id" or {"id": ...}.
type objectRef string

func (r *objectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = objectRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = objectRef(obj.ID)
	return nil
}

func decodeSubscription(raw []byte) (*subscriptionPayload, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}
	return &payload, nil
}

// payloadFromSubscription converts an API object into the payload form.
func payloadFromSubscription(sub *stripe.Subscription) (*subscriptionPayload, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (s *subscriptionPayload) userID() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[metadataUserID]
}

func (s *subscriptionPayload) period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return start, end
}

// mapStatus maps a Stripe subscription status onto WebStatus. Statuses the
// entitlement model does not know collapse onto their closest equivalent.
func mapStatus(status string) (entitlement.WebStatus, bool) {
	switch status {
	case "incomplete":
		return entitlement.WebStatusIncomplete, true
	case "trialing":
		return entitlement.WebStatusTrialing, true
	case "active":
		return entitlement.WebStatusActive, true
	case "past_due":
		return entitlement.WebStatusPastDue, true
	case "canceled":
		return entitlement.WebStatusCanceled, true
	case "unpaid":
		return entitlement.WebStatusUnpaid, true
	case "incomplete_expired":
		return entitlement.WebStatusCanceled, true
	case "paused":
		return entitlement.WebStatusUnpaid, true
	}
	return "", false
}

// errUnknownStatus marks a status Stripe added after this mapping was written.
var errUnknownStatus = errors.New("unknown subscription status")

// normalize builds the web subscription record for a payload asserted at
// assertedAt. deleted forces the canceled status.
func (s *subscriptionPayload) normalize(assertedAt time.Time, deleted bool) (entitlement.WebSubscription, error) {
	status, ok := mapStatus(s.Status)
	if deleted {
		status, ok = entitlement.WebStatusCanceled, true
	}
	if !ok {
		return entitlement.WebSubscription{}, fmt.Errorf("%w: %w %q",
			billing.ErrInvalidWebhookPayload, errUnknownStatus, s.Status)
	}

	start, end := s.period()
	sub := entitlement.WebSubscription{
		UserID:                 s.userID(),
		ProviderSubscriptionID: s.ID,
		ProviderCustomerID:     string(s.Customer),
		Status:                 status,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		AssertedAt:             assertedAt.UTC(),
	}
	if start > 0 {
		sub.CurrentPeriodStart = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		sub.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	return sub, nil
}
