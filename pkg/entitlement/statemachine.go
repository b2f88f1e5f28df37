package entitlement

// Decision is the outcome of comparing an incoming provider record with
// the stored record for the same external id.
type Decision int

const (
	// DecisionApply overwrites the stored record with the incoming one.
	DecisionApply Decision = iota
	// DecisionSuperseded keeps the stored record; it reflects a later
	// (or identical) provider assertion.
	DecisionSuperseded
	// DecisionTerminal keeps the stored record; it is in a terminal state.
	DecisionTerminal
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionSuperseded:
		return "superseded"
	case DecisionTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var webTransitions = map[WebStatus][]WebStatus{
	WebStatusIncomplete: {WebStatusIncomplete, WebStatusActive, WebStatusTrialing, WebStatusCanceled},
	WebStatusTrialing:   {WebStatusTrialing, WebStatusActive, WebStatusPastDue, WebStatusUnpaid, WebStatusCanceled},
	WebStatusActive:     {WebStatusActive, WebStatusPastDue, WebStatusUnpaid, WebStatusCanceled},
	WebStatusPastDue:    {WebStatusPastDue, WebStatusActive, WebStatusUnpaid, WebStatusCanceled},
	WebStatusUnpaid:     {WebStatusUnpaid, WebStatusActive, WebStatusCanceled},
	WebStatusCanceled:   {WebStatusCanceled},
}

var storeTransitions = map[StoreStatus][]StoreStatus{
	StoreStatusActive: {
		StoreStatusActive, StoreStatusInBillingRetry, StoreStatusInGracePeriod,
		StoreStatusExpired, StoreStatusRevoked,
	},
	StoreStatusInGracePeriod: {
		StoreStatusInGracePeriod, StoreStatusInBillingRetry, StoreStatusActive,
		StoreStatusExpired, StoreStatusRevoked,
	},
	StoreStatusInBillingRetry: {
		StoreStatusInBillingRetry, StoreStatusActive, StoreStatusExpired, StoreStatusRevoked,
	},
	StoreStatusExpired: {StoreStatusExpired, StoreStatusActive, StoreStatusRevoked},
	StoreStatusRevoked: {StoreStatusRevoked},
}

// ExpectedWebTransition reports whether from -> to is a documented provider
// transition. Undocumented transitions are still applied, since the provider
// owns the truth, but callers log them.
func ExpectedWebTransition(from, to WebStatus) bool {
	for _, s := range webTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExpectedStoreTransition is the store counterpart of ExpectedWebTransition.
func ExpectedStoreTransition(from, to StoreStatus) bool {
	for _, s := range storeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DecideWeb decides whether incoming replaces existing.
//
// The comparison is a total order so that any two deliveries for the same
// subscription commute: terminal records dominate non-terminal ones, then
// the later provider assertion wins, then the higher status rank, then the
// later period end.
func DecideWeb(existing, incoming *WebSubscription) Decision {
	if existing == nil {
		return DecisionApply
	}
	if existing.Status.Terminal() && !incoming.Status.Terminal() {
		return DecisionTerminal
	}
	if incoming.Status.Terminal() && !existing.Status.Terminal() {
		return DecisionApply
	}
	if compareWeb(incoming, existing) > 0 {
		return DecisionApply
	}
	return DecisionSuperseded
}

// DecideStore decides whether incoming replaces existing. See DecideWeb.
func DecideStore(existing, incoming *StoreSubscription) Decision {
	if existing == nil {
		return DecisionApply
	}
	if existing.Status.Terminal() && !incoming.Status.Terminal() {
		return DecisionTerminal
	}
	if incoming.Status.Terminal() && !existing.Status.Terminal() {
		return DecisionApply
	}
	if compareStore(incoming, existing) > 0 {
		return DecisionApply
	}
	return DecisionSuperseded
}

func compareWeb(a, b *WebSubscription) int {
	if c := a.AssertedAt.Compare(b.AssertedAt); c != 0 {
		return c
	}
	if c := cmpInt(webRank(a.Status), webRank(b.Status)); c != 0 {
		return c
	}
	if c := a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd); c != 0 {
		return c
	}
	if c := a.CurrentPeriodStart.Compare(b.CurrentPeriodStart); c != 0 {
		return c
	}
	return cmpBool(a.CancelAtPeriodEnd, b.CancelAtPeriodEnd)
}

func compareStore(a, b *StoreSubscription) int {
	if c := a.AssertedAt.Compare(b.AssertedAt); c != 0 {
		return c
	}
	if c := cmpInt(storeRank(a.Status), storeRank(b.Status)); c != 0 {
		return c
	}
	if c := a.ExpiresDate.Compare(b.ExpiresDate); c != 0 {
		return c
	}
	if c := a.PurchaseDate.Compare(b.PurchaseDate); c != 0 {
		return c
	}
	// auto-renew off is the later user intent
	return cmpBool(!a.AutoRenew, !b.AutoRenew)
}

func webRank(s WebStatus) int {
	switch s {
	case WebStatusIncomplete:
		return 0
	case WebStatusTrialing, WebStatusActive:
		return 1
	case WebStatusPastDue:
		return 2
	case WebStatusUnpaid:
		return 3
	case WebStatusCanceled:
		return 4
	default:
		return -1
	}
}

func storeRank(s StoreStatus) int {
	switch s {
	case StoreStatusActive:
		return 0
	case StoreStatusInGracePeriod:
		return 1
	case StoreStatusInBillingRetry:
		return 2
	case StoreStatusExpired:
		return 3
	case StoreStatusRevoked:
		return 4
	default:
		return -1
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// StoreEventKind is a provider-neutral classification of an App Store
// notification.
type StoreEventKind string

const (
	StoreEventSubscribed         StoreEventKind = "subscribed"
	StoreEventRenewed            StoreEventKind = "renewed"
	StoreEventRenewalFailed      StoreEventKind = "renewal_failed"
	StoreEventRenewalFailedGrace StoreEventKind = "renewal_failed_grace"
	StoreEventGraceExpired       StoreEventKind = "grace_expired"
	StoreEventExpired            StoreEventKind = "expired"
	StoreEventRevoked            StoreEventKind = "revoked"
	StoreEventRenewalChanged     StoreEventKind = "renewal_changed"
)

// TargetStatus returns the status a store record moves to for kind.
// derived is the status implied by the transaction itself and is used for
// kinds that do not dictate a status. ok is false for unknown kinds.
func (k StoreEventKind) TargetStatus(derived StoreStatus) (status StoreStatus, ok bool) {
	switch k {
	case StoreEventSubscribed, StoreEventRenewed:
		return StoreStatusActive, true
	case StoreEventRenewalFailed:
		return StoreStatusInBillingRetry, true
	case StoreEventRenewalFailedGrace:
		return StoreStatusInGracePeriod, true
	case StoreEventGraceExpired, StoreEventExpired:
		return StoreStatusExpired, true
	case StoreEventRevoked:
		return StoreStatusRevoked, true
	case StoreEventRenewalChanged:
		if derived.Valid() {
			return derived, true
		}
		return "", false
	default:
		return "", false
	}
}
