package vid

import "time"

// Kind distinguishes the two mapping families (spec §3).
type Kind string

const (
	KindEmail   Kind = "email"
	KindAccount Kind = "account"
)

// Mapping is the durable record behind one virtual id.
type Mapping struct {
	VirtualID        string
	Kind             Kind
	RealAccountID    string
	ProviderEntityID string // non-empty iff Kind == KindEmail
	CreatedAt        time.Time
}

// reverseKey is the reverse-cache lookup key: for email mappings it's
// (realAccountID, providerEntityID); for account mappings providerEntityID
// is always empty.
type reverseKey struct {
	kind             Kind
	realAccountID    string
	providerEntityID string
}
