package entitlement

// Role identifies what an entitlement pays for.
type Role string

const (
	// RoleBase is the main subscription. At most one effectively-active
	// base entitlement exists per owner; it covers the primary account.
	RoleBase Role = "base"
	// RoleAddon is an "additional account" purchase covering one extra
	// connected email account.
	RoleAddon Role = "addon"
)

// Status mirrors the provider's subscription lifecycle.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// GrantsAccess reports whether this status alone is enough to run an
// account. Past-due and canceled rows are kept for history/messaging
// but never grant access.
func (s Status) GrantsAccess() bool {
	return s == StatusActive || s == StatusTrialing
}

// AccessState is the reconciled access decision for one email account.
type AccessState string

const (
	// AccessActive means the account is covered by an active or trialing
	// entitlement with no pending cancellation.
	AccessActive AccessState = "entitled_active"
	// AccessPendingCancellation means the account is still covered but
	// its entitlement is scheduled to cancel at period end.
	AccessPendingCancellation AccessState = "entitled_pending_cancellation"
	// AccessRevoked means no entitlement currently covers the account.
	AccessRevoked AccessState = "access_revoked"
)

// EmailProvider identifies how an account is connected.
type EmailProvider string

const (
	EmailProviderGmail   EmailProvider = "gmail"
	EmailProviderOutlook EmailProvider = "outlook"
	EmailProviderIMAP    EmailProvider = "imap"
)
