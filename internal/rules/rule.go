package rules

// Kind distinguishes the two toggleable rule families on the router.
type Kind string

const (
	KindFirewall Kind = "firewall"
	KindQueue    Kind = "queue"
)

// Rule mirrors one toggleable router rule in memory.
//
// Enabled is the only field that changes after load; everything else is fixed
// when the rule is classified at startup. The store hands out copies, so a
// Rule value held by a caller is never mutated behind its back.
type Rule struct {
	UID         string
	Kind        Kind
	RuleNumber  string
	Description string
	Group       string
	Enabled     bool

	AutoOff      bool
	AutoOn       bool
	Scheduled    bool
	InactiveTime bool

	HideToggle bool
}

// DeviceRule is the raw payload for one rule as the router reports it.
// Optional fields stay pointers; only Classify branches on their presence.
type DeviceRule struct {
	ID       string
	Disabled bool
	Comment  *string
	About    *string
	Time     *string
}
