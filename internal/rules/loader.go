package rules

import (
	"context"

	"github.com/rs/zerolog"
)

// Spec is one configured rule entry: which device rule to manage and the
// optional presentation overrides from config. IDs are expected to be
// normalized (leading "*") before they get here.
type Spec struct {
	ID          string
	Description string
	Group       string
	HideToggle  bool
}

// Loader bulk-loads rules from the router at startup: fetch everything the
// device has per kind, keep only the configured IDs, classify and store.
type Loader struct {
	store  *Store
	device DeviceAPI
	log    zerolog.Logger
}

func NewLoader(store *Store, device DeviceAPI, log zerolog.Logger) *Loader {
	return &Loader{store: store, device: device, log: log}
}

// Load fetches both kinds and saves the combined result. Nothing is stored
// unless every configured kind could be fetched, so a half-successful load
// cannot leave the store with only one rule family.
func (l *Loader) Load(ctx context.Context, firewall, queues []Spec) error {
	fw, err := l.loadKind(ctx, KindFirewall, firewall)
	if err != nil {
		return err
	}
	qs, err := l.loadKind(ctx, KindQueue, queues)
	if err != nil {
		return err
	}

	l.store.PutAll(append(fw, qs...))
	l.log.Info().
		Int("firewall", len(fw)).
		Int("queue", len(qs)).
		Msg("rules loaded from router")
	return nil
}

// loadKind returns the configured subset of one kind's device rules, in device
// order, classified. An empty spec list skips the fetch entirely.
func (l *Loader) loadKind(ctx context.Context, kind Kind, specs []Spec) ([]Rule, error) {
	if len(specs) == 0 {
		l.log.Debug().Str("kind", string(kind)).Msg("no rules configured, skipping load")
		return nil, nil
	}

	devRules, err := l.device.FetchAll(ctx, kind)
	if err != nil {
		return nil, &DeviceError{Op: "fetch", Err: err}
	}
	l.log.Debug().Str("kind", string(kind)).Int("count", len(devRules)).Msg("fetched device rules")

	byID := make(map[string]Spec, len(specs))
	for _, sp := range specs {
		byID[sp.ID] = sp
	}

	out := make([]Rule, 0, len(specs))
	for _, dr := range devRules {
		sp, ok := byID[dr.ID]
		if !ok {
			continue
		}
		out = append(out, buildRule(kind, dr, sp))
	}
	return out, nil
}

func buildRule(kind Kind, dr DeviceRule, sp Spec) Rule {
	c := Classify(dr.Comment, dr.About, dr.Time, dr.Disabled)

	desc := c.Description
	if sp.Description != "" {
		desc = sp.Description
	}
	group := sp.Group
	if group == "" {
		group = "default"
	}

	return Rule{
		UID:          dr.ID,
		Kind:         kind,
		RuleNumber:   dr.ID,
		Description:  desc,
		Group:        group,
		Enabled:      c.Enabled,
		AutoOff:      c.AutoOff,
		AutoOn:       c.AutoOn,
		Scheduled:    c.Scheduled,
		InactiveTime: c.InactiveTime,
		HideToggle:   sp.HideToggle,
	}
}
