package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DeviceAPI is the outbound router boundary the engine depends on.
//
// FetchState and Mutate address a rule by its device-side rule number, not by
// the store UID. Any failure (network, non-2xx, malformed body) surfaces as a
// plain error; the adapter never reports partial success.
type DeviceAPI interface {
	FetchAll(ctx context.Context, kind Kind) ([]DeviceRule, error)
	FetchState(ctx context.Context, kind Kind, ruleNumber string) (disabled bool, err error)
	Mutate(ctx context.Context, kind Kind, ruleNumber string, disabled bool) error
}

// Service is the rule toggle engine. The in-memory store is a cache of the
// router's state; the router stays authoritative, so every toggle re-reads the
// live state first and commits to the store only after a confirmed write.
type Service struct {
	store  *Store
	device DeviceAPI
	log    zerolog.Logger
}

func NewService(store *Store, device DeviceAPI, log zerolog.Logger) *Service {
	return &Service{store: store, device: device, log: log}
}

// List returns all stored rule snapshots in load order.
func (s *Service) List() []Rule {
	return s.store.List()
}

// Get returns the rule refreshed with the router's live enabled state.
// The refreshed state is not written back to the store; only a confirmed
// toggle commits.
func (s *Service) Get(ctx context.Context, uid string) (Rule, error) {
	r, ok := s.store.Get(uid)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, uid)
	}
	disabled, err := s.device.FetchState(ctx, r.Kind, r.RuleNumber)
	if err != nil {
		return Rule{}, &DeviceError{Op: "state", UID: uid, Err: err}
	}
	r.Enabled = !disabled
	return r, nil
}

// Toggle sets the rule to the requested state on the router and, on confirmed
// success, in the store. Toggling to the current state is a no-op: the rule is
// returned unchanged and the device is not written.
//
// On a write failure the returned rule carries the unchanged live state and
// the stored snapshot is left untouched; the caller has to re-request the
// toggle, nothing retries on its behalf.
//
// The store lock is never held across a device call: state is read, the
// adapter is invoked, and the result committed as a separate atomic put.
func (s *Service) Toggle(ctx context.Context, uid string, enable bool) (Rule, error) {
	r, err := s.Get(ctx, uid)
	if err != nil {
		return Rule{}, err
	}

	if r.Enabled == enable {
		s.log.Debug().Str("uid", uid).Bool("enable", enable).Msg("rule already in requested state")
		return r, nil
	}

	if err := s.device.Mutate(ctx, r.Kind, r.RuleNumber, !enable); err != nil {
		s.log.Error().Err(err).Str("uid", uid).Bool("enable", enable).Msg("rule toggle failed")
		return r, &DeviceError{Op: "mutate", UID: uid, Err: err}
	}

	r.Enabled = enable
	s.store.Put(r)
	s.log.Info().Str("uid", uid).Bool("enable", enable).Msg("rule toggled")
	return r, nil
}

// ToggleResult is the outcome of one entry of a bulk toggle.
type ToggleResult struct {
	UID  string
	Rule Rule
	Err  error
}

// ToggleAll applies Toggle per UID in the given order. One failure does not
// abort the rest; the result has exactly one entry per input UID, in input
// order.
func (s *Service) ToggleAll(ctx context.Context, uids []string, enable bool) []ToggleResult {
	out := make([]ToggleResult, 0, len(uids))
	for _, uid := range uids {
		r, err := s.Toggle(ctx, uid, enable)
		out = append(out, ToggleResult{UID: uid, Rule: r, Err: err})
	}
	return out
}

// Resync refreshes the enabled flag of every stored rule from a bulk device
// read, one fetch per kind. Rules missing from the device response keep their
// cached state. Used by the periodic resync job.
func (s *Service) Resync(ctx context.Context) error {
	rules := s.store.List()
	byKind := map[Kind]bool{}
	for _, r := range rules {
		byKind[r.Kind] = true
	}

	live := map[Kind]map[string]bool{}
	for kind := range byKind {
		devRules, err := s.device.FetchAll(ctx, kind)
		if err != nil {
			return &DeviceError{Op: "state", Err: err}
		}
		m := make(map[string]bool, len(devRules))
		for _, dr := range devRules {
			m[dr.ID] = dr.Disabled
		}
		live[kind] = m
	}

	updated := 0
	for _, r := range rules {
		disabled, ok := live[r.Kind][r.RuleNumber]
		if !ok {
			continue
		}
		if r.Enabled == !disabled {
			continue
		}
		r.Enabled = !disabled
		s.store.Put(r)
		updated++
	}
	if updated > 0 {
		s.log.Info().Int("updated", updated).Msg("rule states resynced from router")
	}
	return nil
}
