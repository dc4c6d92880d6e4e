// Package routeros is a thin client for the RouterOS REST API
// (https://<router>/rest). It only covers what the rule engine needs: bulk
// reads, single-rule state reads and the disabled-flag PATCH.
package routeros

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"routerctl/internal/rules"
)

const (
	firewallPath = "ip/firewall/filter"
	queuePath    = "queue/simple"

	// Error bodies are truncated to keep log lines bounded.
	maxErrBody = 4 << 10
)

type Config struct {
	// URL is the router base URL without the /rest suffix.
	URL      string
	Username string
	Password string

	Timeout    time.Duration // per-request; default 10s
	RatePerSec int           // request budget against the router; default 5
}

// Client implements rules.DeviceAPI over HTTP with basic auth. Calls are rate
// limited so a bulk toggle cannot hammer the router's management plane.
type Client struct {
	base    string
	user    string
	pass    string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("router url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base:    base + "/rest",
		user:    cfg.Username,
		pass:    cfg.Password,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// payload is one rule object as the router serializes it. RouterOS prefixes
// its internal fields with a dot and reports booleans as "true"/"false"
// strings, hence the flexBool type.
type payload struct {
	ID       string   `json:".id"`
	Disabled flexBool `json:"disabled"`
	Comment  *string  `json:"comment"`
	Time     *string  `json:"time"`
	About    *string  `json:".about"`
}

func (p payload) toDeviceRule() rules.DeviceRule {
	return rules.DeviceRule{
		ID:       p.ID,
		Disabled: bool(p.Disabled),
		Comment:  p.Comment,
		About:    p.About,
		Time:     p.Time,
	}
}

// FetchAll reads every rule of the kind in one request.
func (c *Client) FetchAll(ctx context.Context, kind rules.Kind) ([]rules.DeviceRule, error) {
	path, err := kindPath(kind)
	if err != nil {
		return nil, err
	}
	var out []payload
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	res := make([]rules.DeviceRule, 0, len(out))
	for _, p := range out {
		res = append(res, p.toDeviceRule())
	}
	return res, nil
}

// FetchState reads the live disabled flag of a single rule.
func (c *Client) FetchState(ctx context.Context, kind rules.Kind, ruleNumber string) (bool, error) {
	path, err := kindPath(kind)
	if err != nil {
		return false, err
	}
	var out payload
	if err := c.do(ctx, http.MethodGet, path+"/"+ruleNumber, nil, &out); err != nil {
		return false, err
	}
	return bool(out.Disabled), nil
}

// Mutate sets the rule's disabled flag. Anything other than a 2xx response is
// a failure; the router applies the PATCH atomically, so there is no partial
// update to worry about.
func (c *Client) Mutate(ctx context.Context, kind rules.Kind, ruleNumber string, disabled bool) error {
	path, err := kindPath(kind)
	if err != nil {
		return err
	}
	body := map[string]bool{"disabled": disabled}
	c.log.Debug().
		Str("kind", string(kind)).
		Str("rule", ruleNumber).
		Bool("disabled", disabled).
		Msg("patching rule state")
	return c.do(ctx, http.MethodPatch, path+"/"+ruleNumber, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	// Rule IDs carry a leading "*"; RouterOS rejects the %2A-escaped form, so
	// the URL is built as a raw string and never path-escaped.
	url := strings.ReplaceAll(c.base+"/"+path, "%2A", "*")

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.pass)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("router api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("router api: %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("router api: %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func kindPath(kind rules.Kind) (string, error) {
	switch kind {
	case rules.KindFirewall:
		return firewallPath, nil
	case rules.KindQueue:
		return queuePath, nil
	default:
		return "", fmt.Errorf("unknown rule kind: %q", kind)
	}
}

// flexBool accepts JSON true/false as well as RouterOS's quoted "true"/"false".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "true", "yes":
		*b = true
	case "false", "no", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean value %q", s)
	}
	return nil
}
