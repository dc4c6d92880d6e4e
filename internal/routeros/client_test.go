package routeros

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"routerctl/internal/rules"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: srv.URL, Username: "admin", Password: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestFetchAllDecodesRouterOSPayload(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/ip/firewall/filter" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
			t.Errorf("basic auth = %q/%q ok=%v", u, p, ok)
		}
		// RouterOS reports booleans as strings and prefixes internal fields
		// with a dot.
		io.WriteString(w, `[
			{".id":"*1","disabled":"true","comment":"auto_off #description Night block"},
			{".id":"*2","disabled":false,".about":"inactive time","time":"8h-17h"}
		]`)
	}))

	got, err := c.FetchAll(context.Background(), rules.KindFirewall)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "*1" || !got[0].Disabled {
		t.Errorf("rule 0 = %+v", got[0])
	}
	if got[0].Comment == nil || *got[0].Comment != "auto_off #description Night block" {
		t.Errorf("rule 0 comment = %v", got[0].Comment)
	}
	if got[1].Disabled {
		t.Errorf("rule 1 should not be disabled")
	}
	if got[1].About == nil || *got[1].About != "inactive time" {
		t.Errorf("rule 1 about = %v", got[1].About)
	}
	if got[1].Time == nil || *got[1].Time != "8h-17h" {
		t.Errorf("rule 1 time = %v", got[1].Time)
	}
}

func TestFetchStateAddressesRuleByRawID(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `{".id":"*A","disabled":"yes"}`)
	}))

	disabled, err := c.FetchState(context.Background(), rules.KindQueue, "*A")
	if err != nil {
		t.Fatalf("FetchState: %v", err)
	}
	if !disabled {
		t.Errorf("disabled = false, want true")
	}
	// The star must reach the router unescaped.
	if gotPath != "/rest/queue/simple/*A" {
		t.Errorf("path = %q, want /rest/queue/simple/*A", gotPath)
	}
}

func TestMutateSendsDisabledPatch(t *testing.T) {
	var (
		gotMethod string
		gotBody   map[string]bool
	)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		io.WriteString(w, `{}`)
	}))

	if err := c.Mutate(context.Background(), rules.KindFirewall, "*1", true); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", gotMethod)
	}
	if v, ok := gotBody["disabled"]; !ok || !v {
		t.Errorf("body = %v, want disabled=true", gotBody)
	}
}

func TestNon2xxIsAnError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":400,"message":"unknown item"}`, http.StatusBadRequest)
	}))

	if _, err := c.FetchState(context.Background(), rules.KindFirewall, "*9"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))

	if _, err := c.FetchAll(context.Background(), rules.Kind("bridge")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestFlexBool(t *testing.T) {
	cases := []struct {
		in   string
		want bool
		err  bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"true"`, true, false},
		{`"false"`, false, false},
		{`"yes"`, true, false},
		{`"no"`, false, false},
		{`null`, false, false},
		{`"maybe"`, false, true},
	}
	for _, tc := range cases {
		var b flexBool
		err := json.Unmarshal([]byte(tc.in), &b)
		if tc.err {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if bool(b) != tc.want {
			t.Errorf("%s = %v, want %v", tc.in, bool(b), tc.want)
		}
	}
}
