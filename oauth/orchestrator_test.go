package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/kadmos-io/authkit/autherr"
)

type fakeDirectory struct {
	byAccount map[string]string // provider:accountID -> userID
	byEmail   map[string]string
	created   int
	links     []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{byAccount: map[string]string{}, byEmail: map[string]string{}}
}

func (d *fakeDirectory) FindByProviderAccount(_ context.Context, provider, accountID string) (string, error) {
	if id, ok := d.byAccount[provider+":"+accountID]; ok {
		return id, nil
	}
	return "", autherr.ErrUserNotFound
}

func (d *fakeDirectory) FindByEmail(_ context.Context, email string) (string, error) {
	if id, ok := d.byEmail[email]; ok {
		return id, nil
	}
	return "", autherr.ErrUserNotFound
}

func (d *fakeDirectory) CreateFromProfile(_ context.Context, _ string, p *Profile) (string, error) {
	d.created++
	id := fmt.Sprintf("user-%d", d.created)
	if p.Email != "" {
		d.byEmail[p.Email] = id
	}
	return id, nil
}

func (d *fakeDirectory) LinkAccount(_ context.Context, userID, provider, accountID string) error {
	d.byAccount[provider+":"+accountID] = userID
	d.links = append(d.links, userID)
	return nil
}

// fakeProvider is an httptest server standing in for the upstream IdP.
type fakeProvider struct {
	srv      *httptest.Server
	tokenHit atomic.Int64
	infoHit  atomic.Int64
	userinfo string
}

func newFakeProvider(userinfo string) *fakeProvider {
	fp := &fakeProvider{userinfo: userinfo}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenHit.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-123","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		fp.infoHit.Add(1)
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, fp.userinfo)
	})
	fp.srv = httptest.NewServer(mux)
	return fp
}

func (fp *fakeProvider) descriptor(linkByEmail bool) *Provider {
	return &Provider{
		ID:           "acme",
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      fp.srv.URL + "/auth",
		TokenURL:     fp.srv.URL + "/token",
		Scopes:       []string{"openid", "email"},
		UserinfoURL:  fp.srv.URL + "/userinfo",
		MapProfile:   GenericJSONProfile("sub", "email", "name"),
		LinkByEmail:  linkByEmail,
	}
}

func newTestOrchestrator(t *testing.T, dir Directory, p *Provider) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Config{
		StateSecret: []byte("0123456789abcdef0123456789abcdef"),
		StateTTL:    time.Minute,
	}, dir, p)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func startFlow(t *testing.T, o *Orchestrator) (*StartResult, string) {
	t.Helper()
	res, err := o.Start(StartInput{ProviderID: "acme", CallbackURL: "https://app.example.com/cb"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// the nonce rides in the state cookie
	parts := strings.SplitN(res.StateCookie, ";", 2)
	_, nonce, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok {
		t.Fatalf("unparseable state cookie %q", res.StateCookie)
	}
	return res, nonce
}

func TestStartBuildsAuthorizationURL(t *testing.T) {
	fp := newFakeProvider(`{}`)
	defer fp.srv.Close()

	o := newTestOrchestrator(t, newFakeDirectory(), fp.descriptor(false))
	res, _ := startFlow(t, o)

	u, err := url.Parse(res.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != res.State {
		t.Fatal("state parameter does not match returned state")
	}
	if q.Get("redirect_uri") != "https://app.example.com/cb" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
}

func TestCompleteCreatesAndLinksNewUser(t *testing.T) {
	fp := newFakeProvider(`{"sub":"acct-7","email":"new@example.com","email_verified":true,"name":"New User"}`)
	defer fp.srv.Close()

	dir := newFakeDirectory()
	o := newTestOrchestrator(t, dir, fp.descriptor(false))
	start, nonce := startFlow(t, o)

	res, err := o.Complete(context.Background(), CompleteInput{
		ProviderID:  "acme",
		Code:        "code-1",
		State:       start.State,
		CookieNonce: nonce,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.Created {
		t.Fatal("expected a created user")
	}
	if res.Profile.Email != "new@example.com" {
		t.Fatalf("profile email %q", res.Profile.Email)
	}
	if res.RedirectTo != "https://app.example.com/cb" {
		t.Fatalf("redirect target %q", res.RedirectTo)
	}
	if !strings.Contains(res.ClearCookie, "Max-Age=0") {
		t.Fatalf("clear-cookie directive %q must expire the cookie", res.ClearCookie)
	}
	if got, _ := dir.FindByProviderAccount(context.Background(), "acme", "acct-7"); got != res.UserID {
		t.Fatalf("account not linked: %q vs %q", got, res.UserID)
	}
}

func TestCompleteLinksByVerifiedEmail(t *testing.T) {
	fp := newFakeProvider(`{"sub":"acct-9","email":"known@example.com","email_verified":true}`)
	defer fp.srv.Close()

	dir := newFakeDirectory()
	dir.byEmail["known@example.com"] = "user-42"

	o := newTestOrchestrator(t, dir, fp.descriptor(true))
	start, nonce := startFlow(t, o)

	res, err := o.Complete(context.Background(), CompleteInput{
		ProviderID: "acme", Code: "c", State: start.State, CookieNonce: nonce,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.UserID != "user-42" || !res.Linked || res.Created {
		t.Fatalf("got %+v, want link to user-42", res)
	}
}

func TestCompleteRejectsForgedStateBeforeNetwork(t *testing.T) {
	fp := newFakeProvider(`{}`)
	defer fp.srv.Close()

	o := newTestOrchestrator(t, newFakeDirectory(), fp.descriptor(false))
	start, nonce := startFlow(t, o)

	cases := []struct {
		name  string
		state string
		nonce string
	}{
		{"tampered state", start.State + "x", nonce},
		{"garbage state", "not-a-state", nonce},
		{"missing nonce", start.State, ""},
		{"wrong nonce", start.State, "someone-elses-nonce"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Complete(context.Background(), CompleteInput{
				ProviderID: "acme", Code: "c", State: tc.state, CookieNonce: tc.nonce,
			})
			if !errors.Is(err, autherr.ErrStateMismatch) {
				t.Fatalf("error = %v, want ErrStateMismatch", err)
			}
		})
	}

	if n := fp.tokenHit.Load(); n != 0 {
		t.Fatalf("token endpoint hit %d times for invalid state", n)
	}
}

func TestCompleteRejectsExpiredState(t *testing.T) {
	fp := newFakeProvider(`{}`)
	defer fp.srv.Close()

	o := newTestOrchestrator(t, newFakeDirectory(), fp.descriptor(false))
	start, nonce := startFlow(t, o)

	o.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := o.Complete(context.Background(), CompleteInput{
		ProviderID: "acme", Code: "c", State: start.State, CookieNonce: nonce,
	})
	if !errors.Is(err, autherr.ErrStateMismatch) {
		t.Fatalf("error = %v, want ErrStateMismatch", err)
	}
}

func TestCompleteProfileFromIDToken(t *testing.T) {
	// header.payload.signature with claims {"sub":"acct-3","email":"idt@example.com"}
	idToken := "eyJhbGciOiJub25lIn0." +
		"eyJzdWIiOiJhY2N0LTMiLCJlbWFpbCI6ImlkdEBleGFtcGxlLmNvbSJ9." +
		"sig"

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at","token_type":"bearer","id_token":%q}`, idToken)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := &Provider{
		ID:                 "oidc",
		ClientID:           "client",
		ClientSecret:       "secret",
		AuthURL:            srv.URL + "/auth",
		TokenURL:           srv.URL + "/token",
		AuthStyle:          oauth2.AuthStyleInParams,
		ProfileFromIDToken: true,
		MapProfile:         GenericJSONProfile("sub", "email", "name"),
	}

	dir := newFakeDirectory()
	o, err := NewOrchestrator(Config{
		StateSecret: []byte("0123456789abcdef0123456789abcdef"),
	}, dir, p)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	start, err := o.Start(StartInput{ProviderID: "oidc", CallbackURL: "https://app.example.com/cb"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	parts := strings.SplitN(start.StateCookie, ";", 2)
	_, nonce, _ := strings.Cut(strings.TrimSpace(parts[0]), "=")

	res, err := o.Complete(context.Background(), CompleteInput{
		ProviderID: "oidc", Code: "c", State: start.State, CookieNonce: nonce,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Profile.ProviderAccountID != "acct-3" || res.Profile.Email != "idt@example.com" {
		t.Fatalf("profile %+v", res.Profile)
	}
}

func TestCompleteAccountLinkingFlow(t *testing.T) {
	fp := newFakeProvider(`{"sub":"acct-55"}`)
	defer fp.srv.Close()

	dir := newFakeDirectory()
	o := newTestOrchestrator(t, dir, fp.descriptor(false))

	start, err := o.Start(StartInput{
		ProviderID:   "acme",
		CallbackURL:  "https://app.example.com/cb",
		LinkToUserID: "user-77",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	parts := strings.SplitN(start.StateCookie, ";", 2)
	_, nonce, _ := strings.Cut(strings.TrimSpace(parts[0]), "=")

	res, err := o.Complete(context.Background(), CompleteInput{
		ProviderID: "acme", Code: "c", State: start.State, CookieNonce: nonce,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.UserID != "user-77" || !res.Linked {
		t.Fatalf("got %+v, want link to user-77", res)
	}
	if got, _ := dir.FindByProviderAccount(context.Background(), "acme", "acct-55"); got != "user-77" {
		t.Fatalf("account owner %q", got)
	}
}
