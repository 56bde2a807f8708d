package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/kadmos-io/authkit/autherr"
)

const (
	defaultStateTTL    = 10 * time.Minute
	defaultExchangeTTL = 15 * time.Second
	maxProfileBytes    = 1 << 20
)

// Directory resolves provider profiles to local user ids. Absent users
// are reported with autherr.ErrUserNotFound.
type Directory interface {
	FindByProviderAccount(ctx context.Context, provider, providerAccountID string) (string, error)
	FindByEmail(ctx context.Context, email string) (string, error)
	CreateFromProfile(ctx context.Context, provider string, profile *Profile) (string, error)
	LinkAccount(ctx context.Context, userID, provider, providerAccountID string) error
}

// Config tunes the orchestrator.
type Config struct {
	// StateSecret signs the state parameter. Required, at least 32
	// bytes.
	StateSecret []byte

	StateTTL      time.Duration
	CookieName    string
	SecureCookies bool

	// HTTPClient is used for code exchange and userinfo fetches.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Orchestrator runs the authorization-code flow for a set of providers.
type Orchestrator struct {
	providers     map[string]*Provider
	stateSecret   []byte
	stateTTL      time.Duration
	cookieName    string
	secureCookies bool
	httpClient    *http.Client
	logger        *zap.Logger
	directory     Directory
	now           func() time.Time
}

func NewOrchestrator(cfg Config, directory Directory, providers ...*Provider) (*Orchestrator, error) {
	if len(cfg.StateSecret) < 32 {
		return nil, errors.New("oauth: state secret must be at least 32 bytes")
	}
	if directory == nil {
		return nil, errors.New("oauth: directory required")
	}
	if len(providers) == 0 {
		return nil, errors.New("oauth: at least one provider required")
	}

	byID := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("oauth: duplicate provider %q", p.ID)
		}
		byID[p.ID] = p
	}

	o := &Orchestrator{
		providers:     byID,
		stateSecret:   cfg.StateSecret,
		stateTTL:      cfg.StateTTL,
		cookieName:    cfg.CookieName,
		secureCookies: cfg.SecureCookies,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
		directory:     directory,
		now:           time.Now,
	}
	if o.stateTTL <= 0 {
		o.stateTTL = defaultStateTTL
	}
	if o.cookieName == "" {
		o.cookieName = "authkit_oauth_state"
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: defaultExchangeTTL}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// StartResult carries everything the transport layer needs to redirect
// the user agent to the provider.
type StartResult struct {
	AuthURL     string
	State       string
	StateCookie string
}

// StartInput configures one flow initiation. LinkToUserID requests an
// account-linking flow: the provider identity is attached to that user
// instead of resolving a login.
type StartInput struct {
	ProviderID   string
	CallbackURL  string
	LinkToUserID string
}

// Start builds the provider authorization URL and the signed state that
// protects the round trip.
func (o *Orchestrator) Start(in StartInput) (*StartResult, error) {
	p, ok := o.providers[in.ProviderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", autherr.ErrProvider, in.ProviderID)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	state, err := signState(o.stateSecret, statePayload{
		Provider: p.ID,
		Callback: in.CallbackURL,
		Nonce:    nonce,
		Expires:  o.now().Add(o.stateTTL).Unix(),
		LinkTo:   in.LinkToUserID,
	})
	if err != nil {
		return nil, err
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(p.AuthParams))
	for k, v := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return &StartResult{
		AuthURL:     p.config(in.CallbackURL).AuthCodeURL(state, opts...),
		State:       state,
		StateCookie: o.stateCookie(nonce, o.stateTTL),
	}, nil
}

// CompleteInput is the provider callback as seen by the transport
// layer.
type CompleteInput struct {
	ProviderID string
	Code       string
	State      string
	// CookieNonce is the value of the state cookie sent alongside the
	// callback.
	CookieNonce string
}

// Result is a resolved callback. RedirectTo is the callback URL the
// flow was started with; ClearCookie drops the state cookie now that
// the nonce is spent.
type Result struct {
	UserID      string
	Created     bool
	Linked      bool
	Profile     *Profile
	RedirectTo  string
	ClearCookie string
}

// Complete validates state, exchanges the code, fetches the profile,
// and resolves it to a local user. State is checked before anything
// touches the network, so a forged callback costs no upstream calls.
func (o *Orchestrator) Complete(ctx context.Context, in CompleteInput) (*Result, error) {
	payload, err := verifyState(o.stateSecret, in.State, in.CookieNonce, o.now())
	if err != nil {
		return nil, err
	}
	if payload.Provider != in.ProviderID {
		return nil, fmt.Errorf("%w: provider", autherr.ErrStateMismatch)
	}

	p := o.providers[in.ProviderID]
	if p == nil {
		return nil, fmt.Errorf("%w: unknown provider %q", autherr.ErrProvider, in.ProviderID)
	}
	if in.Code == "" {
		return nil, fmt.Errorf("%w: missing code", autherr.ErrProvider)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	token, err := p.config(payload.Callback).Exchange(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange: %v", autherr.ErrProvider, err)
	}

	profile, err := o.fetchProfile(ctx, p, token)
	if err != nil {
		return nil, err
	}

	res, err := o.resolve(ctx, p, payload, profile)
	if err != nil {
		return nil, err
	}
	res.RedirectTo = payload.Callback
	res.ClearCookie = o.ClearStateCookie()

	o.logger.Info("oauth flow completed",
		zap.String("provider", p.ID),
		zap.String("user_id", res.UserID),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

func (o *Orchestrator) fetchProfile(ctx context.Context, p *Provider, token *oauth2.Token) (*Profile, error) {
	var raw []byte
	if p.ProfileFromIDToken {
		idToken, _ := token.Extra("id_token").(string)
		claims, err := idTokenClaims(idToken)
		if err != nil {
			return nil, fmt.Errorf("%w: id_token: %v", autherr.ErrProfileFetch, err)
		}
		raw = claims
	} else {
		body, err := o.getUserinfo(ctx, p.UserinfoURL, token.AccessToken)
		if err != nil {
			return nil, err
		}
		raw = body
	}

	profile, err := p.MapProfile(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrProfileFetch, err)
	}
	if profile.ProviderAccountID == "" {
		return nil, fmt.Errorf("%w: empty account id", autherr.ErrProfileFetch)
	}
	return profile, nil
}

func (o *Orchestrator) getUserinfo(ctx context.Context, userinfoURL, accessToken string) ([]byte, error) {
	if _, err := url.Parse(userinfoURL); err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrProfileFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrProfileFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrProfileFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo status %d", autherr.ErrProfileFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrProfileFetch, err)
	}
	return body, nil
}

func (o *Orchestrator) resolve(ctx context.Context, p *Provider, payload *statePayload, profile *Profile) (*Result, error) {
	// explicit account-linking flow
	if payload.LinkTo != "" {
		if err := o.directory.LinkAccount(ctx, payload.LinkTo, p.ID, profile.ProviderAccountID); err != nil {
			return nil, err
		}
		return &Result{UserID: payload.LinkTo, Linked: true, Profile: profile}, nil
	}

	userID, err := o.directory.FindByProviderAccount(ctx, p.ID, profile.ProviderAccountID)
	if err == nil {
		return &Result{UserID: userID, Profile: profile}, nil
	}
	if !errors.Is(err, autherr.ErrUserNotFound) {
		return nil, err
	}

	if p.LinkByEmail && profile.Email != "" && profile.EmailVerified {
		userID, err = o.directory.FindByEmail(ctx, profile.Email)
		if err == nil {
			if err := o.directory.LinkAccount(ctx, userID, p.ID, profile.ProviderAccountID); err != nil {
				return nil, err
			}
			return &Result{UserID: userID, Linked: true, Profile: profile}, nil
		}
		if !errors.Is(err, autherr.ErrUserNotFound) {
			return nil, err
		}
	}

	userID, err = o.directory.CreateFromProfile(ctx, p.ID, profile)
	if err != nil {
		return nil, err
	}
	if err := o.directory.LinkAccount(ctx, userID, p.ID, profile.ProviderAccountID); err != nil {
		return nil, err
	}
	return &Result{UserID: userID, Created: true, Profile: profile}, nil
}

// idTokenClaims extracts the payload segment of a JWS compact
// serialization without verifying it. The provider delivered it over
// the mutually authenticated token-endpoint channel, which is the trust
// anchor here.
func idTokenClaims(idToken string) ([]byte, error) {
	if idToken == "" {
		return nil, errors.New("token response carried no id_token")
	}
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed id_token")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}
