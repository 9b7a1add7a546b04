// Package oauth implements the PKCE authorization-code acquisition flow
// of spec §4.6: /<provider>/start mints a verifier/challenge/state triple,
// /callback[/<provider>] exchanges the code and deposits credentials into
// the Credential Store.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/trustgate/trustgate/internal/account"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/httpserver"
)

const pkceTTL = 10 * time.Minute

// ProviderConfig is one configured identity provider's OAuth2 endpoints
// and the plugin id accounts created through it are tagged with.
type ProviderConfig struct {
	PluginID     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string // returns {"email": "..."} at minimum
	Scopes       []string
	RedirectURL  string
}

// Handler serves the start and callback routes for every configured
// provider (spec §4.6), adapted from the teacher's OIDCFlowHandler
// login/callback pair, PKCE-first instead of Redis-state-based per
// spec §5 ("process-wide with TTL; one-time read").
type Handler struct {
	providers map[string]ProviderConfig // keyed by provider name (route segment)
	verifiers *crypto.PKCEStore
	accounts  *account.Service
	logger    *slog.Logger
}

func NewHandler(accounts *account.Service, logger *slog.Logger) *Handler {
	return &Handler{
		providers: make(map[string]ProviderConfig),
		verifiers: crypto.NewPKCEStore(pkceTTL),
		accounts:  accounts,
		logger:    logger,
	}
}

// Register adds a provider under name (the <provider> route segment).
func (h *Handler) Register(name string, cfg ProviderConfig) {
	h.providers[name] = cfg
}

// Routes mounts /<provider>/start, /callback[/<provider>], /<provider>/status,
// and DELETE /<provider> per spec §6.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{provider}/start", h.handleStart)
	r.Get("/callback", h.handleCallback)
	r.Get("/callback/{provider}", h.handleCallback)
	r.Get("/{provider}/status", h.handleStatus)
	r.Delete("/{provider}", h.handleDisconnect)
	return r
}

func (h *Handler) oauth2Config(cfg ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	cfg, ok := h.providers[providerName]
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}

	pkce, err := crypto.NewPKCEParams()
	if err != nil {
		h.logger.Error("generating pkce params", "error", err, "provider", providerName)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start oauth flow")
		return
	}
	h.verifiers.Put(pkce.State, pkce.Verifier, cfg.PluginID)

	authURL := h.oauth2Config(cfg).AuthCodeURL(pkce.State,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	httpserver.Respond(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.writeLanding(w, false, "missing code or state parameter")
		return
	}

	taken, ok := h.verifiers.Take(state)
	if !ok {
		h.writeLanding(w, false, "invalid or expired state")
		return
	}

	providerName := chi.URLParam(r, "provider")
	cfg, ok := h.providerByPluginID(providerName, taken.PluginID)
	if !ok {
		h.writeLanding(w, false, "unknown provider")
		return
	}

	token, err := h.oauth2Config(cfg).Exchange(ctx, code, oauth2.VerifierOption(taken.Verifier))
	if err != nil {
		h.logger.Error("oauth code exchange failed", "error", err, "provider", providerName)
		h.writeLanding(w, false, "code exchange failed")
		return
	}

	email, err := fetchEmail(ctx, cfg.UserInfoURL, token.AccessToken)
	if err != nil {
		h.logger.Error("fetching identity endpoint", "error", err, "provider", providerName)
		h.writeLanding(w, false, "failed to resolve account email")
		return
	}

	if err := h.createOrAttach(ctx, cfg.PluginID, email, token); err != nil {
		h.logger.Error("persisting oauth credentials", "error", err, "provider", providerName)
		h.writeLanding(w, false, "failed to save credentials")
		return
	}

	h.writeLanding(w, true, "")
}

func (h *Handler) providerByPluginID(routeName, pluginID string) (ProviderConfig, bool) {
	if cfg, ok := h.providers[routeName]; ok && cfg.PluginID == pluginID {
		return cfg, true
	}
	for _, cfg := range h.providers {
		if cfg.PluginID == pluginID {
			return cfg, true
		}
	}
	return ProviderConfig{}, false
}

func (h *Handler) createOrAttach(ctx context.Context, pluginID, email string, token *oauth2.Token) error {
	accts, err := h.accounts.ListAccounts(ctx, pluginID)
	if err != nil {
		return err
	}

	var accountID string
	for _, a := range accts {
		if a.Email == email {
			accountID = a.ID
			break
		}
	}
	if accountID == "" {
		created, err := h.accounts.CreateAccount(ctx, pluginID, email, "", nil)
		if err != nil {
			return err
		}
		accountID = created.ID
	}

	data := account.CredentialData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		data.ExpiresAt = &expiry
	}

	_, err = h.accounts.StoreCredentials(ctx, accountID, pluginID, account.CredentialOAuth2, data)
	return err
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	cfg, ok := h.providers[providerName]
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	accts, err := h.accounts.ListAccounts(r.Context(), cfg.PluginID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"connected": len(accts) > 0, "accountCount": len(accts)})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	cfg, ok := h.providers[providerName]
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	accts, err := h.accounts.ListAccounts(r.Context(), cfg.PluginID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	for _, a := range accts {
		if err := h.accounts.DeleteAccount(r.Context(), a.ID); err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to remove account")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeLanding(w http.ResponseWriter, success bool, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if success {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body><h1>Account connected</h1><p>You may close this window.</p></body></html>"))
		return
	}
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(fmt.Sprintf("<html><body><h1>Connection failed</h1><p>%s</p></body></html>", reason)))
}

func fetchEmail(ctx context.Context, userInfoURL, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	if payload.Email == "" {
		return "", fmt.Errorf("identity endpoint response had no email field")
	}
	return payload.Email, nil
}
