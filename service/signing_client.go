package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/model"
)

// defaultTokenLifetime applies when the provider omits expires_in
const defaultTokenLifetime = time.Hour

// Passport views the provider can render
var passportViews = map[string]bool{
	"history":                 true,
	"blockchain":              true,
	"user_data":               true,
	"verifiable_presentation": true,
	"certificate_url":         true,
}

// ValidPassportView reports whether view is a known passport selector
func ValidPassportView(view string) bool {
	return passportViews[view]
}

// SigningClient talks to the remote signing provider. It caches one bearer
// token for the whole process and refreshes it lazily.
type SigningClient struct {
	config     *config.SigningConfig
	httpClient *http.Client
	metrics    *Metrics
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TokenResponse is the client-credentials exchange result
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// ProjectRequest creates a remote signing project around one file
type ProjectRequest struct {
	FileName         string
	File             []byte
	ProjectName      string
	Description      string
	UserListEditable bool
	EmailSubject     string
	EmailMessage     string
}

// ProjectResult is what the orchestrator keeps from project creation
type ProjectResult struct {
	ProjectID   string
	TxHash      string
	RedirectURL string
}

type projectResponse struct {
	ProjectUUID     string `json:"project_uuid"`
	UUID            string `json:"uuid"`
	TransactionHash string `json:"transaction_hash"`
	RedirectURL     string `json:"redirect_url"`
	RedirectTo      string `json:"redirect_to"`
}

// SignerRequest is the provider's signer payload
type SignerRequest struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	SignerRole  string `json:"signer_role"`
	Type        string `json:"type"`
	Sequence    int    `json:"sequence"`
	Company     string `json:"company,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Country     string `json:"country,omitempty"`
	ProjectRole string `json:"project_role,omitempty"`
}

// SignerRef is a provider signer id with the email it belongs to
type SignerRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type signerResponse struct {
	ID       string           `json:"id"`
	SignerID string           `json:"signer_id"`
	UUID     string           `json:"uuid"`
	Email    string           `json:"email"`
	Signers  []signerResponse `json:"signers"`
}

func (r signerResponse) ref() SignerRef {
	id := r.ID
	if id == "" {
		id = r.SignerID
	}
	if id == "" {
		id = r.UUID
	}
	return SignerRef{ID: id, Email: r.Email}
}

// MarkRequest is a placeable field on the signed document
type MarkRequest struct {
	Type      string  `json:"type"`
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	PageNo    int     `json:"page_no"`
	Value     string  `json:"value,omitempty"`
	FontStyle string  `json:"font_style,omitempty"`
	FontSize  int     `json:"font_size,omitempty"`
	Attach    bool    `json:"attach,omitempty"`
}

type markResponse struct {
	ID     string `json:"id"`
	MarkID string `json:"mark_id"`
	UUID   string `json:"uuid"`
}

// envelope is the optional wrapper the provider puts around payloads
type envelope struct {
	Success *bool           `json:"success"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func NewSigningClient(cfg *config.SigningConfig, metrics *Metrics) *SigningClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SigningClient{
		config:  cfg,
		metrics: metrics,
		now:     time.Now,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Token returns the cached bearer token, exchanging client credentials when
// it is missing or expired. Two callers may refresh at once; the last
// token written wins and both are valid.
func (c *SigningClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{}
	form.Set("client_key", c.config.ClientKey)
	form.Set("client_secret", c.config.ClientSecret)
	if c.config.Email != "" {
		form.Set("email", c.config.Email)
	}

	var tr TokenResponse
	err := c.do(ctx, "token", http.MethodPost, "/auth/token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", false, &tr)
	if err != nil {
		return "", err
	}
	if tr.Token == "" {
		return "", &model.ProviderError{Op: "token", Detail: "provider returned an empty token"}
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	if skew := c.config.TokenSkew; skew > 0 && skew < lifetime {
		lifetime -= skew
	}

	c.mu.Lock()
	c.token = tr.Token
	c.expiresAt = c.now().Add(lifetime)
	c.mu.Unlock()
	return tr.Token, nil
}

func (c *SigningClient) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// Verify checks the current session with the provider
func (c *SigningClient) Verify(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, "verify", http.MethodPost, "/auth/verify", nil, "", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logout ends the remote session. The local token is dropped even if the
// provider call fails. Without a cached token there is no session to end.
func (c *SigningClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	active := c.token != ""
	c.mu.Unlock()
	if !active {
		return nil
	}
	err := c.do(ctx, "logout", http.MethodPost, "/auth/logout", nil, "", true, nil)
	c.invalidate()
	return err
}

// CreateProject uploads the file and opens a project around it
func (c *SigningClient) CreateProject(ctx context.Context, req ProjectRequest) (*ProjectResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := []struct{ key, value string }{
		{"project_name", req.ProjectName},
		{"description", req.Description},
		{"user_list_editable", strconv.FormatBool(req.UserListEditable)},
		{"email_subject", req.EmailSubject},
		{"email_message", req.EmailMessage},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(req.File); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	var resp projectResponse
	if err := c.do(ctx, "create_project", http.MethodPost, "/projects", &body, w.FormDataContentType(), true, &resp); err != nil {
		return nil, err
	}

	result := &ProjectResult{
		ProjectID:   firstNonEmpty(resp.ProjectUUID, resp.UUID),
		TxHash:      resp.TransactionHash,
		RedirectURL: firstNonEmpty(resp.RedirectURL, resp.RedirectTo),
	}
	if result.ProjectID == "" {
		return nil, &model.ProviderError{Op: "create_project", Detail: "provider returned no project id"}
	}
	return result, nil
}

// AddSigner adds a signer and returns every signer the provider reported
func (c *SigningClient) AddSigner(ctx context.Context, projectID string, req SignerRequest) ([]SignerRef, error) {
	var resp signerResponse
	p := "/projects/" + url.PathEscape(projectID) + "/signers"
	if err := c.doJSON(ctx, "add_signer", http.MethodPost, p, req, &resp); err != nil {
		return nil, err
	}

	var refs []SignerRef
	if ref := resp.ref(); ref.ID != "" {
		refs = append(refs, ref)
	}
	for _, s := range resp.Signers {
		if ref := s.ref(); ref.ID != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (c *SigningClient) UpdateSigner(ctx context.Context, projectID, signerID string, req SignerRequest) error {
	p := "/projects/" + url.PathEscape(projectID) + "/signers/" + url.PathEscape(signerID)
	return c.doJSON(ctx, "update_signer", http.MethodPut, p, req, nil)
}

func (c *SigningClient) RemoveSigner(ctx context.Context, projectID, signerID string) error {
	p := "/projects/" + url.PathEscape(projectID) + "/signers/" + url.PathEscape(signerID)
	return c.do(ctx, "remove_signer", http.MethodDelete, p, nil, "", true, nil)
}

// AddMark places a field for signerID and returns the provider's mark id
func (c *SigningClient) AddMark(ctx context.Context, projectID, signerID string, req MarkRequest) (string, error) {
	var resp markResponse
	p := "/projects/" + url.PathEscape(projectID) + "/signers/" + url.PathEscape(signerID) + "/marks"
	if err := c.doJSON(ctx, "add_mark", http.MethodPost, p, req, &resp); err != nil {
		return "", err
	}
	return firstNonEmpty(resp.ID, resp.MarkID, resp.UUID), nil
}

func (c *SigningClient) UpdateMark(ctx context.Context, projectID, markID string, req MarkRequest) error {
	p := "/projects/" + url.PathEscape(projectID) + "/marks/" + url.PathEscape(markID)
	return c.doJSON(ctx, "update_mark", http.MethodPut, p, req, nil)
}

func (c *SigningClient) RemoveMark(ctx context.Context, projectID, markID string) error {
	p := "/projects/" + url.PathEscape(projectID) + "/marks/" + url.PathEscape(markID)
	return c.do(ctx, "remove_mark", http.MethodDelete, p, nil, "", true, nil)
}

// Send moves the remote project into active signing
func (c *SigningClient) Send(ctx context.Context, projectID string) error {
	p := "/projects/" + url.PathEscape(projectID) + "/send"
	return c.do(ctx, "send", http.MethodPost, p, nil, "", true, nil)
}

// Passport fetches one view of the project's audit record
func (c *SigningClient) Passport(ctx context.Context, projectID, view string) (json.RawMessage, error) {
	if !ValidPassportView(view) {
		return nil, model.ErrBadPassportView.WithMessage("unsupported passport view %q", view)
	}
	p := "/projects/" + url.PathEscape(projectID) + "/passport?view=" + url.QueryEscape(view)
	var out json.RawMessage
	if err := c.do(ctx, "passport", http.MethodGet, p, nil, "", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderMetrics returns the provider's aggregate project counts
func (c *SigningClient) ProviderMetrics(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, "metrics", http.MethodGet, "/metrics", nil, "", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyCallback checks the hex HMAC-SHA256 of body keyed by the client
// secret. Without a configured secret every callback is rejected.
func (c *SigningClient) VerifyCallback(signature string, body []byte) bool {
	if c.config.ClientSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.config.ClientSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

func (c *SigningClient) doJSON(ctx context.Context, op, method, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, op, method, path, bytes.NewReader(data), "application/json", true, out)
}

func (c *SigningClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, auth bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeProvider(op, 0, time.Since(start))
		return &model.ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.observeProvider(op, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.ProviderError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized && auth {
		c.invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerError(op, resp.StatusCode, raw)
	}
	return decodeProviderBody(op, resp.StatusCode, raw, out)
}

func decodeProviderBody(op string, status int, raw []byte, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	payload := raw
	var env envelope
	if raw[0] == '{' && json.Unmarshal(raw, &env) == nil {
		if env.Success != nil && !*env.Success {
			return providerError(op, status, raw)
		}
		if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
			payload = env.Data
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &model.ProviderError{Op: op, Status: status, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

func providerError(op string, status int, raw []byte) error {
	pe := &model.ProviderError{Op: op, Status: status}
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		pe.Code = rawCode(env.Code)
		pe.Detail = firstNonEmpty(env.Detail, env.Message, env.Error)
	}
	if pe.Detail == "" && pe.Code == "" {
		pe.Detail = strings.TrimSpace(string(raw))
		if len(pe.Detail) > 512 {
			pe.Detail = pe.Detail[:512]
		}
	}
	if pe.Detail == "" {
		pe.Err = errors.New(http.StatusText(status))
	}
	return pe
}

func rawCode(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
