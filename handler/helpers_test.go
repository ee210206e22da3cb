package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/model"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	clerk    = model.Actor{UserID: "u-rec", Username: "clerk", Department: "records", Role: "staff"}
	lawyer   = model.Actor{UserID: "u-legal", Username: "lawyer", Department: "legal", Role: "staff"}
	outsider = model.Actor{UserID: "u-fin", Username: "auditor", Department: "finance", Role: "staff"}
	admin    = model.Actor{UserID: "u-admin", Username: "admin", Department: "records", Role: model.RoleAdmin}
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 24},
		Departments: []config.Department{
			{ID: "records", Name: "Records Office"},
			{ID: "legal", Name: "Legal"},
			{ID: "finance", Name: "Finance"},
		},
		Users: []config.User{
			{ID: "u-rec", Username: "clerk", Email: "clerk@example.test", Department: "records", Active: true},
			{ID: "u-legal", Username: "lawyer", Email: "lawyer@example.test", Department: "legal", Active: true},
			{ID: "u-fin", Username: "auditor", Email: "fin@example.test", Department: "finance", Active: true},
			{ID: "u-admin", Username: "admin", Email: "admin@example.test", Department: "records", Role: model.RoleAdmin, Active: true},
		},
	}
}

// fakeProvider is an in-process signing provider
type fakeProvider struct {
	mu       sync.Mutex
	projects int
	sent     []string
	fail     error
}

func (p *fakeProvider) CreateProject(ctx context.Context, req service.ProjectRequest) (*service.ProjectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.projects++
	return &service.ProjectResult{ProjectID: fmt.Sprintf("proj-%d", p.projects)}, nil
}

func (p *fakeProvider) AddSigner(ctx context.Context, projectID string, req service.SignerRequest) ([]service.SignerRef, error) {
	return []service.SignerRef{{ID: "signer-" + req.Email, Email: req.Email}}, nil
}

func (p *fakeProvider) UpdateSigner(context.Context, string, string, service.SignerRequest) error {
	return nil
}

func (p *fakeProvider) RemoveSigner(context.Context, string, string) error { return nil }

func (p *fakeProvider) AddMark(ctx context.Context, projectID, signerID string, req service.MarkRequest) (string, error) {
	return "mark-" + signerID, nil
}

func (p *fakeProvider) UpdateMark(context.Context, string, string, service.MarkRequest) error {
	return nil
}

func (p *fakeProvider) RemoveMark(context.Context, string, string) error { return nil }

func (p *fakeProvider) Send(ctx context.Context, projectID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, projectID)
	return nil
}

func (p *fakeProvider) Passport(ctx context.Context, projectID, view string) (json.RawMessage, error) {
	return json.RawMessage(`{"project":"` + projectID + `","view":"` + view + `"}`), nil
}

func (p *fakeProvider) ProviderMetrics(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"projects":1}`), nil
}

func (p *fakeProvider) Verify(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"valid":true}`), nil
}

func (p *fakeProvider) Logout(context.Context) error { return nil }

type testServer struct {
	store    *service.MemoryStore
	routing  *service.RoutingService
	signing  *service.SigningOrchestrator
	provider *fakeProvider
	authz    service.Authorizer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	store := service.NewMemoryStore()
	files := service.NewMemoryFileStorage()
	dir := service.NewConfigDirectory(cfg)
	audit := service.NewAuditRecorder(store, dir, service.NewLogNotifier(zap.NewNop()), nil, zap.NewNop())

	authz, err := service.NewRegoAuthorizer(context.Background())
	if err != nil {
		t.Fatalf("Failed to prepare policy: %v", err)
	}
	provider := &fakeProvider{}
	return &testServer{
		store: store,
		routing: service.NewRoutingService(service.RoutingDeps{
			Store: store, Audit: audit, Dir: dir, Files: files,
		}),
		signing: service.NewSigningOrchestrator(service.SigningDeps{
			Store: store, Files: files, Provider: provider, Audit: audit, Dir: dir,
		}),
		provider: provider,
		authz:    authz,
	}
}

// asActor stands in for AuthMiddleware
func asActor(actor model.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", actor.UserID)
		c.Set("username", actor.Username)
		c.Set("department", actor.Department)
		c.Set("role", actor.Role)
		c.Next()
	}
}

// router mounts the document and signing routes for one actor
func (s *testServer) router(actor model.Actor) *gin.Engine {
	docs := NewDocumentHandler(s.routing, s.authz)
	sign := NewSigningHandler(s.routing, s.authz, s.signing)
	sign.backoff = 0

	r := gin.New()
	r.Use(asActor(actor))
	r.POST("/documents", docs.Create)
	r.GET("/documents", docs.List)
	r.GET("/documents/:id", docs.Get)
	r.DELETE("/documents/:id", docs.Delete)
	r.POST("/documents/:id/files", docs.AttachFile)
	r.GET("/documents/:id/files", docs.Files)
	r.GET("/documents/:id/audit", docs.Audit)
	r.POST("/documents/:id/release", docs.Release)
	r.POST("/documents/:id/receive", docs.Receive)
	r.POST("/documents/:id/complete", docs.Complete)
	r.POST("/documents/:id/cancel", docs.Cancel)
	r.POST("/documents/:id/restore", docs.Restore)
	r.POST("/documents/:id/share", docs.Share)
	r.GET("/recycle-bin", docs.RecycleBin)
	r.POST("/recycle-bin/purge", docs.Purge)

	r.POST("/documents/:id/signing", sign.Submit)
	r.POST("/documents/:id/signing/send", sign.Dispatch)
	r.GET("/documents/:id/signing/passport", sign.Passport)
	r.PUT("/documents/:id/signing/signers/:signerId", sign.UpdateSigner)
	r.DELETE("/documents/:id/signing/signers/:signerId", sign.RemoveSigner)
	r.POST("/documents/:id/signing/signers/:signerId/marks", sign.AddMark)
	r.PUT("/documents/:id/signing/marks/:markId", sign.UpdateMark)
	r.DELETE("/documents/:id/signing/marks/:markId", sign.RemoveMark)
	r.GET("/signing/metrics", sign.ProviderMetrics)
	r.GET("/signing/verify", sign.VerifySession)
	r.POST("/signing/logout", sign.Logout)
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

// createDoc registers a document through the API as actor
func (s *testServer) createDoc(t *testing.T, actor model.Actor, title string) *model.Document {
	t.Helper()
	w := doJSON(s.router(actor), "POST", "/documents", gin.H{"title": title})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var doc model.Document
	decode(t, w, &doc)
	return &doc
}
