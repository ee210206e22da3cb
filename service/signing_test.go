package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docflow/custody/model"
	"go.uber.org/zap"
)

// stubProvider is an in-process SigningProvider that records calls
type stubProvider struct {
	mu         sync.Mutex
	projects   int
	calls      []string
	lastFile   []byte
	lastName   string
	failOn     map[string]error
	signerRefs func(req SignerRequest, n int) []SignerRef
}

func newStubProvider() *stubProvider {
	return &stubProvider{failOn: make(map[string]error)}
}

func (p *stubProvider) call(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	return p.failOn[op]
}

func (p *stubProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *stubProvider) CreateProject(ctx context.Context, req ProjectRequest) (*ProjectResult, error) {
	if err := p.call("create_project"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projects++
	p.lastFile = req.File
	p.lastName = req.FileName
	return &ProjectResult{
		ProjectID:   fmt.Sprintf("proj-%d", p.projects),
		TxHash:      "0xabc",
		RedirectURL: "https://sign.example.test/p",
	}, nil
}

func (p *stubProvider) AddSigner(ctx context.Context, projectID string, req SignerRequest) ([]SignerRef, error) {
	if err := p.call("add_signer"); err != nil {
		return nil, err
	}
	n := p.count("add_signer")
	if p.signerRefs != nil {
		return p.signerRefs(req, n), nil
	}
	return []SignerRef{{ID: fmt.Sprintf("signer-%d", n), Email: strings.ToUpper(req.Email)}}, nil
}

func (p *stubProvider) UpdateSigner(ctx context.Context, projectID, signerID string, req SignerRequest) error {
	return p.call("update_signer")
}

func (p *stubProvider) RemoveSigner(ctx context.Context, projectID, signerID string) error {
	return p.call("remove_signer")
}

func (p *stubProvider) AddMark(ctx context.Context, projectID, signerID string, req MarkRequest) (string, error) {
	if err := p.call("add_mark"); err != nil {
		return "", err
	}
	return "mark-" + signerID, nil
}

func (p *stubProvider) UpdateMark(ctx context.Context, projectID, markID string, req MarkRequest) error {
	return p.call("update_mark")
}

func (p *stubProvider) RemoveMark(ctx context.Context, projectID, markID string) error {
	return p.call("remove_mark")
}

func (p *stubProvider) Send(ctx context.Context, projectID string) error {
	return p.call("send")
}

func (p *stubProvider) Passport(ctx context.Context, projectID, view string) (json.RawMessage, error) {
	if err := p.call("passport"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"project":"` + projectID + `","view":"` + view + `"}`), nil
}

func (p *stubProvider) ProviderMetrics(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"processing":1}`), p.call("metrics")
}

func (p *stubProvider) Verify(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), p.call("verify")
}

func (p *stubProvider) Logout(ctx context.Context) error {
	return p.call("logout")
}

func newTestOrchestrator(env *testEnv, provider SigningProvider) *SigningOrchestrator {
	return NewSigningOrchestrator(SigningDeps{
		Store:    env.store,
		Files:    env.files,
		Provider: provider,
		Audit:    env.audit,
		Dir:      env.dir,
		Events:   env.events,
		Metrics:  env.metrics,
		Logger:   zap.NewNop(),
	})
}

func TestSubmitDraft(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "Board minutes")

	got, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{
		Signers: []SignerSpec{{Email: "lawyer@example.test", FirstName: "Lee"}},
		Marks: []MarkSpec{
			{SignerEmail: "clerk@example.test", Mark: MarkRequest{Type: "signature", PageNo: 1}},
			{SignerEmail: "LAWYER@example.test", Mark: MarkRequest{Type: "initials", PageNo: 1}},
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	sig := got.Ledger.Signing
	if sig.Status != model.SigningDraft {
		t.Errorf("Expected draft, got %s", sig.Status)
	}
	if sig.ProjectID != "proj-1" || sig.TxHash != "0xabc" || sig.RedirectURL == "" {
		t.Errorf("Expected project details captured, got %+v", sig)
	}
	if sig.SubmittedBy != "u-rec" {
		t.Errorf("Expected submitted by u-rec, got %s", sig.SubmittedBy)
	}
	if provider.count("add_signer") != 2 || provider.count("add_mark") != 2 {
		t.Errorf("Expected 2 signers and 2 marks, got %v", provider.calls)
	}
	if provider.count("send") != 0 {
		t.Error("Expected no send without SendNow")
	}
	// no file was attached, so a placeholder PDF went out
	if !strings.HasPrefix(string(provider.lastFile), "%PDF") {
		t.Error("Expected placeholder PDF bytes")
	}
	if provider.lastName != "Board_minutes.pdf" {
		t.Errorf("Expected placeholder name, got %s", provider.lastName)
	}
}

func TestSubmitUsesPrimaryFile(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)

	doc, err := env.routing.Create(context.Background(), clerk, CreateInput{
		Title: "With file",
		File:  &Upload{Name: "contract.pdf", Reader: strings.NewReader("real bytes"), Size: 10, MimeType: "application/pdf"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{SendNow: true}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(provider.lastFile) != "real bytes" || provider.lastName != "contract.pdf" {
		t.Errorf("Expected primary file sent, got %q as %s", provider.lastFile, provider.lastName)
	}
}

func TestSubmitSendNow(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "D")

	got, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{SendNow: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Ledger.Signing.Status != model.SigningProcessing {
		t.Errorf("Expected processing, got %s", got.Ledger.Signing.Status)
	}
	if provider.count("send") != 1 {
		t.Error("Expected one send")
	}
}

// two submissions back to back
func TestSubmitTwiceAlreadySubmitted(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "D")
	ctx := context.Background()

	first, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = orch.Submit(ctx, clerk, doc.ID, SubmitRequest{})
	if !errors.Is(err, model.ErrAlreadySubmitted) {
		t.Fatalf("Expected AlreadySubmitted, got %v", err)
	}

	after, _ := env.routing.Get(ctx, doc.ID)
	if after.Ledger.Signing.ProjectID != first.Ledger.Signing.ProjectID {
		t.Errorf("Expected project %s untouched, got %s", first.Ledger.Signing.ProjectID, after.Ledger.Signing.ProjectID)
	}
	if after.Ledger.Signing.Status != model.SigningDraft {
		t.Errorf("Expected draft to remain, got %s", after.Ledger.Signing.Status)
	}
	if provider.count("create_project") != 1 {
		t.Errorf("Expected one project, got %d", provider.count("create_project"))
	}
}

func TestSubmitAlreadySubmittedForEveryInFlightStatus(t *testing.T) {
	for _, status := range []model.SigningStatus{model.SigningPending, model.SigningDraft, model.SigningProcessing} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			orch := newTestOrchestrator(env, newStubProvider())
			doc := env.createDoc(t, clerk, "D")
			env.store.Update(context.Background(), doc.ID, func(d *model.Document) error {
				d.Ledger.Signing.Status = status
				return nil
			})

			_, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{})
			if !errors.Is(err, model.ErrAlreadySubmitted) {
				t.Errorf("Expected AlreadySubmitted, got %v", err)
			}
		})
	}
}

// mark creation fails on an unresolved signer
func TestSubmitUnresolvedSignerFails(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "D")
	ctx := context.Background()

	_, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{
		Marks: []MarkSpec{{SignerEmail: "stranger@example.test", Mark: MarkRequest{Type: "signature"}}},
	})
	if !errors.Is(err, model.ErrUnresolvedSigner) {
		t.Fatalf("Expected UnresolvedSigner, got %v", err)
	}

	after, _ := env.routing.Get(ctx, doc.ID)
	if after.Ledger.Signing.Status != model.SigningFailed {
		t.Errorf("Expected failed, got %s", after.Ledger.Signing.Status)
	}
	if after.Ledger.Signing.ProjectID != "proj-1" {
		t.Errorf("Expected project id kept, got %q", after.Ledger.Signing.ProjectID)
	}
	if !strings.Contains(after.Ledger.Signing.LastError, "stranger@example.test") {
		t.Errorf("Expected last error to name the signer, got %q", after.Ledger.Signing.LastError)
	}

	// resubmission is allowed from failed
	provider.failOn = map[string]error{}
	again, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{})
	if err != nil {
		t.Fatalf("Unexpected error on resubmit: %v", err)
	}
	if again.Ledger.Signing.ProjectID != "proj-2" || again.Ledger.Signing.Status != model.SigningDraft {
		t.Errorf("Expected fresh draft project, got %+v", again.Ledger.Signing)
	}
}

func TestSubmitUnknownSignerID(t *testing.T) {
	env := newTestEnv(t)
	orch := newTestOrchestrator(env, newStubProvider())
	doc := env.createDoc(t, clerk, "D")

	_, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{
		Marks: []MarkSpec{{SignerID: "signer-99", Mark: MarkRequest{Type: "date"}}},
	})
	if !errors.Is(err, model.ErrUnresolvedSigner) {
		t.Errorf("Expected UnresolvedSigner, got %v", err)
	}
}

func TestSubmitProviderFailure(t *testing.T) {
	tests := []struct {
		name        string
		failOp      string
		wantProject string
	}{
		{"create project", "create_project", ""},
		{"add signer", "add_signer", "proj-1"},
		{"send", "send", "proj-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			provider := newStubProvider()
			provider.failOn[tt.failOp] = &model.ProviderError{Op: tt.failOp, Status: 500, Code: "E500", Detail: "boom"}
			orch := newTestOrchestrator(env, provider)
			doc := env.createDoc(t, clerk, "D")

			_, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{SendNow: true})
			if !errors.Is(err, model.KindProvider) {
				t.Fatalf("Expected provider error, got %v", err)
			}
			var pe *model.ProviderError
			if !errors.As(err, &pe) || pe.Code != "E500" {
				t.Errorf("Expected provider code to survive, got %v", err)
			}

			after, _ := env.routing.Get(context.Background(), doc.ID)
			if after.Ledger.Signing.Status != model.SigningFailed {
				t.Errorf("Expected failed, got %s", after.Ledger.Signing.Status)
			}
			if after.Ledger.Signing.ProjectID != tt.wantProject {
				t.Errorf("Expected project %q, got %q", tt.wantProject, after.Ledger.Signing.ProjectID)
			}
		})
	}
}

func TestSubmitNoBytesAnywhere(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	orch.placeholder = func(*model.Document) ([]byte, error) { return nil, errors.New("font missing") }
	doc := env.createDoc(t, clerk, "D")

	_, err := orch.Submit(context.Background(), clerk, doc.ID, SubmitRequest{})
	if !errors.Is(err, model.KindStorageUnavailable) {
		t.Fatalf("Expected storage unavailable, got %v", err)
	}
	if provider.count("create_project") != 0 {
		t.Error("Expected no project without bytes")
	}
	// nothing was claimed, so the ledger is untouched
	after, _ := env.routing.Get(context.Background(), doc.ID)
	if after.Ledger.Signing.Status != model.SigningUnsubmitted {
		t.Errorf("Expected unsubmitted, got %s", after.Ledger.Signing.Status)
	}
	if after.Version != doc.Version {
		t.Errorf("Expected version %d, got %d", doc.Version, after.Version)
	}
}

func TestSubmitRejected(t *testing.T) {
	env := newTestEnv(t)
	orch := newTestOrchestrator(env, newStubProvider())
	ctx := context.Background()

	if _, err := orch.Submit(ctx, clerk, "missing", SubmitRequest{}); !errors.Is(err, model.ErrDocumentNotFound) {
		t.Errorf("Expected DocumentNotFound, got %v", err)
	}

	doc := env.createDoc(t, clerk, "D")
	if _, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{Signers: []SignerSpec{{FirstName: "no email"}}}); !errors.Is(err, model.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	after, _ := env.routing.Get(ctx, doc.ID)
	if after.Ledger.Signing.Status != model.SigningUnsubmitted {
		t.Errorf("Expected validation to reject before claiming, got %s", after.Ledger.Signing.Status)
	}

	env.routing.Delete(ctx, clerk, doc.ID)
	if _, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{}); !errors.Is(err, model.ErrDocumentClosed) {
		t.Errorf("Expected DocumentClosed, got %v", err)
	}
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "D")
	ctx := context.Background()

	if _, err := orch.Dispatch(ctx, clerk, doc.ID); !errors.Is(err, model.ErrNotDraft) {
		t.Errorf("Expected NotDraft, got %v", err)
	}

	orch.Submit(ctx, clerk, doc.ID, SubmitRequest{})
	got, err := orch.Dispatch(ctx, clerk, doc.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Ledger.Signing.Status != model.SigningProcessing {
		t.Errorf("Expected processing, got %s", got.Ledger.Signing.Status)
	}
}

func TestHandleCallback(t *testing.T) {
	env := newTestEnv(t)
	orch := newTestOrchestrator(env, newStubProvider())
	ctx := context.Background()
	doc := env.createDoc(t, clerk, "D")
	orch.Submit(ctx, clerk, doc.ID, SubmitRequest{SendNow: true})

	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := orch.HandleCallback(ctx, CallbackPayload{
		ProjectID: "proj-1",
		Status:    "completed",
		TxHash:    "0xfinal",
		SignedBy:  "clerk@example.test",
		SignedAt:  &signedAt,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	sig := got.Ledger.Signing
	if sig.Status != model.SigningSigned || sig.TxHash != "0xfinal" || sig.SignedBy != "clerk@example.test" {
		t.Errorf("Unexpected signing record: %+v", sig)
	}
	if sig.SignedAt == nil || !sig.SignedAt.Equal(signedAt) {
		t.Errorf("Expected signedAt %v, got %v", signedAt, sig.SignedAt)
	}

	// repeats are acknowledged
	if _, err := orch.HandleCallback(ctx, CallbackPayload{ProjectID: "proj-1", Status: "signed"}); err != nil {
		t.Errorf("Expected duplicate callback to succeed, got %v", err)
	}
	// signed is final
	if _, err := orch.Submit(ctx, clerk, doc.ID, SubmitRequest{}); !errors.Is(err, model.ErrAlreadySigned) {
		t.Errorf("Expected AlreadySigned, got %v", err)
	}
	if _, err := orch.HandleCallback(ctx, CallbackPayload{ProjectID: "nope", Status: "signed"}); !errors.Is(err, model.ErrProjectNotFound) {
		t.Errorf("Expected ProjectNotFound, got %v", err)
	}
	ignored, err := orch.HandleCallback(ctx, CallbackPayload{ProjectID: "proj-1", Status: "viewed"})
	if err != nil || ignored != nil {
		t.Errorf("Expected unknown status to be ignored, got %v %v", ignored, err)
	}
}

func TestHandleCallbackFailed(t *testing.T) {
	env := newTestEnv(t)
	orch := newTestOrchestrator(env, newStubProvider())
	ctx := context.Background()
	doc := env.createDoc(t, clerk, "D")
	orch.Submit(ctx, clerk, doc.ID, SubmitRequest{SendNow: true})

	got, err := orch.HandleCallback(ctx, CallbackPayload{ProjectID: "proj-1", Status: "declined", Message: "signer declined"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.Ledger.Signing.Status != model.SigningFailed || got.Ledger.Signing.LastError != "signer declined" {
		t.Errorf("Unexpected signing record: %+v", got.Ledger.Signing)
	}
}

func TestSubmitWithRetry(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	provider.failOn["create_project"] = &model.ProviderError{Op: "create_project", Status: 503}
	orch := newTestOrchestrator(env, provider)
	doc := env.createDoc(t, clerk, "D")

	_, err := orch.SubmitWithRetry(context.Background(), clerk, doc.ID, SubmitRequest{}, 3, time.Millisecond)
	if !errors.Is(err, model.KindProvider) {
		t.Fatalf("Expected provider error, got %v", err)
	}
	if provider.count("create_project") != 3 {
		t.Errorf("Expected 3 attempts, got %d", provider.count("create_project"))
	}

	// deterministic failures are not retried
	doc2 := env.createDoc(t, clerk, "D2")
	provider.failOn = map[string]error{}
	_, err = orch.SubmitWithRetry(context.Background(), clerk, doc2.ID, SubmitRequest{
		Marks: []MarkSpec{{SignerEmail: "x@example.test", Mark: MarkRequest{Type: "signature"}}},
	}, 3, time.Millisecond)
	if !errors.Is(err, model.ErrUnresolvedSigner) {
		t.Fatalf("Expected UnresolvedSigner, got %v", err)
	}
	if provider.count("create_project") != 4 {
		t.Errorf("Expected a single extra attempt, got %d total", provider.count("create_project"))
	}
}

func TestPassportAndDraftEdits(t *testing.T) {
	env := newTestEnv(t)
	provider := newStubProvider()
	orch := newTestOrchestrator(env, provider)
	ctx := context.Background()
	doc := env.createDoc(t, clerk, "D")

	if _, err := orch.Passport(ctx, doc.ID, "history"); !errors.Is(err, model.ErrProjectNotFound) {
		t.Errorf("Expected ProjectNotFound, got %v", err)
	}
	if err := orch.RemoveSigner(ctx, doc.ID, "signer-1"); !errors.Is(err, model.ErrNotDraft) {
		t.Errorf("Expected NotDraft, got %v", err)
	}

	orch.Submit(ctx, clerk, doc.ID, SubmitRequest{})

	if _, err := orch.Passport(ctx, doc.ID, "selfie"); !errors.Is(err, model.ErrBadPassportView) {
		t.Errorf("Expected InvalidPassportView, got %v", err)
	}
	raw, err := orch.Passport(ctx, doc.ID, "blockchain")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(string(raw), "proj-1") {
		t.Errorf("Expected passport for proj-1, got %s", raw)
	}

	if err := orch.UpdateSigner(ctx, doc.ID, "signer-1", SignerSpec{Email: "clerk@example.test"}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := orch.AddMark(ctx, doc.ID, "signer-1", MarkRequest{Type: "date"}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := orch.RemoveMark(ctx, doc.ID, "mark-1"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if provider.count("update_signer") != 1 || provider.count("remove_mark") != 1 {
		t.Errorf("Expected passthrough calls, got %v", provider.calls)
	}
}

func TestMatchSigner(t *testing.T) {
	tests := []struct {
		name  string
		refs  []SignerRef
		email string
		want  string
	}{
		{"case insensitive", []SignerRef{{ID: "a", Email: "X@Y.test"}}, "x@y.test", "a"},
		{"picks from list", []SignerRef{{ID: "a", Email: "a@t"}, {ID: "b", Email: "b@t"}}, "b@t", "b"},
		{"lone ref without email", []SignerRef{{ID: "a"}}, "x@y.test", "a"},
		{"no match", []SignerRef{{ID: "a", Email: "a@t"}}, "b@t", ""},
		{"empty", nil, "b@t", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchSigner(tt.refs, tt.email); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
