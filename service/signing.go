package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docflow/custody/model"
	"go.uber.org/zap"
)

// SigningProvider is the remote signing API the orchestrator drives
type SigningProvider interface {
	CreateProject(ctx context.Context, req ProjectRequest) (*ProjectResult, error)
	AddSigner(ctx context.Context, projectID string, req SignerRequest) ([]SignerRef, error)
	UpdateSigner(ctx context.Context, projectID, signerID string, req SignerRequest) error
	RemoveSigner(ctx context.Context, projectID, signerID string) error
	AddMark(ctx context.Context, projectID, signerID string, req MarkRequest) (string, error)
	UpdateMark(ctx context.Context, projectID, markID string, req MarkRequest) error
	RemoveMark(ctx context.Context, projectID, markID string) error
	Send(ctx context.Context, projectID string) error
	Passport(ctx context.Context, projectID, view string) (json.RawMessage, error)
	ProviderMetrics(ctx context.Context) (json.RawMessage, error)
	Verify(ctx context.Context) (json.RawMessage, error)
	Logout(ctx context.Context) error
}

// SignerSpec names a person who must sign
type SignerSpec struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Role        string `json:"signer_role,omitempty"`
	Type        string `json:"type,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
	Company     string `json:"company,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Country     string `json:"country,omitempty"`
	ProjectRole string `json:"project_role,omitempty"`
}

// MarkSpec places a field for a signer, chosen by provider id or by email
type MarkSpec struct {
	SignerID    string      `json:"signer_id,omitempty"`
	SignerEmail string      `json:"signer_email,omitempty"`
	Mark        MarkRequest `json:"mark"`
}

// SubmitRequest describes one signing submission
type SubmitRequest struct {
	ProjectName      string       `json:"project_name"`
	Description      string       `json:"description"`
	UserListEditable bool         `json:"user_list_editable"`
	EmailSubject     string       `json:"email_subject"`
	EmailMessage     string       `json:"email_message"`
	PrimarySigner    *SignerSpec  `json:"primary_signer,omitempty"` // defaults to the submitting actor
	Signers          []SignerSpec `json:"signers"`
	Marks            []MarkSpec   `json:"marks"`
	SendNow          bool         `json:"send_now"`
}

// CallbackPayload is the provider's project status notification
type CallbackPayload struct {
	ProjectID string     `json:"project_uuid"`
	Status    string     `json:"status"`
	TxHash    string     `json:"transaction_hash"`
	SignedBy  string     `json:"signed_by"`
	SignedAt  *time.Time `json:"signed_at"`
	Message   string     `json:"message"`
}

// SigningOrchestrator moves a document through the remote signing
// lifecycle and mirrors it in the ledger's signing sub-record.
type SigningOrchestrator struct {
	store       DocumentStore
	files       FileStorage
	provider    SigningProvider
	audit       *AuditRecorder
	dir         Directory
	events      EventSink
	metrics     *Metrics
	logger      *zap.Logger
	placeholder func(doc *model.Document) ([]byte, error)
	defaultRole string
	now         func() time.Time
}

// SigningDeps are the collaborators a SigningOrchestrator needs
type SigningDeps struct {
	Store             DocumentStore
	Files             FileStorage
	Provider          SigningProvider
	Audit             *AuditRecorder
	Dir               Directory
	Events            EventSink
	Metrics           *Metrics
	Logger            *zap.Logger
	DefaultSignerRole string
}

func NewSigningOrchestrator(deps SigningDeps) *SigningOrchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NopEventSink{}
	}
	role := deps.DefaultSignerRole
	if role == "" {
		role = "signer"
	}
	return &SigningOrchestrator{
		store:       deps.Store,
		files:       deps.Files,
		provider:    deps.Provider,
		audit:       deps.Audit,
		dir:         deps.Dir,
		events:      events,
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("service", "signing")),
		placeholder: RenderPlaceholder,
		defaultRole: role,
		now:         time.Now,
	}
}

// Submit delegates a document to the signing provider. Once the ledger has
// left unsubmitted, any failure moves it to failed, keeping whatever project
// id was already captured, and the error is returned. Nothing is retried.
func (o *SigningOrchestrator) Submit(ctx context.Context, actor model.Actor, documentID string, req SubmitRequest) (*model.Document, error) {
	doc, err := o.submit(ctx, actor, documentID, req)
	o.metrics.observeTransition("sign_submit", err)
	return doc, err
}

func (o *SigningOrchestrator) submit(ctx context.Context, actor model.Actor, documentID string, req SubmitRequest) (*model.Document, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	current, err := o.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := submittable(current); err != nil {
		return nil, err
	}
	// bytes come first so a storage failure leaves the ledger unsubmitted
	fileName, data, err := o.fileBytes(ctx, current)
	if err != nil {
		return nil, err
	}

	// claim the submission: the in-flight check and the move to pending
	// happen in one guarded write
	doc, err := o.store.Update(ctx, documentID, func(d *model.Document) error {
		if err := submittable(d); err != nil {
			return err
		}
		if err := d.Ledger.SetSigningStatus(model.SigningPending, o.now().UTC()); err != nil {
			return err
		}
		d.Ledger.Signing.SubmittedBy = actor.UserID
		d.Ledger.Signing.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	doc, err = o.drive(ctx, actor, doc, req, fileName, data)
	if err != nil {
		return o.fail(ctx, actor, documentID, err)
	}

	o.record(ctx, actor, doc, "signing "+string(doc.Ledger.Signing.Status)+", project "+doc.Ledger.Signing.ProjectID)
	o.emit(ctx, doc)
	o.logger.Info("signing submitted",
		zap.String("document_id", doc.ID),
		zap.String("project_id", doc.Ledger.Signing.ProjectID),
		zap.String("status", string(doc.Ledger.Signing.Status)),
	)
	return doc, nil
}

func submittable(d *model.Document) error {
	if d.Status == model.StatusDeleted {
		return model.ErrDocumentClosed.WithMessage("document %s is in the recycle bin", d.ID)
	}
	sig := d.Ledger.Signing
	if sig.Status.InFlight() {
		return model.ErrAlreadySubmitted.WithMessage("signing is already %s for document %s", sig.Status, d.ID)
	}
	if sig.Status == model.SigningSigned {
		return model.ErrAlreadySigned
	}
	return nil
}

// drive runs steps after the claim: project, signers, marks, send
func (o *SigningOrchestrator) drive(ctx context.Context, actor model.Actor, doc *model.Document, req SubmitRequest, fileName string, data []byte) (*model.Document, error) {
	project, err := o.provider.CreateProject(ctx, ProjectRequest{
		FileName:         fileName,
		File:             data,
		ProjectName:      firstNonEmpty(req.ProjectName, doc.Title),
		Description:      req.Description,
		UserListEditable: req.UserListEditable,
		EmailSubject:     req.EmailSubject,
		EmailMessage:     req.EmailMessage,
	})
	if err != nil {
		return doc, err
	}

	// persist the project before touching signers so a crash leaves a
	// resumable draft
	doc, err = o.store.Update(ctx, doc.ID, func(d *model.Document) error {
		if err := d.Ledger.SetSigningStatus(model.SigningDraft, o.now().UTC()); err != nil {
			return err
		}
		d.Ledger.Signing.ProjectID = project.ProjectID
		d.Ledger.Signing.TxHash = project.TxHash
		d.Ledger.Signing.RedirectURL = project.RedirectURL
		return nil
	})
	if err != nil {
		return nil, err
	}

	signers, err := o.resolveSigners(ctx, actor, req)
	if err != nil {
		return doc, err
	}
	byEmail := make(map[string]string, len(signers))
	known := make(map[string]bool, len(signers))
	for _, s := range signers {
		refs, err := o.provider.AddSigner(ctx, project.ProjectID, s.request(o.defaultRole))
		if err != nil {
			return doc, err
		}
		id := matchSigner(refs, s.Email)
		if id == "" {
			o.logger.Warn("provider returned no id for signer",
				zap.String("project_id", project.ProjectID),
				zap.String("email", s.Email),
			)
			continue
		}
		byEmail[strings.ToLower(s.Email)] = id
		known[id] = true
	}

	for i, m := range req.Marks {
		signerID, err := resolveMarkSigner(m, byEmail, known)
		if err != nil {
			return doc, err.WithMessage("mark %d: %s", i, err.Message)
		}
		if _, err := o.provider.AddMark(ctx, project.ProjectID, signerID, m.Mark); err != nil {
			return doc, err
		}
	}

	if !req.SendNow {
		return doc, nil
	}
	if err := o.provider.Send(ctx, project.ProjectID); err != nil {
		return doc, err
	}
	return o.store.Update(ctx, doc.ID, func(d *model.Document) error {
		return d.Ledger.SetSigningStatus(model.SigningProcessing, o.now().UTC())
	})
}

// fail writes the compensating failed status and returns cause. The write
// outlives a canceled request context.
func (o *SigningOrchestrator) fail(ctx context.Context, actor model.Actor, documentID string, cause error) (*model.Document, error) {
	o.metrics.observeSigningFailure()
	bg := context.WithoutCancel(ctx)
	doc, err := o.store.Update(bg, documentID, func(d *model.Document) error {
		if err := d.Ledger.SetSigningStatus(model.SigningFailed, o.now().UTC()); err != nil {
			return err
		}
		d.Ledger.Signing.LastError = cause.Error()
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record signing failure",
			zap.String("document_id", documentID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, cause
	}

	o.logger.Warn("signing failed",
		zap.String("document_id", documentID),
		zap.String("project_id", doc.Ledger.Signing.ProjectID),
		zap.Error(cause),
	)
	o.record(bg, actor, doc, "signing failed: "+cause.Error())
	o.emit(bg, doc)
	return doc, cause
}

// fileBytes returns the primary file, or a generated placeholder when the
// document has no readable bytes
func (o *SigningOrchestrator) fileBytes(ctx context.Context, doc *model.Document) (string, []byte, error) {
	files, err := o.store.Files(ctx, doc.ID)
	if err != nil {
		return "", nil, err
	}
	if primary := PrimaryFile(files); primary != nil && o.files != nil {
		data, err := o.files.Get(ctx, primary.StoragePath)
		if err == nil && len(data) > 0 {
			return primary.Name, data, nil
		}
		o.logger.Warn("primary file unreadable, using placeholder",
			zap.String("document_id", doc.ID),
			zap.String("path", primary.StoragePath),
			zap.Error(err),
		)
	}

	data, err := o.placeholder(doc)
	if err != nil || len(data) == 0 {
		msg := "placeholder generation produced no bytes"
		if err != nil {
			msg = err.Error()
		}
		return "", nil, model.ErrNoFileBytes.WithMessage("document %s: %s", doc.ID, msg)
	}
	return placeholderName(doc), data, nil
}

func placeholderName(doc *model.Document) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, doc.Title)
	if name == "" {
		name = doc.ID
	}
	return name + ".pdf"
}

func (o *SigningOrchestrator) resolveSigners(ctx context.Context, actor model.Actor, req SubmitRequest) ([]SignerSpec, error) {
	var primary SignerSpec
	if req.PrimarySigner != nil {
		primary = *req.PrimarySigner
	} else {
		u, err := o.dir.User(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
		if u.Email == "" {
			return nil, model.Validation("primary_signer", "submitting user has no email")
		}
		primary = SignerSpec{Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
	}
	if primary.Sequence == 0 {
		primary.Sequence = 1
	}

	out := []SignerSpec{primary}
	seen := map[string]bool{strings.ToLower(primary.Email): true}
	for i, s := range req.Signers {
		key := strings.ToLower(s.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		if s.Sequence == 0 {
			s.Sequence = i + 2
		}
		out = append(out, s)
	}
	return out, nil
}

func (s SignerSpec) request(defaultRole string) SignerRequest {
	return SignerRequest{
		Email:       s.Email,
		FirstName:   s.FirstName,
		LastName:    s.LastName,
		SignerRole:  firstNonEmpty(s.Role, defaultRole),
		Type:        firstNonEmpty(s.Type, "signer"),
		Sequence:    s.Sequence,
		Company:     s.Company,
		JobTitle:    s.JobTitle,
		Country:     s.Country,
		ProjectRole: s.ProjectRole,
	}
}

// matchSigner picks the provider id for email, comparing case-insensitively.
// A lone ref without an email is taken to be the signer just added.
func matchSigner(refs []SignerRef, email string) string {
	for _, r := range refs {
		if strings.EqualFold(r.Email, email) {
			return r.ID
		}
	}
	if len(refs) == 1 && refs[0].Email == "" {
		return refs[0].ID
	}
	return ""
}

func resolveMarkSigner(m MarkSpec, byEmail map[string]string, known map[string]bool) (string, *model.Error) {
	if m.SignerID != "" {
		if known[m.SignerID] {
			return m.SignerID, nil
		}
		return "", model.ErrUnresolvedSigner.WithMessage("signer id %s was not added", m.SignerID)
	}
	if id, ok := byEmail[strings.ToLower(m.SignerEmail)]; ok && m.SignerEmail != "" {
		return id, nil
	}
	return "", model.ErrUnresolvedSigner.WithMessage("signer %s was not added", m.SignerEmail)
}

func validateSubmit(req SubmitRequest) error {
	if req.PrimarySigner != nil && strings.TrimSpace(req.PrimarySigner.Email) == "" {
		return model.Validation("primary_signer.email", "is required")
	}
	for i, s := range req.Signers {
		if strings.TrimSpace(s.Email) == "" {
			return model.Validation(fmt.Sprintf("signers[%d].email", i), "is required")
		}
	}
	for i, m := range req.Marks {
		if strings.TrimSpace(m.Mark.Type) == "" {
			return model.Validation(fmt.Sprintf("marks[%d].type", i), "is required")
		}
		if m.SignerID == "" && m.SignerEmail == "" {
			return model.Validation(fmt.Sprintf("marks[%d]", i), "signer_id or signer_email is required")
		}
	}
	return nil
}

// Dispatch sends a draft project that was submitted without SendNow
func (o *SigningOrchestrator) Dispatch(ctx context.Context, actor model.Actor, documentID string) (*model.Document, error) {
	doc, err := o.dispatch(ctx, actor, documentID)
	o.metrics.observeTransition("sign_dispatch", err)
	return doc, err
}

func (o *SigningOrchestrator) dispatch(ctx context.Context, actor model.Actor, documentID string) (*model.Document, error) {
	doc, err := o.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Ledger.Signing.Status != model.SigningDraft {
		return nil, model.ErrNotDraft.WithMessage("signing status is %s", doc.Ledger.Signing.Status)
	}

	if err := o.provider.Send(ctx, doc.Ledger.Signing.ProjectID); err != nil {
		return o.fail(ctx, actor, documentID, err)
	}
	doc, err = o.store.Update(ctx, documentID, func(d *model.Document) error {
		if d.Ledger.Signing.Status != model.SigningDraft {
			return model.ErrNotDraft.WithMessage("signing status is %s", d.Ledger.Signing.Status)
		}
		return d.Ledger.SetSigningStatus(model.SigningProcessing, o.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	o.record(ctx, actor, doc, "signing processing, project "+doc.Ledger.Signing.ProjectID)
	o.emit(ctx, doc)
	return doc, nil
}

// HandleCallback applies a provider status notification. Unknown statuses
// and repeats of the current status are acknowledged without change.
func (o *SigningOrchestrator) HandleCallback(ctx context.Context, p CallbackPayload) (*model.Document, error) {
	doc, err := o.handleCallback(ctx, p)
	o.metrics.observeTransition("sign_callback", err)
	return doc, err
}

func (o *SigningOrchestrator) handleCallback(ctx context.Context, p CallbackPayload) (*model.Document, error) {
	var next model.SigningStatus
	switch strings.ToLower(p.Status) {
	case "signed", "completed", "finished":
		next = model.SigningSigned
	case "failed", "declined", "rejected", "expired", "canceled", "cancelled":
		next = model.SigningFailed
	case "processing", "active", "sent":
		next = model.SigningProcessing
	default:
		o.logger.Info("ignoring provider callback", zap.String("project_id", p.ProjectID), zap.String("status", p.Status))
		return nil, nil
	}

	found, err := o.store.FindByProjectID(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if found.Ledger.Signing.Status == next {
		return found, nil
	}

	doc, err := o.store.Update(ctx, found.ID, func(d *model.Document) error {
		if d.Ledger.Signing.ProjectID != p.ProjectID {
			return model.ErrProjectNotFound.WithMessage("document %s moved to another project", d.ID)
		}
		at := o.now().UTC()
		if err := d.Ledger.SetSigningStatus(next, at); err != nil {
			return err
		}
		switch next {
		case model.SigningSigned:
			if p.SignedAt != nil {
				at = p.SignedAt.UTC()
			}
			d.Ledger.Signing.SignedAt = &at
			d.Ledger.Signing.SignedBy = p.SignedBy
			if p.TxHash != "" {
				d.Ledger.Signing.TxHash = p.TxHash
			}
		case model.SigningFailed:
			d.Ledger.Signing.LastError = firstNonEmpty(p.Message, "provider reported "+p.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if next == model.SigningFailed {
		o.metrics.observeSigningFailure()
	}
	o.record(ctx, model.Actor{}, doc, "provider reported "+strings.ToLower(p.Status))
	o.emit(ctx, doc)
	return doc, nil
}

// SubmitWithRetry re-invokes Submit after provider or storage failures, up
// to attempts times. Deterministic rejections are returned immediately.
func (o *SigningOrchestrator) SubmitWithRetry(ctx context.Context, actor model.Actor, documentID string, req SubmitRequest, attempts int, backoff time.Duration) (*model.Document, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		doc, err := o.Submit(ctx, actor, documentID, req)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		kind := model.KindOf(err)
		if !errors.Is(kind, model.KindProvider) && !errors.Is(kind, model.KindStorageUnavailable) {
			return doc, err
		}
		if i == attempts-1 {
			break
		}
		o.logger.Info("retrying signing submission",
			zap.String("document_id", documentID),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return nil, lastErr
}

// Passport fetches a view of the document's remote audit record
func (o *SigningOrchestrator) Passport(ctx context.Context, documentID, view string) (json.RawMessage, error) {
	if !ValidPassportView(view) {
		return nil, model.ErrBadPassportView.WithMessage("unsupported passport view %q", view)
	}
	projectID, err := o.projectOf(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return o.provider.Passport(ctx, projectID, view)
}

// ProviderMetrics proxies the provider's aggregate counts
func (o *SigningOrchestrator) ProviderMetrics(ctx context.Context) (json.RawMessage, error) {
	return o.provider.ProviderMetrics(ctx)
}

// Verify checks the provider session
func (o *SigningOrchestrator) Verify(ctx context.Context) (json.RawMessage, error) {
	return o.provider.Verify(ctx)
}

// Logout ends the provider session and drops the cached token
func (o *SigningOrchestrator) Logout(ctx context.Context) error {
	return o.provider.Logout(ctx)
}

// UpdateSigner edits a signer on a draft project
func (o *SigningOrchestrator) UpdateSigner(ctx context.Context, documentID, signerID string, spec SignerSpec) error {
	projectID, err := o.draftProject(ctx, documentID)
	if err != nil {
		return err
	}
	return o.provider.UpdateSigner(ctx, projectID, signerID, spec.request(o.defaultRole))
}

// RemoveSigner drops a signer from a draft project
func (o *SigningOrchestrator) RemoveSigner(ctx context.Context, documentID, signerID string) error {
	projectID, err := o.draftProject(ctx, documentID)
	if err != nil {
		return err
	}
	return o.provider.RemoveSigner(ctx, projectID, signerID)
}

// AddMark places an extra field for an existing signer on a draft project
func (o *SigningOrchestrator) AddMark(ctx context.Context, documentID, signerID string, mark MarkRequest) (string, error) {
	projectID, err := o.draftProject(ctx, documentID)
	if err != nil {
		return "", err
	}
	return o.provider.AddMark(ctx, projectID, signerID, mark)
}

// UpdateMark edits a mark on a draft project
func (o *SigningOrchestrator) UpdateMark(ctx context.Context, documentID, markID string, mark MarkRequest) error {
	projectID, err := o.draftProject(ctx, documentID)
	if err != nil {
		return err
	}
	return o.provider.UpdateMark(ctx, projectID, markID, mark)
}

// RemoveMark drops a mark from a draft project
func (o *SigningOrchestrator) RemoveMark(ctx context.Context, documentID, markID string) error {
	projectID, err := o.draftProject(ctx, documentID)
	if err != nil {
		return err
	}
	return o.provider.RemoveMark(ctx, projectID, markID)
}

func (o *SigningOrchestrator) projectOf(ctx context.Context, documentID string) (string, error) {
	doc, err := o.store.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.Ledger.Signing.ProjectID == "" {
		return "", model.ErrProjectNotFound.WithMessage("document %s has no signing project", documentID)
	}
	return doc.Ledger.Signing.ProjectID, nil
}

func (o *SigningOrchestrator) draftProject(ctx context.Context, documentID string) (string, error) {
	doc, err := o.store.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.Ledger.Signing.Status != model.SigningDraft {
		return "", model.ErrNotDraft.WithMessage("signing status is %s", doc.Ledger.Signing.Status)
	}
	return doc.Ledger.Signing.ProjectID, nil
}

func (o *SigningOrchestrator) record(ctx context.Context, actor model.Actor, doc *model.Document, remarks string) {
	if o.audit == nil {
		return
	}
	_, err := o.audit.Record(ctx, doc, model.AuditEntry{
		Event:          model.EventSigning,
		FromDepartment: actor.Department,
		ActorUserID:    actor.UserID,
		Status:         doc.Status,
		Remarks:        remarks,
	})
	if err != nil {
		o.logger.Error("failed to record signing audit entry", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

func (o *SigningOrchestrator) emit(ctx context.Context, doc *model.Document) {
	payload := map[string]any{
		"document_id": doc.ID,
		"signing":     doc.Ledger.Signing,
		"version":     doc.Version,
	}
	if err := o.events.Emit(ctx, EventDocumentUpdated, payload); err != nil {
		o.logger.Warn("event emit failed", zap.Error(err))
		return
	}
	o.metrics.observeEvent(EventDocumentUpdated)
}
