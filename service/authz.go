package service

import (
	"context"
	"fmt"

	"github.com/docflow/custody/model"
	"github.com/open-policy-agent/opa/rego"
)

// Authorization actions checked against the custody policy
const (
	ActionView     = "view"
	ActionCreate   = "create"
	ActionAttach   = "attach"
	ActionRelease  = "release"
	ActionReceive  = "receive"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionDelete   = "delete"
	ActionRestore  = "restore"
	ActionShare    = "share"
	ActionSign     = "sign"
	ActionPurge    = "purge"
	ActionProvider = "provider"
)

const authzQuery = "data.custody.authz.allow"

// custodyPolicy grants access to admins, to any department on the document's
// chain and to users the document was shared with. Shared users may only
// view and receive. Purging and provider session control are admin only.
const custodyPolicy = `
package custody.authz

default allow := false

admin_only := {"purge", "provider"}

shared_actions := {"view", "receive"}

allow {
	input.actor.role == "admin"
}

allow {
	not admin_only[input.action]
	some i
	input.document.chain[i] == input.actor.department
}

allow {
	shared_actions[input.action]
	some i
	input.document.shared_with[i] == input.actor.user_id
}
`

// Authorizer decides whether an actor may perform action on a document
type Authorizer interface {
	Authorize(ctx context.Context, actor model.Actor, action string, doc *model.Document) error
}

type policyInput struct {
	Action   string        `json:"action"`
	Actor    model.Actor   `json:"actor"`
	Document policyDocument `json:"document"`
}

type policyDocument struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Chain      []string `json:"chain"`
	SharedWith []string `json:"shared_with"`
}

// RegoAuthorizer evaluates the embedded custody policy with OPA
type RegoAuthorizer struct {
	query rego.PreparedEvalQuery
}

func NewRegoAuthorizer(ctx context.Context) (*RegoAuthorizer, error) {
	r := rego.New(
		rego.Query(authzQuery),
		rego.Module("custody_authz.rego", custodyPolicy),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare custody policy: %w", err)
	}
	return &RegoAuthorizer{query: prepared}, nil
}

func (a *RegoAuthorizer) Authorize(ctx context.Context, actor model.Actor, action string, doc *model.Document) error {
	input := policyInput{Action: action, Actor: actor}
	if doc != nil {
		input.Document = policyDocument{
			ID:         doc.ID,
			Status:     string(doc.Status),
			Chain:      append([]string{}, doc.Ledger.Chain...),
			SharedWith: append([]string{}, doc.Ledger.SharedWith...),
		}
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("failed to evaluate custody policy: %w", err)
	}
	if !results.Allowed() {
		return model.ErrPermissionDenied.WithMessage("%s may not %s this document", actor.Username, action)
	}
	return nil
}

// AllowAll permits everything. Used when authorization is handled upstream.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, model.Actor, string, *model.Document) error { return nil }
