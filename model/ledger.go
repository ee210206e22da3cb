package model

import (
	"time"
)

// SigningStatus tracks a document's remote signing lifecycle
type SigningStatus string

// SigningStatus constants
const (
	SigningUnsubmitted SigningStatus = "unsubmitted"
	SigningPending     SigningStatus = "pending"
	SigningDraft       SigningStatus = "draft"
	SigningProcessing  SigningStatus = "processing"
	SigningSigned      SigningStatus = "signed"
	SigningFailed      SigningStatus = "failed"
)

var signingRank = map[SigningStatus]int{
	SigningUnsubmitted: 0,
	SigningPending:     1,
	SigningDraft:       2,
	SigningProcessing:  3,
	SigningSigned:      4,
	SigningFailed:      4,
}

// InFlight reports whether a submission is currently underway
func (s SigningStatus) InFlight() bool {
	return s == SigningPending || s == SigningDraft || s == SigningProcessing
}

// CanTransitionTo enforces forward-only movement, with failed -> pending as
// the single allowed step back (resubmission). Any in-flight or unsubmitted
// state may fall to failed.
func (s SigningStatus) CanTransitionTo(next SigningStatus) bool {
	if s == "" {
		s = SigningUnsubmitted
	}
	if s == SigningFailed {
		return next == SigningPending
	}
	if s == SigningSigned {
		return false
	}
	if next == SigningFailed {
		return true
	}
	from, ok := signingRank[s]
	if !ok {
		return false
	}
	to, ok := signingRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Signing is the signing sub-record of a ledger
type Signing struct {
	Status      SigningStatus `json:"status"`
	ProjectID   string        `json:"project_id,omitempty"`
	TxHash      string        `json:"tx_hash,omitempty"`
	RedirectURL string        `json:"redirect_url,omitempty"`
	SignedAt    *time.Time    `json:"signed_at,omitempty"`
	SignedBy    string        `json:"signed_by,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	SubmittedBy string        `json:"submitted_by,omitempty"`
	UpdatedAt   *time.Time    `json:"updated_at,omitempty"`
}

// Ledger is the per-document custody record
type Ledger struct {
	Chain        Chain   `json:"chain"`
	Acknowledged StrSet  `json:"acknowledged"`
	SharedWith   StrSet  `json:"shared_with"`
	Signing      Signing `json:"signing"`
}

// NewLedger starts a ledger whose chain holds only the originating department
func NewLedger(origin string) Ledger {
	return Ledger{
		Chain:        Chain{origin},
		Acknowledged: StrSet{},
		SharedWith:   StrSet{},
		Signing:      Signing{Status: SigningUnsubmitted},
	}
}

// Clone deep-copies the ledger
func (l Ledger) Clone() Ledger {
	out := l
	out.Chain = append(Chain(nil), l.Chain...)
	out.Acknowledged = append(StrSet(nil), l.Acknowledged...)
	out.SharedWith = append(StrSet(nil), l.SharedWith...)
	if l.Signing.SignedAt != nil {
		t := *l.Signing.SignedAt
		out.Signing.SignedAt = &t
	}
	if l.Signing.UpdatedAt != nil {
		t := *l.Signing.UpdatedAt
		out.Signing.UpdatedAt = &t
	}
	return out
}

// Origin returns chain[0], or "" for an empty chain
func (l Ledger) Origin() string {
	if len(l.Chain) == 0 {
		return ""
	}
	return l.Chain[0]
}

// Acknowledge records a department's receipt. It refuses departments that
// are outside the chain or already acknowledged.
func (l *Ledger) Acknowledge(department string) error {
	if !l.Chain.Contains(department) {
		return ErrNotInWorkflow
	}
	if l.Acknowledged.Contains(department) {
		return ErrAlreadyReceived
	}
	l.Acknowledged = l.Acknowledged.Add(department)
	return nil
}

// SetSigningStatus moves the signing sub-record, rejecting illegal edges
func (l *Ledger) SetSigningStatus(next SigningStatus, at time.Time) error {
	if !l.Signing.Status.CanTransitionTo(next) {
		return NewError(KindInvalidTransition, "InvalidSigningTransition",
			"signing status cannot move from "+string(l.Signing.Status)+" to "+string(next))
	}
	l.Signing.Status = next
	l.Signing.UpdatedAt = &at
	return nil
}
