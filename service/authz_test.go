package service

import (
	"context"
	"errors"
	"testing"

	"github.com/docflow/custody/model"
)

func TestRegoAuthorizer(t *testing.T) {
	authz, err := NewRegoAuthorizer(context.Background())
	if err != nil {
		t.Fatalf("Failed to prepare policy: %v", err)
	}

	doc := &model.Document{ID: "doc-1", Ledger: model.NewLedger("records")}
	doc.Ledger.Chain = model.Chain{"records", "legal"}
	doc.Ledger.SharedWith = model.StrSet{"u-fin"}

	outsider := model.Actor{UserID: "u-out", Username: "outsider", Department: "facilities", Role: "staff"}

	tests := []struct {
		name   string
		actor  model.Actor
		action string
		allow  bool
	}{
		{"admin purges", admin, ActionPurge, true},
		{"admin controls provider", admin, ActionProvider, true},
		{"chain member releases", lawyer, ActionRelease, true},
		{"chain member signs", clerk, ActionSign, true},
		{"chain member cannot purge", clerk, ActionPurge, false},
		{"chain member cannot control provider", lawyer, ActionProvider, false},
		{"shared user views", auditor, ActionView, true},
		{"shared user receives", auditor, ActionReceive, true},
		{"shared user cannot release", auditor, ActionRelease, false},
		{"outsider views", outsider, ActionView, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(context.Background(), tt.actor, tt.action, doc)
			if tt.allow && err != nil {
				t.Errorf("Expected allow, got %v", err)
			}
			if !tt.allow && !errors.Is(err, model.ErrPermissionDenied) {
				t.Errorf("Expected PermissionDenied, got %v", err)
			}
		})
	}
}

func TestRegoAuthorizerWithoutDocument(t *testing.T) {
	authz, err := NewRegoAuthorizer(context.Background())
	if err != nil {
		t.Fatalf("Failed to prepare policy: %v", err)
	}

	if err := authz.Authorize(context.Background(), admin, ActionProvider, nil); err != nil {
		t.Errorf("Expected admin allowed, got %v", err)
	}
	if err := authz.Authorize(context.Background(), clerk, ActionProvider, nil); !errors.Is(err, model.KindPermissionDenied) {
		t.Errorf("Expected permission denied, got %v", err)
	}
}

func TestAllowAll(t *testing.T) {
	if err := (AllowAll{}).Authorize(context.Background(), model.Actor{}, ActionPurge, nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
