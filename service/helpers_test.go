package service

import (
	"context"
	"sync"
	"testing"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	clerk   = model.Actor{UserID: "u-rec", Username: "clerk", Department: "records", Role: "staff"}
	lawyer  = model.Actor{UserID: "u-legal", Username: "lawyer", Department: "legal", Role: "staff"}
	auditor = model.Actor{UserID: "u-fin", Username: "auditor", Department: "finance", Role: "staff"}
	admin   = model.Actor{UserID: "u-admin", Username: "admin", Department: "records", Role: model.RoleAdmin}
)

func testConfig() *config.Config {
	return &config.Config{
		Departments: []config.Department{
			{ID: "records", Name: "Records Office"},
			{ID: "legal", Name: "Legal"},
			{ID: "finance", Name: "Finance"},
		},
		Users: []config.User{
			{ID: "u-rec", Username: "clerk", Email: "clerk@example.test", FirstName: "Rae", LastName: "Clerk", Department: "records", Active: true},
			{ID: "u-rec-old", Username: "retired", Email: "old@example.test", Department: "records", Active: false},
			{ID: "u-rec2", Username: "archivist", Email: "arch@example.test", Department: "records", Active: true},
			{ID: "u-legal", Username: "lawyer", Email: "Lawyer@Example.test", FirstName: "Lee", LastName: "Gal", Department: "legal", Active: true},
			{ID: "u-fin", Username: "auditor", Email: "fin@example.test", Department: "finance", Active: true},
			{ID: "u-admin", Username: "admin", Email: "admin@example.test", Department: "records", Role: model.RoleAdmin, Active: true},
		},
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][]Notification)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[userID] = append(n.sent[userID], note)
	return nil
}

func (n *recordingNotifier) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent[userID])
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = make(map[string][]Notification)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1]
}

type testEnv struct {
	store    *MemoryStore
	files    *MemoryFileStorage
	dir      *ConfigDirectory
	notifier *recordingNotifier
	events   *recordingSink
	metrics  *Metrics
	audit    *AuditRecorder
	routing  *RoutingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    NewMemoryStore(),
		files:    NewMemoryFileStorage(),
		dir:      NewConfigDirectory(testConfig()),
		notifier: newRecordingNotifier(),
		events:   &recordingSink{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	env.audit = NewAuditRecorder(env.store, env.dir, env.notifier, env.metrics, zap.NewNop())
	env.routing = NewRoutingService(RoutingDeps{
		Store:   env.store,
		Audit:   env.audit,
		Dir:     env.dir,
		Files:   env.files,
		Events:  env.events,
		Metrics: env.metrics,
	})
	return env
}

func (e *testEnv) createDoc(t *testing.T, actor model.Actor, title string) *model.Document {
	t.Helper()
	doc, err := e.routing.Create(context.Background(), actor, CreateInput{Title: title})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	return doc
}
