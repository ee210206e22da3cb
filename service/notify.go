package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Directory resolves departments and the users that belong to them
type Directory interface {
	Department(ctx context.Context, id string) (model.Department, error)
	Departments(ctx context.Context) ([]model.Department, error)
	User(ctx context.Context, id string) (model.User, error)
	ActiveUsers(ctx context.Context, department string) ([]model.User, error)
}

// ConfigDirectory serves departments and users from the loaded config
type ConfigDirectory struct {
	departments map[string]model.Department
	users       map[string]model.User
}

func NewConfigDirectory(cfg *config.Config) *ConfigDirectory {
	d := &ConfigDirectory{
		departments: make(map[string]model.Department, len(cfg.Departments)),
		users:       make(map[string]model.User, len(cfg.Users)),
	}
	for _, dep := range cfg.Departments {
		d.departments[dep.ID] = model.Department{ID: dep.ID, Name: dep.Name}
	}
	for _, u := range cfg.Users {
		d.users[u.ID] = model.User{
			ID:         u.ID,
			Username:   u.Username,
			Email:      u.Email,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Department: u.Department,
			Role:       u.Role,
			Active:     u.Active,
		}
	}
	return d
}

func (d *ConfigDirectory) Department(ctx context.Context, id string) (model.Department, error) {
	dep, ok := d.departments[id]
	if !ok {
		return model.Department{}, model.ErrUnknownDepartment.WithMessage("department %q is not known", id)
	}
	return dep, nil
}

func (d *ConfigDirectory) Departments(ctx context.Context) ([]model.Department, error) {
	out := make([]model.Department, 0, len(d.departments))
	for _, dep := range d.departments {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *ConfigDirectory) User(ctx context.Context, id string) (model.User, error) {
	u, ok := d.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound.WithMessage("user %q does not exist", id)
	}
	return u, nil
}

func (d *ConfigDirectory) ActiveUsers(ctx context.Context, department string) ([]model.User, error) {
	var out []model.User
	for _, u := range d.users {
		if u.Active && u.Department == department {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Notification is what a user is told about a document event
type Notification struct {
	Kind           model.AuditEvent     `json:"kind"`
	DocumentID     string               `json:"document_id"`
	DocumentTitle  string               `json:"document_title"`
	FromDepartment string               `json:"from_department,omitempty"`
	ToDepartment   string               `json:"to_department,omitempty"`
	ActorUserID    string               `json:"actor_user_id,omitempty"`
	Status         model.DocumentStatus `json:"status"`
	Remarks        string               `json:"remarks,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// Notifier delivers a notification to a single user
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// NotificationFeed reads back a user's recent notifications
type NotificationFeed interface {
	Recent(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// LogNotifier only logs notifications
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("service", "notifier"))}
}

func (n *LogNotifier) Notify(ctx context.Context, userID string, note Notification) error {
	n.logger.Info("notify user",
		zap.String("user_id", userID),
		zap.String("kind", string(note.Kind)),
		zap.String("document_id", note.DocumentID),
	)
	return nil
}

// maxFeedLength caps each user's notification list
const maxFeedLength = 200

// RedisNotifier keeps a capped per-user notification list in redis and
// publishes each notification on the user's channel.
type RedisNotifier struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisNotifier(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix, ttl: ttl}
}

func (n *RedisNotifier) key(userID string) string {
	return n.prefix + ":notifications:" + userID
}

func (n *RedisNotifier) Notify(ctx context.Context, userID string, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	key := n.key(userID)
	_, err = n.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, maxFeedLength-1)
		if n.ttl > 0 {
			p.Expire(ctx, key, n.ttl)
		}
		p.Publish(ctx, n.prefix+":user:"+userID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store notification for %s: %w", userID, err)
	}
	return nil
}

// Recent returns the newest notifications first
func (n *RedisNotifier) Recent(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > maxFeedLength {
		limit = maxFeedLength
	}
	raw, err := n.client.LRange(ctx, n.key(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, r := range raw {
		var note Notification
		if err := json.Unmarshal([]byte(r), &note); err != nil {
			continue
		}
		out = append(out, note)
	}
	return out, nil
}
