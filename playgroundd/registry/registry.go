// Package registry owns the in-memory map of live sandboxes and the
// admission decision that gates new ones. Nothing here touches the cluster;
// the lifecycle controller drives all mutations through the methods below.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAlreadyActive rejects a second sandbox for an owner that still has
	// a live one.
	ErrAlreadyActive = errors.New("owner already has an active environment")

	// ErrCapacityExceeded rejects creation once the tracked sandbox count
	// reaches the configured maximum.
	ErrCapacityExceeded = errors.New("maximum number of environments reached")

	// ErrNotFound reports an unknown sandbox id.
	ErrNotFound = errors.New("environment not found")
)

// Status is the sandbox lifecycle state. There is no transition back from
// ready to starting; deleted records are removed from the map.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusDeleted  Status = "deleted"
)

// Sandbox is one provisioned playground environment. The id doubles as the
// cluster namespace name, so it is generated DNS-1123 safe.
type Sandbox struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	Namespace   string `json:"namespace"`
	PodName     string `json:"pod_name,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	PodIP       string `json:"pod_ip,omitempty"`
	AgentURL    string `json:"-"`

	AccessURL string `json:"access_url"`
}

// Registry is the lock-protected sandbox store.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	capacity   int
	prefix     string
	baseDomain string
	logger     *slog.Logger
	now        func() time.Time
}

func New(capacity int, prefix, baseDomain string, logger *slog.Logger) *Registry {
	return &Registry{
		sandboxes:  make(map[string]*Sandbox),
		capacity:   capacity,
		prefix:     prefix,
		baseDomain: baseDomain,
		logger:     logger.With("component", "sandbox-registry"),
		now:        time.Now,
	}
}

// Create makes the admission decision and reserves a starting record in one
// critical section. The owner-uniqueness and capacity checks must not be
// separated from the insert: two concurrent requests from the same owner
// would otherwise both pass the check.
func (r *Registry) Create(ownerID string) (*Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sb := range r.sandboxes {
		if sb.OwnerID == ownerID && sb.Status != StatusDeleted {
			return nil, fmt.Errorf("owner %s: %w", ownerID, ErrAlreadyActive)
		}
	}
	if len(r.sandboxes) >= r.capacity {
		return nil, fmt.Errorf("capacity %d: %w", r.capacity, ErrCapacityExceeded)
	}

	now := r.now()
	id := r.newID(ownerID, now)
	sb := &Sandbox{
		ID:           id,
		OwnerID:      ownerID,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
		Namespace:    id,
		AccessURL:    fmt.Sprintf("https://%s.%s", id, r.baseDomain),
	}
	r.sandboxes[id] = sb

	r.logger.Info("Environment reserved", "environmentID", id, "ownerID", ownerID, "tracked", len(r.sandboxes))
	copied := *sb
	return &copied, nil
}

// Get returns a copy of the record so callers cannot mutate shared state.
func (r *Registry) Get(id string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, false
	}
	copied := *sb
	return &copied, true
}

// GetByOwner returns the owner's live sandbox, if any.
func (r *Registry) GetByOwner(ownerID string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sb := range r.sandboxes {
		if sb.OwnerID == ownerID {
			copied := *sb
			return &copied, true
		}
	}
	return nil, false
}

// List snapshots every tracked sandbox, unordered.
func (r *Registry) List() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sandbox, 0, len(r.sandboxes))
	for _, sb := range r.sandboxes {
		copied := *sb
		out = append(out, &copied)
	}
	return out
}

// Remove drops the record unconditionally. Cluster resources must be
// released by the caller first.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sandboxes, id)
}

// Touch refreshes lastActivity, keeping the sandbox out of the reclamation
// sweep's reach.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sb, ok := r.sandboxes[id]; ok {
		sb.LastActivity = r.now()
	}
}

// SetStatus records a lifecycle transition.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	sb.Status = status
	return nil
}

// SetClusterRefs records the provisioned pod and service names. The
// namespace ref is set at reservation time so even a record whose pod never
// came up remains deletable.
func (r *Registry) SetClusterRefs(id, podName, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	if podName != "" {
		sb.PodName = podName
	}
	if serviceName != "" {
		sb.ServiceName = serviceName
	}
	return nil
}

// SetEndpoint records the pod IP and derived agent URL once the pod is
// ready.
func (r *Registry) SetEndpoint(id, podIP, agentURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	sb.PodIP = podIP
	sb.AgentURL = agentURL
	return nil
}

// Count reports how many sandboxes are tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}

// newID derives a unique, DNS-1123-safe id from the owner, the current time
// and four random bytes. Called with r.mu held.
func (r *Registry) newID(ownerID string, now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to
		// the timestamp alone rather than panic in the admission path.
		r.logger.Error("Failed to read random bytes for environment id", "error", err)
	}
	return fmt.Sprintf("%s-%s-%d-%s", r.prefix, sanitizeOwner(ownerID), now.Unix(), hex.EncodeToString(buf))
}

// sanitizeOwner maps an arbitrary owner id onto the DNS-1123 label charset.
func sanitizeOwner(ownerID string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(ownerID) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "user"
	}
	if len(s) > 20 {
		s = s[:20]
	}
	return s
}
