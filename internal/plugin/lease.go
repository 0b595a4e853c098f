package plugin

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// Lease error codes, mirroring the vocabulary
// original_source/.../core/plugins/github/lease.py defines for its
// GitHub-specific issue lease (LEASE_HELD_BY_OTHER/LEASE_ACQUIRE_FAILED/
// LEASE_RELEASE_FAILED/LEASE_NOT_HELD). Kagan core does not ship the
// GitHub plugin, but SPEC_FULL §5 item 5 calls the TTL-lease-with-
// heartbeat-renewal pattern out as generic plugin SDK infrastructure, so
// it is generalized here over an arbitrary string key instead of a
// GitHub issue number, backed by the scratch table rather than issue
// labels/comments.
const (
	LeaseAcquired     = "LEASE_ACQUIRED"
	LeaseRenewed      = "LEASE_RENEWED"
	LeaseReleased     = "LEASE_RELEASED"
	LeaseHeldByOther  = "LEASE_HELD_BY_OTHER"
	LeaseAcquireFailed = "LEASE_ACQUIRE_FAILED"
	LeaseReleaseFailed = "LEASE_RELEASE_FAILED"
	LeaseNotHeld       = "LEASE_NOT_HELD"
)

// DefaultLeaseDuration mirrors LEASE_DURATION_SECONDS (1 hour).
const DefaultLeaseDuration = time.Hour

// Holder identifies the process that acquired a lease, the same
// hostname:pid shape _generate_instance_id() builds.
type Holder struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h Holder) isSameInstance() bool { return h.InstanceID == instanceID() }

func (h Holder) isExpired(now time.Time) bool { return now.After(h.ExpiresAt) }

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// AcquireResult is the outcome of an Acquire/Renew call.
type AcquireResult struct {
	Success bool
	Code    string
	Message string
	Holder  *Holder
}

// ReleaseResult is the outcome of a Release call.
type ReleaseResult struct {
	Success bool
	Code    string
	Message string
}

// LeaseManager hands out renewable, crash-recoverable exclusive leases
// over an arbitrary string key, backed by the scratch table so a lease
// survives a core restart without its own migration (spec §5 item 5).
type LeaseManager struct {
	scratch *repositories.ScratchRepo
}

// NewLeaseManager builds a LeaseManager over the shared scratch store.
func NewLeaseManager(scratch *repositories.ScratchRepo) *LeaseManager {
	return &LeaseManager{scratch: scratch}
}

func (m *LeaseManager) get(ctx context.Context, key string) (*Holder, error) {
	row, err := m.scratch.Get(ctx, models.ScratchPluginLease, key)
	if err != nil || row == nil {
		return nil, err
	}
	acquiredAt, _ := row.Payload["acquired_at"].(string)
	expiresAt, _ := row.Payload["expires_at"].(string)
	instance, _ := row.Payload["instance_id"].(string)
	h := &Holder{InstanceID: instance}
	h.AcquiredAt, _ = time.Parse(time.RFC3339, acquiredAt)
	h.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	return h, nil
}

func (m *LeaseManager) put(ctx context.Context, key string, h Holder) error {
	_, err := m.scratch.Upsert(ctx, models.ScratchPluginLease, key, map[string]any{
		"instance_id": h.InstanceID,
		"acquired_at": h.AcquiredAt.Format(time.RFC3339),
		"expires_at":  h.ExpiresAt.Format(time.RFC3339),
	})
	return err
}

// Acquire attempts to take the lease on key for duration. If the lease is
// unheld, expired, or already held by this instance (renewal), it
// succeeds; if held by a live other instance, it is blocked unless force
// is set.
func (m *LeaseManager) Acquire(ctx context.Context, key string, duration time.Duration, force bool) (*AcquireResult, error) {
	existing, err := m.get(ctx, key)
	if err != nil {
		return &AcquireResult{Success: false, Code: LeaseAcquireFailed, Message: err.Error()}, nil
	}

	now := time.Now().UTC()
	renewing := existing != nil && existing.isSameInstance()
	if existing != nil && !renewing && !existing.isExpired(now) && !force {
		h := *existing
		return &AcquireResult{
			Success: false,
			Code:    LeaseHeldByOther,
			Message: fmt.Sprintf("lease held by %s (acquired %s)", existing.InstanceID, existing.AcquiredAt),
			Holder:  &h,
		}, nil
	}

	holder := Holder{InstanceID: instanceID(), AcquiredAt: now, ExpiresAt: now.Add(duration)}
	if err := m.put(ctx, key, holder); err != nil {
		return &AcquireResult{Success: false, Code: LeaseAcquireFailed, Message: err.Error()}, nil
	}
	code := LeaseAcquired
	if renewing {
		code = LeaseRenewed
	}
	return &AcquireResult{Success: true, Code: code, Holder: &holder}, nil
}

// Release removes the lease on key, but only if held by this instance.
func (m *LeaseManager) Release(ctx context.Context, key string) (*ReleaseResult, error) {
	existing, err := m.get(ctx, key)
	if err != nil {
		return &ReleaseResult{Success: false, Code: LeaseReleaseFailed, Message: err.Error()}, nil
	}
	if existing == nil || !existing.isSameInstance() {
		return &ReleaseResult{Success: false, Code: LeaseNotHeld, Message: "cannot release lease not held by this instance"}, nil
	}
	if err := m.scratch.Delete(ctx, models.ScratchPluginLease, key); err != nil {
		return &ReleaseResult{Success: false, Code: LeaseReleaseFailed, Message: err.Error()}, nil
	}
	return &ReleaseResult{Success: true, Code: LeaseReleased}, nil
}
