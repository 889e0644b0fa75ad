package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"
)

const leaseRowKey = "lease"

var (
	// ErrLeaseHeld is returned when another instance owns the registry.
	ErrLeaseHeld = errors.New("registry is owned by another instance")
	// ErrLeaseLost is returned by Append once the owner can no longer prove
	// it still holds the registry.
	ErrLeaseLost = errors.New("registry lease lost")
)

type leaseEntity struct {
	entityKeys
	Owner         string `json:"Owner"`
	ExpiresAt     int64  `json:"ExpiresAt,string"`
	ExpiresAtType string `json:"ExpiresAt@odata.type"`
}

// tableLease tracks the lease row this store wrote last. expires is taken
// from the local clock before each write, so it never outlives the row.
type tableLease struct {
	mu      sync.Mutex
	owner   string
	ttl     time.Duration
	etag    azcore.ETag
	expires time.Time
	lost    bool
}

func (l *tableLease) valid(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lost && now.Before(l.expires)
}

func (s *TableStore) leasePayload(owner string, expires time.Time) ([]byte, error) {
	return json.Marshal(leaseEntity{
		entityKeys:    entityKeys{PartitionKey: s.partition, RowKey: leaseRowKey},
		Owner:         owner,
		ExpiresAt:     expires.UnixMilli(),
		ExpiresAtType: edmInt64,
	})
}

// AcquireLease makes owner the only writer of the partition for ttl. It
// fails with ErrLeaseHeld while another owner's lease is unexpired.
func (s *TableStore) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	start := s.now()
	expires := start.Add(ttl)
	payload, err := s.leasePayload(owner, expires)
	if err != nil {
		return err
	}

	var etag azcore.ETag
	resp, err := s.table.GetEntity(ctx, s.partition, leaseRowKey, nil)
	switch {
	case isStatus(err, http.StatusNotFound):
		added, err := s.table.AddEntity(ctx, payload, nil)
		if isStatus(err, http.StatusConflict) {
			return ErrLeaseHeld
		}
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		etag = added.ETag
	case err != nil:
		return fmt.Errorf("read lease: %w", err)
	default:
		var current leaseEntity
		if err := json.Unmarshal(resp.Value, &current); err != nil {
			return fmt.Errorf("decode lease: %w", err)
		}
		if current.Owner != owner && start.Before(time.UnixMilli(current.ExpiresAt)) {
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.Owner, time.UnixMilli(current.ExpiresAt).UTC().Format(time.RFC3339))
		}
		updated, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &resp.ETag, UpdateMode: aztables.UpdateModeReplace})
		if isStatus(err, http.StatusPreconditionFailed) {
			return ErrLeaseHeld
		}
		if err != nil {
			return fmt.Errorf("take over lease: %w", err)
		}
		etag = updated.ETag
	}

	s.lease = &tableLease{owner: owner, ttl: ttl, etag: etag, expires: expires}
	return nil
}

// RenewLease extends the lease by its ttl. Losing the row to another owner
// marks the lease lost for good.
func (s *TableStore) RenewLease(ctx context.Context) error {
	l := s.lease
	if l == nil {
		return ErrLeaseLost
	}
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return ErrLeaseLost
	}
	owner, etag := l.owner, l.etag
	l.mu.Unlock()

	expires := s.now().Add(l.ttl)
	payload, err := s.leasePayload(owner, expires)
	if err != nil {
		return err
	}
	updated, err := s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})

	l.mu.Lock()
	defer l.mu.Unlock()
	if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusNotFound) {
		l.lost = true
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	l.etag = updated.ETag
	l.expires = expires
	return nil
}

// ReleaseLease deletes the lease row if this store still owns it.
func (s *TableStore) ReleaseLease(ctx context.Context) error {
	l := s.lease
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return nil
	}
	l.lost = true
	etag := l.etag
	l.mu.Unlock()

	_, err := s.table.DeleteEntity(ctx, s.partition, leaseRowKey, &aztables.DeleteEntityOptions{IfMatch: &etag})
	if err != nil && !isStatus(err, http.StatusNotFound) && !isStatus(err, http.StatusPreconditionFailed) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// KeepLease renews the lease every third of its ttl until ctx ends, then
// releases it. It returns ErrLeaseLost if another owner takes over.
func (s *TableStore) KeepLease(ctx context.Context, logger *log.Logger) error {
	if s.lease == nil {
		return ErrLeaseLost
	}
	ticker := time.NewTicker(s.lease.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := s.ReleaseLease(releaseCtx)
			cancel()
			if err != nil {
				logger.WithError(err).Warn("release lease")
			}
			return nil
		case <-ticker.C:
			err := s.RenewLease(ctx)
			switch {
			case errors.Is(err, ErrLeaseLost):
				return err
			case err != nil:
				logger.WithError(err).WithField("partition", s.partition).Warn("lease renewal failed, retrying")
			}
		}
	}
}

func (s *TableStore) checkLease() error {
	if s.lease == nil {
		return nil
	}
	if !s.lease.valid(s.now()) {
		return ErrLeaseLost
	}
	return nil
}
