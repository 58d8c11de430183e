package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrLocked is returned by TryLock while another holder owns the lock
var ErrLocked = errors.New("sync lock is held by another process")

// Locker grants exclusive sync runs
type Locker interface {
	// TryLock acquires the lock without waiting. The returned func releases it.
	TryLock(ctx context.Context) (unlock func(), err error)
}

// LocalLocker serializes runs inside one process
type LocalLocker struct {
	mu sync.Mutex
}

// TryLock implements Locker
func (l *LocalLocker) TryLock(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	return l.mu.Unlock, nil
}

// EtcdLocker serializes runs across processes through an etcd mutex at
// <prefix>/lock/sync. The lock lives on a leased session, so a crashed holder
// releases it once the session TTL expires.
type EtcdLocker struct {
	client *Client
	ttl    int
}

// NewLocker returns an etcd-backed locker with a session TTL in seconds
func NewLocker(client *Client, ttlSeconds int) *EtcdLocker {
	if ttlSeconds <= 0 {
		ttlSeconds = 30
	}
	return &EtcdLocker{client: client, ttl: ttlSeconds}
}

// Key returns the mutex key prefix
func (l *EtcdLocker) Key() string {
	return l.client.prefix + "/lock/sync"
}

// TryLock implements Locker
func (l *EtcdLocker) TryLock(ctx context.Context) (func(), error) {
	session, err := concurrency.NewSession(l.client.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.Key())
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire etcd lock: %w", err)
	}
	logrus.WithField("key", mutex.Key()).Debug("Acquired sync lock")

	return func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("Failed to release sync lock, it expires with the session")
		}
		_ = session.Close()
	}, nil
}
