// Package mocks provides testify mocks for the interfaces relay components
// depend on across package boundaries.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/relay/pkg/models"
)

// MockPublisher is a mock implementation of eventbus.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event *models.OutboxEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

// MockLocker is a mock implementation of lease.Locker. A nil release returned
// from the expectation is replaced with a no-op.
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	args := m.Called(ctx, name, ttl)

	if err := args.Error(1); err != nil {
		return nil, err
	}

	release, _ := args.Get(0).(func(context.Context) error)
	if release == nil {
		release = func(context.Context) error { return nil }
	}

	return release, nil
}
