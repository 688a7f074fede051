// internal/tsdb/prune_test.go
package tsdb

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/mock"
    "github.com/stretchr/testify/require"
)

type mockPruningBackend struct {
    mock.Mock
}

func (m *mockPruningBackend) Write(ctx context.Context, samples []Sample) error {
    return m.Called(ctx, samples).Error(0)
}

func (m *mockPruningBackend) Query(ctx context.Context, q Query) ([]Point, error) {
    args := m.Called(ctx, q)
    points, _ := args.Get(0).([]Point)
    return points, args.Error(1)
}

func (m *mockPruningBackend) Close() error {
    return m.Called().Error(0)
}

func (m *mockPruningBackend) Prune(ctx context.Context, before time.Time) (int, error) {
    args := m.Called(ctx, before)
    return args.Int(0), args.Error(1)
}

func TestClientPruneDelegatesAndClearsCache(t *testing.T) {
    now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
    backend := &mockPruningBackend{}
    backend.On("Close").Return(nil)
    backend.On("Query", mock.Anything, mock.AnythingOfType("tsdb.Query")).
        Return([]Point{{Timestamp: now.Add(-2 * time.Hour), Value: 1}}, nil).Twice()
    backend.On("Prune", mock.Anything, now.Add(-24*time.Hour)).Return(3, nil).Once()

    client, err := NewClient(backend, Options{
        CacheTTL:     time.Minute,
        CacheMaxCost: 1 << 20,
        Now:          func() time.Time { return now },
    }, nil)
    require.NoError(t, err)

    from, to := now.Add(-3*time.Hour), now.Add(-time.Hour)
    _, err = client.Query(context.Background(), "d1", MetricLatency, from, to)
    require.NoError(t, err)
    client.cache.Wait()
    _, err = client.Query(context.Background(), "d1", MetricLatency, from, to)
    require.NoError(t, err)
    backend.AssertNumberOfCalls(t, "Query", 1)

    n, err := client.Prune(context.Background(), now.Add(-24*time.Hour))
    require.NoError(t, err)
    assert.Equal(t, 3, n)

    _, err = client.Query(context.Background(), "d1", MetricLatency, from, to)
    require.NoError(t, err)
    backend.AssertNumberOfCalls(t, "Query", 2)

    require.NoError(t, client.Close())
    backend.AssertExpectations(t)
}

func TestClientPrunePropagatesErrors(t *testing.T) {
    backend := &mockPruningBackend{}
    backend.On("Close").Return(nil)
    backend.On("Prune", mock.Anything, mock.Anything).Return(0, errors.New("disk full"))

    client, err := NewClient(backend, Options{}, nil)
    require.NoError(t, err)
    defer client.Close()

    _, err = client.Prune(context.Background(), time.Now())
    assert.EqualError(t, err, "disk full")
}

func TestClientPruneWithoutPrunerIsNoop(t *testing.T) {
    client, err := NewClient(NopBackend{}, Options{}, nil)
    require.NoError(t, err)
    defer client.Close()

    n, err := client.Prune(context.Background(), time.Now())
    require.NoError(t, err)
    assert.Zero(t, n)
}
