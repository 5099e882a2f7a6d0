//go:build integration

package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	stores map[string]Store
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container tests in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	pg := containers.NewPostgresContainer(s.T())
	rd := containers.NewRedisContainer(s.T())
	s.stores = map[string]Store{
		"postgres": NewPostgresStore(pg.Pool),
		"redis":    NewRedisStore(rd.Client, "test:consecutive"),
	}
}

func (s *StoreSuite) TestConcurrentAllocation() {
	for name, store := range s.stores {
		s.Run(name, func() {
			t := s.T()
			scope := invoiceScope
			scope.IssuerID = "31011" + name[:5]
			a := NewAllocator(store, WithMaxAttempts(200), WithBackoff(time.Millisecond, 20*time.Millisecond))

			const n = 20
			var wg sync.WaitGroup
			values := make([]int64, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					values[i], errs[i] = a.Next(context.Background(), scope)
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}
			sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
			for i, v := range values {
				assert.Equal(t, int64(i+1), v)
			}

			last, err := store.Peek(context.Background(), scope)
			require.NoError(t, err)
			assert.Equal(t, int64(n), last)
		})
	}
}

func (s *StoreSuite) TestPeekUnknownScope() {
	for name, store := range s.stores {
		s.Run(name, func() {
			scope := invoiceScope
			scope.IssuerID = "999999999"
			v, err := store.Peek(context.Background(), scope)
			s.Require().NoError(err)
			s.Zero(v)
		})
	}
}
