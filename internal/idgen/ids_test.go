// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package idgen

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDGenerator_SameMillisecondSorts(t *testing.T) {
	gen := NewULIDGenerator()
	now := time.UnixMilli(1_700_000_000_000)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = gen.Make(now)
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids made in one millisecond must sort in creation order")

	parsed, err := ulid.Parse(ids[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(now.UnixMilli()), parsed.Time())
	assert.NotContains(t, ids[0], ":")
}

func TestULIDGenerator_Concurrent(t *testing.T) {
	gen := NewULIDGenerator()
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := gen.Make(time.Now())
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestSonyFlakeGenerator_NextID(t *testing.T) {
	gen, err := NewFlakeGenerator()
	require.NoError(t, err)

	id := gen.NextID()
	id2 := gen.NextID()
	assert.Greater(t, id2, id)
}

func TestSonyFlakeGenerator_NextInstanceID(t *testing.T) {
	id := DefaultFlakeGenerator.NextInstanceID("consumer")
	assert.True(t, strings.HasPrefix(id, "consumer-"))
	assert.NotEqual(t, id, DefaultFlakeGenerator.NextInstanceID("consumer"))
}
