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

package fairqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageKey(t *testing.T) {
	id, queue, err := ParseMessageKey(MessageKey("01J", "tenant:orders"))
	require.NoError(t, err)
	assert.Equal(t, "01J", id)
	assert.Equal(t, "tenant:orders", queue)

	for _, bad := range []string{"", "nocolon", ":q", "id:"} {
		_, _, err := ParseMessageKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestWorkerQueueManager(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	w := NewWorkerQueueManager(client, NewKeyProducer("fq"))

	require.NoError(t, w.Push(ctx, "wq", "a:q"))
	require.NoError(t, w.PushBatch(ctx, map[string][]string{"wq": {"b:q", "c:q"}, "other": {"d:q"}}))

	n, err := w.Length(ctx, "wq")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a:q", "b:q", "c:q"} {
		got, err := w.BlockingPop(ctx, "wq", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := w.BlockingPop(ctx, "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}
