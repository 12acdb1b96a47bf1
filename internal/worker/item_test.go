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

package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItem_SettlesOnce(t *testing.T) {
	item := &Item{}
	assert.False(t, item.settled())
	assert.True(t, item.close())
	assert.False(t, item.close())
	assert.True(t, item.settled())

	// A settled item never reaches the queue again.
	assert.NoError(t, item.Complete(context.Background()))
	assert.NoError(t, item.Fail(context.Background(), nil))
	assert.NoError(t, item.Release(context.Background()))
}
