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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELSchema(t *testing.T) {
	schema, err := NewCELSchema(
		CELRule{Name: "has amount", Expression: `has(payload.amount) && payload.amount > 0`},
		CELRule{Name: "tenant matches", Expression: `!has(payload.tenant) || payload.tenant == tenant_id`},
	)
	require.NoError(t, err)
	desc := QueueDescriptor{ID: "orders", TenantID: "acme"}

	res := schema.SafeParse(desc, json.RawMessage(`{"amount": 5, "tenant": "acme"}`))
	assert.True(t, res.Success)
	assert.Empty(t, res.Issues)

	res = schema.SafeParse(desc, json.RawMessage(`{"amount": 0, "tenant": "other"}`))
	assert.False(t, res.Success)
	assert.ElementsMatch(t, []string{"has amount", "tenant matches"}, res.Issues)

	res = schema.SafeParse(desc, json.RawMessage(`not json`))
	assert.False(t, res.Success)
	assert.Len(t, res.Issues, 1)
}

func TestNewCELSchema_Errors(t *testing.T) {
	_, err := NewCELSchema(CELRule{Name: "empty"})
	assert.Error(t, err)

	_, err = NewCELSchema(CELRule{Name: "syntax", Expression: `payload.amount >`})
	assert.Error(t, err)

	_, err = NewCELSchema(CELRule{Name: "not bool", Expression: `queue_id + "x"`})
	assert.Error(t, err)
}
