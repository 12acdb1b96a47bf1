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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/*.lua
var luaFS embed.FS

var (
	enqueueScript       = mustScript("enqueue")
	claimScript         = mustScript("claim")
	heartbeatScript     = mustScript("heartbeat")
	completeScript      = mustScript("complete")
	releaseScript       = mustScript("release")
	deadLetterScript    = mustScript("deadletter")
	redriveScript       = mustScript("redrive")
	purgeScript         = mustScript("purge")
	reserveScript       = mustScript("reserve")
	removeIfEmptyScript = mustScript("remove_if_empty")
	drrCreditScript     = mustScript("drr_credit")
	drrConsumeScript    = mustScript("drr_consume")
	rateLimitScript     = mustScript("ratelimit")
)

// mustScript loads an embedded Lua script. Script.Run uses EVALSHA and
// falls back to EVAL when the server has not cached the script yet.
func mustScript(name string) *redis.Script {
	src, err := luaFS.ReadFile("lua/" + name + ".lua")
	if err != nil {
		panic(fmt.Errorf("failed to load lua script %s: %w", name, err))
	}
	return redis.NewScript(string(src))
}
