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
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Well-known concurrency group names. The consumer loop uses TenantGroup to
// skip a saturated tenant's remaining queues without claiming.
const (
	TenantGroup = "tenant"
	QueueGroup  = "queue"
)

// Unlimited is reported as the capacity of a group (or descriptor) with no
// applicable limit.
const Unlimited = math.MaxInt

// ConcurrencyGroupConfig describes one concurrency dimension. ExtractGroupID
// returns the group member for a descriptor, or "" when the group does not
// apply to it. GetLimit may be nil, in which case DefaultLimit is used. A
// limit of zero or less means the group is unlimited.
type ConcurrencyGroupConfig struct {
	Name           string
	ExtractGroupID func(desc QueueDescriptor) string
	GetLimit       func(ctx context.Context, groupID string) (int, error)
	DefaultLimit   int
}

// TenantConcurrency returns a group limiting in-flight messages per tenant.
func TenantConcurrency(limit int) ConcurrencyGroupConfig {
	return ConcurrencyGroupConfig{
		Name:           TenantGroup,
		ExtractGroupID: func(desc QueueDescriptor) string { return desc.TenantID },
		DefaultLimit:   limit,
	}
}

// QueueConcurrency returns a group limiting in-flight messages per queue.
func QueueConcurrency(limit int) ConcurrencyGroupConfig {
	return ConcurrencyGroupConfig{
		Name:           QueueGroup,
		ExtractGroupID: func(desc QueueDescriptor) string { return desc.ID },
		DefaultLimit:   limit,
	}
}

// ConcurrencyManager reserves and releases per-message slots in every
// configured concurrency group. Each slot is a set member keyed by message
// id, so reserving twice or releasing twice is harmless.
type ConcurrencyManager struct {
	client redis.UniversalClient
	keys   KeyProducer
	groups []ConcurrencyGroupConfig
	byName map[string]ConcurrencyGroupConfig
}

func NewConcurrencyManager(client redis.UniversalClient, keys KeyProducer, groups []ConcurrencyGroupConfig) (*ConcurrencyManager, error) {
	byName := make(map[string]ConcurrencyGroupConfig, len(groups))
	for _, g := range groups {
		if g.Name == "" || strings.Contains(g.Name, ":") {
			return nil, invalidOption("concurrency group name %q must be non-empty and must not contain ':'", g.Name)
		}
		if g.ExtractGroupID == nil {
			return nil, invalidOption("concurrency group %q has no ExtractGroupID", g.Name)
		}
		if _, dup := byName[g.Name]; dup {
			return nil, invalidOption("duplicate concurrency group %q", g.Name)
		}
		byName[g.Name] = g
	}
	return &ConcurrencyManager{
		client: client,
		keys:   keys,
		groups: groups,
		byName: byName,
	}, nil
}

func (c *ConcurrencyManager) HasGroup(group string) bool {
	_, ok := c.byName[group]
	return ok
}

func (c *ConcurrencyManager) CurrentConcurrency(ctx context.Context, group, groupID string) (int, error) {
	n, err := c.client.SCard(ctx, c.keys.ConcurrencyKey(group, groupID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read concurrency for %s/%s: %w", group, groupID, err)
	}
	return int(n), nil
}

// ConcurrencyLimit returns the limit for a group member, or Unlimited.
func (c *ConcurrencyManager) ConcurrencyLimit(ctx context.Context, group, groupID string) (int, error) {
	g, ok := c.byName[group]
	if !ok {
		return Unlimited, nil
	}
	return c.limitFor(ctx, g, groupID)
}

func (c *ConcurrencyManager) limitFor(ctx context.Context, g ConcurrencyGroupConfig, groupID string) (int, error) {
	limit := g.DefaultLimit
	if g.GetLimit != nil {
		l, err := g.GetLimit(ctx, groupID)
		if err != nil {
			return 0, fmt.Errorf("failed to get limit for %s/%s: %w", g.Name, groupID, err)
		}
		limit = l
	}
	if limit <= 0 {
		return Unlimited, nil
	}
	return limit, nil
}

func (c *ConcurrencyManager) IsAtCapacity(ctx context.Context, group, groupID string) (bool, error) {
	limit, err := c.ConcurrencyLimit(ctx, group, groupID)
	if err != nil {
		return false, err
	}
	if limit == Unlimited {
		return false, nil
	}
	current, err := c.CurrentConcurrency(ctx, group, groupID)
	if err != nil {
		return false, err
	}
	return current >= limit, nil
}

type groupSlot struct {
	key   string
	limit int
}

// slotsFor returns the limited groups that apply to desc.
func (c *ConcurrencyManager) slotsFor(ctx context.Context, desc QueueDescriptor) ([]groupSlot, error) {
	slots := make([]groupSlot, 0, len(c.groups))
	for _, g := range c.groups {
		groupID := g.ExtractGroupID(desc)
		if groupID == "" {
			continue
		}
		limit, err := c.limitFor(ctx, g, groupID)
		if err != nil {
			return nil, err
		}
		if limit == Unlimited {
			continue
		}
		slots = append(slots, groupSlot{key: c.keys.ConcurrencyKey(g.Name, groupID), limit: limit})
	}
	return slots, nil
}

// AvailableCapacity is the smallest remaining capacity over every group that
// applies to desc, or Unlimited when none do.
func (c *ConcurrencyManager) AvailableCapacity(ctx context.Context, desc QueueDescriptor) (int, error) {
	slots, err := c.slotsFor(ctx, desc)
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return Unlimited, nil
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(slots))
	for i, s := range slots {
		cmds[i] = pipe.SCard(ctx, s.key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read concurrency for queue %s: %w", desc.ID, err)
	}
	available := Unlimited
	for i, s := range slots {
		remaining := max(s.limit-int(cmds[i].Val()), 0)
		available = min(available, remaining)
	}
	return available, nil
}

// Reserve takes a slot for messageID in every applicable group, or in none
// of them if any group is full.
func (c *ConcurrencyManager) Reserve(ctx context.Context, desc QueueDescriptor, messageID string) (bool, error) {
	slots, err := c.slotsFor(ctx, desc)
	if err != nil {
		return false, err
	}
	if len(slots) == 0 {
		return true, nil
	}
	keys := make([]string, len(slots))
	args := make([]any, 0, len(slots)+1)
	args = append(args, messageID)
	for i, s := range slots {
		keys[i] = s.key
		args = append(args, s.limit)
	}
	ok, err := reserveScript.Run(ctx, c.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve concurrency for %s: %w", messageID, err)
	}
	return ok == 1, nil
}

// ReservationKeys lists every group set that may hold a slot for desc. Limits
// are not consulted: a limit can change between reserve and release.
func (c *ConcurrencyManager) ReservationKeys(desc QueueDescriptor) []string {
	keys := make([]string, 0, len(c.groups))
	for _, g := range c.groups {
		if groupID := g.ExtractGroupID(desc); groupID != "" {
			keys = append(keys, c.keys.ConcurrencyKey(g.Name, groupID))
		}
	}
	return keys
}

func (c *ConcurrencyManager) Release(ctx context.Context, desc QueueDescriptor, messageID string) error {
	return c.ReleaseBatch(ctx, []ReleaseRequest{{Descriptor: desc, MessageID: messageID}})
}

// ReleaseBatch frees every listed reservation in one MULTI/EXEC.
func (c *ConcurrencyManager) ReleaseBatch(ctx context.Context, reqs []ReleaseRequest) error {
	if len(c.groups) == 0 || len(reqs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range reqs {
			for _, key := range c.ReservationKeys(r.Descriptor) {
				pipe.SRem(ctx, key, r.MessageID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release %d concurrency reservations: %w", len(reqs), err)
	}
	return nil
}
