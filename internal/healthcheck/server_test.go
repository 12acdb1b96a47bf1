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

package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
	assert.Equal(t, "unknown", Status(999).String())
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(Config{})
	assert.Equal(t, 8090, s.cfg.Port)
	assert.Equal(t, StatusStarting, s.GetStatus())

	s = NewServer(Config{Port: 9090})
	assert.Equal(t, 9090, s.cfg.Port)
}

func get(t *testing.T, h http.Handler, path string) (int, Response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name        string
		status      Status
		endpoint    string
		wantCode    int
		wantHealthy bool
	}{
		{"healthz starting", StatusStarting, "/healthz", http.StatusServiceUnavailable, false},
		{"healthz healthy", StatusHealthy, "/healthz", http.StatusOK, true},
		{"healthz unhealthy", StatusUnhealthy, "/healthz", http.StatusServiceUnavailable, false},
		{"readyz starting", StatusStarting, "/readyz", http.StatusServiceUnavailable, false},
		{"readyz healthy", StatusHealthy, "/readyz", http.StatusOK, true},
		{"livez starting", StatusStarting, "/livez", http.StatusOK, true},
		{"livez unhealthy", StatusUnhealthy, "/livez", http.StatusServiceUnavailable, false},
	}

	s := NewServer(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.SetStatus(tt.status)
			code, resp := get(t, s.Handler(), tt.endpoint)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantHealthy, resp.Healthy)
		})
	}
}

func TestReadyz_Probes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewServer(Config{})
	s.SetStatus(StatusHealthy)
	s.AddProbe("redis", RedisProbe(client))
	s.AddProbe("consumers", func(context.Context) error { return nil })

	code, resp := get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Healthy)

	s.AddProbe("consumers", func(context.Context) error { return errors.New("not started") })
	mr.Close()
	code, resp = get(t, s.Handler(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, []string{"consumers", "redis"}, resp.Failing)

	s.RemoveProbe("consumers")
	s.RemoveProbe("redis")
	ready, failing := s.Ready(context.Background())
	assert.True(t, ready)
	assert.Empty(t, failing)
}
