// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/optimizer"
)

type staticStatus struct{ st optimizer.Status }

func (s staticStatus) Status() optimizer.Status { return s.st }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	s := New(DefaultConfig, nil, nil, nil)
	rr := get(t, s.handler(), "/health")

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	src := staticStatus{st: optimizer.Status{Running: true, TotalScans: 7}}
	s := New(DefaultConfig, src, nil, nil)
	rr := get(t, s.handler(), "/status")

	require.Equal(t, http.StatusOK, rr.Code)
	var st optimizer.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, int64(7), st.TotalScans)
}

func TestStatusRouteAbsentWithoutSource(t *testing.T) {
	s := New(DefaultConfig, nil, nil, nil)
	rr := get(t, s.handler(), "/status")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEventsEndpointLimitsAndOrders(t *testing.T) {
	sink := audit.NewMemorySink(0)
	for i := 0; i < 5; i++ {
		sink.Log(audit.NewEvent(audit.TypeYieldScan, audit.SeverityInfo, "scan", map[string]any{"n": i}))
	}
	s := New(DefaultConfig, nil, nil, sink)

	rr := get(t, s.handler(), "/events?limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 2)
	// Newest (n=4) first.
	assert.EqualValues(t, 4, events[0].Metadata["n"])

	rr = get(t, s.handler(), "/events?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(DefaultConfig, nil, nil, nil)
	rr := get(t, s.handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.String())
}
