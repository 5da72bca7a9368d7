package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const document = `{
  "contexts": [{"id": "c1", "condition": {"==": [{"var": "city"}, "Bangalore"]}, "priority": 1, "override_with_keys": ["o1"]}],
  "overrides": {"o1": {"pricing.base": 20}},
  "default_configs": {"pricing.base": 10, "support.email": "help@example.com"}
}`

const experiments = `{"total_items": 1, "total_pages": 1, "data": [{
  "id": "e1", "status": "INPROGRESS", "traffic_percentage": 50,
  "context": {"==": [{"var": "city"}, "Bangalore"]},
  "variants": [{"id": "e1-control", "variant_type": "CONTROL"}, {"id": "e1-test", "variant_type": "EXPERIMENTAL"}]
}]}`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-tenant") != "mjos" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Path {
		case "/config":
			w.Header().Set("x-config-version", "7")
			_, _ = w.Write([]byte(document))
		case "/experiments":
			_, _ = w.Write([]byte(experiments))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	return decoded, nil
}

func TestConfigCommand(t *testing.T) {
	srv := newUpstream(t)
	out, err := run(t, "config", "--host", srv.URL, "--tenant", "mjos", "--prefix", "support")
	require.NoError(t, err)
	assert.Equal(t, "7", out["version"])
	doc := out["document"].(map[string]any)
	assert.Equal(t, map[string]any{"support.email": "help@example.com"}, doc["default_configs"])
}

func TestResolveCommand(t *testing.T) {
	srv := newUpstream(t)

	tests := []struct {
		name     string
		args     []string
		expected float64
		applied  int
	}{
		{"matching context", []string{"city=Bangalore"}, 20, -1},
		{"no match", []string{"city=Delhi"}, 10, -1},
		{"with reasoning", []string{"--reasoning", "city=Bangalore"}, 20, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"resolve", "--host", srv.URL, "--tenant", "mjos"}, tc.args...)
			out, err := run(t, args...)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out["pricing.base"])
			if tc.applied >= 0 {
				assert.Len(t, out["metadata"], tc.applied)
			} else {
				assert.NotContains(t, out, "metadata")
			}
		})
	}
}

func TestResolveCommandErrors(t *testing.T) {
	srv := newUpstream(t)

	_, err := run(t, "resolve", "--host", srv.URL, "--tenant", "mjos", "city")
	assert.ErrorContains(t, err, "dimension=value")

	_, err = run(t, "resolve", "--host", srv.URL, "--tenant", "mjos", "--strategy", "UNION")
	assert.ErrorContains(t, err, "merge strategy")

	_, err = run(t, "resolve", "--host", srv.URL)
	assert.ErrorContains(t, err, "tenant")

	_, err = run(t, "config", "--host", srv.URL, "--tenant", "nobody")
	assert.Error(t, err)
}

func TestExperimentsCommand(t *testing.T) {
	srv := newUpstream(t)

	out, err := run(t, "experiments", "--host", srv.URL, "--tenant", "mjos", "--toss", "60", "city=Bangalore")
	require.NoError(t, err)
	assert.Equal(t, []any{"e1-test"}, out["variantIds"])

	out, err = run(t, "experiments", "--host", srv.URL, "--tenant", "mjos", "--toss", "10", "city=Delhi")
	require.NoError(t, err)
	assert.Equal(t, []any{}, out["variantIds"])
}
