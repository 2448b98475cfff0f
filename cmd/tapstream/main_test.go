package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/catalog"
	"github.com/c360/tapstream/message"
	tstestutil "github.com/c360/tapstream/testutil"
)

type workspace struct {
	dir     string
	catalog string
	config  string
}

func newWorkspace(t *testing.T, rows int) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:     dir,
		catalog: filepath.Join(dir, "catalog.json"),
		config:  filepath.Join(dir, "tap.yaml"),
	}

	catalogDoc := fmt.Sprintf(`{"streams": [
		{"tap_stream_id": "users", "schema": %s, "key_properties": ["id"]},
		{"tap_stream_id": "orders", "schema": {"type": "object", "properties": {}},
		 "metadata": [{"breadcrumb": [], "metadata": {"selected": false}}]}
	]}`, tstestutil.UsersSchemaJSON)
	require.NoError(t, os.WriteFile(w.catalog, []byte(catalogDoc), 0644))

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range tstestutil.UserRows(rows) {
		require.NoError(t, enc.Encode(row))
	}
	rowsPath := filepath.Join(dir, "users.jsonl")
	require.NoError(t, os.WriteFile(rowsPath, buf.Bytes(), 0644))

	config := fmt.Sprintf("state_message_frequency: 2\nstreams:\n  - id: users\n    rows: %s\n", rowsPath)
	require.NoError(t, os.WriteFile(w.config, []byte(config), 0644))
	return w
}

func TestRun_Sync(t *testing.T) {
	w := newWorkspace(t, 5)
	stdout := tstestutil.NewMessageSink()
	var stderr bytes.Buffer

	err := run(context.Background(),
		[]string{"-config", w.config, "-catalog", w.catalog, "-log-format", "text"},
		stdout, &stderr)
	require.NoError(t, err, stderr.String())

	msgs := stdout.Messages(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, message.TypeSchema, msgs[0].MessageType())
	assert.Equal(t, message.TypeActivateVersion, msgs[len(msgs)-1].MessageType())

	records := tstestutil.OfType[*message.Record](msgs)
	require.Len(t, records, 5)
	for _, r := range records {
		assert.Equal(t, "users", r.Stream, "unselected streams are not synced")
	}

	states := tstestutil.OfType[*message.State](msgs)
	require.NotEmpty(t, states)
	bookmarks, ok := states[len(states)-1].Value["bookmarks"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, bookmarks, "users")

	assert.Contains(t, stderr.String(), "Sync finished")
}

func TestRun_OutputFile(t *testing.T) {
	w := newWorkspace(t, 2)
	outPath := filepath.Join(w.dir, "out", "messages.ndjson")
	stdout := tstestutil.NewMessageSink()
	var stderr bytes.Buffer

	err := run(context.Background(),
		[]string{"-config", w.config, "-catalog", w.catalog, "-output", outPath},
		stdout, &stderr)
	require.NoError(t, err, stderr.String())
	assert.Empty(t, stdout.Lines())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	records := 0
	for _, line := range lines {
		msg, err := message.Parse([]byte(line))
		require.NoError(t, err)
		if msg.MessageType() == message.TypeRecord {
			records++
		}
	}
	assert.Equal(t, 2, records)
}

func TestRun_ResumesFromState(t *testing.T) {
	w := newWorkspace(t, 3)
	statePath := filepath.Join(w.dir, "state.json")
	require.NoError(t, os.WriteFile(statePath,
		[]byte(`{"bookmarks": {"users": {"initial_full_table_complete": true, "version": 7}}}`), 0644))

	stdout := tstestutil.NewMessageSink()
	err := run(context.Background(),
		[]string{"-config", w.config, "-catalog", w.catalog, "-state", statePath},
		stdout, &bytes.Buffer{})
	require.NoError(t, err)

	msgs := stdout.Messages(t)
	versions := tstestutil.OfType[*message.ActivateVersion](msgs)
	require.Len(t, versions, 1, "a completed initial sync skips the opening version message")
	assert.EqualValues(t, 7, versions[0].Version)
}

func TestRun_Discover(t *testing.T) {
	w := newWorkspace(t, 1)
	var stdout bytes.Buffer

	err := run(context.Background(), []string{"-catalog", w.catalog, "-discover"}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)

	cat, err := catalog.Load(&stdout)
	require.NoError(t, err)
	users, ok := cat.Get("users")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, catalog.KeyProperties(users.Metadata))
	assert.True(t, users.Selected())

	orders, ok := cat.Get("orders")
	require.True(t, ok)
	assert.False(t, orders.Selected(), "existing metadata is kept")
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &stdout, &bytes.Buffer{}))
	assert.True(t, strings.HasPrefix(stdout.String(), "tapstream version "))
}

func TestRun_InvalidFlags(t *testing.T) {
	w := newWorkspace(t, 1)

	tests := []struct {
		name string
		args []string
	}{
		{"missing catalog", []string{}},
		{"catalog not found", []string{"-catalog", filepath.Join(w.dir, "nope.json")}},
		{"bad log level", []string{"-catalog", w.catalog, "-log-level", "loud"}},
		{"bad log format", []string{"-catalog", w.catalog, "-log-format", "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, &bytes.Buffer{}, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid flags")
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	w := newWorkspace(t, 1)
	require.NoError(t, os.WriteFile(w.config, []byte("state_message_frequency: 0\n"), 0644))

	err := run(context.Background(), []string{"-config", w.config, "-catalog", w.catalog}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
