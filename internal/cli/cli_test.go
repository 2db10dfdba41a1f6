package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "aqueduct.db")
}

// seedDocument creates a document with two confirmed edits and returns its
// id.
func seedDocument(t *testing.T, db string) string {
	t.Helper()
	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	state, err := network.New().Serialize()
	require.NoError(t, err)
	rec, err := st.CreateDocument(ctx, "mains", state, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)

	for i, id := range []string{"J1", "J2"} {
		e := edittree.Edit{
			ID:         int64(i + 1),
			ParentID:   int64(i),
			SnapshotID: 0,
			ActorID:    "alice",
			CreatedAt:  time.Unix(1700000000+int64(i), 0).UTC(),
			Action:     json.RawMessage(`{"op":"add_node","node":{"id":"` + id + `","kind":"junction","elevation":10}}`),
		}
		require.NoError(t, st.AppendEdit(ctx, rec.ID, e))
	}
	require.NoError(t, st.SaveHead(ctx, rec.ID, 2, 0))
	return rec.ID
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "create", "x", "--db", testDB(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCreate_Text(t *testing.T) {
	out, err := execute(t, "create", "mains", "--db", testDB(t))
	require.NoError(t, err)
	assert.Contains(t, out, "created document")
	assert.Contains(t, out, "mains")
}

func TestCreate_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "create", "mains", "--db", testDB(t))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mains", data["name"])
	assert.NotEmpty(t, data["id"])
}

func TestRegisterAndGrant(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	out, err := execute(t, "register", "Alice", "--db", db, "--password", "correct horse battery")
	require.NoError(t, err)
	assert.Contains(t, out, "registered user alice")

	out, err = execute(t, "grant", docID, "alice", "editor", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "granted editor")
}

func TestGrant_Errors(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	_, err := execute(t, "grant", docID, "alice", "owner", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "grant", docID, "nobody", "editor", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "register", "alice", "--db", db, "--password", "correct horse battery")
	require.NoError(t, err)
	_, err = execute(t, "grant", "no-such-doc", "alice", "editor", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestHistory_Text(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	out, err := execute(t, "history", docID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "mains")
	assert.Contains(t, out, "add_node")
	// Head marker sits on edit 2.
	assert.Contains(t, out, "*    2")
}

func TestHistory_JSON(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	out, err := execute(t, "--format", "json", "history", docID, "--db", db)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), data["current_edit_id"])
	edits, ok := data["edits"].([]any)
	require.True(t, ok)
	assert.Len(t, edits, 3, "root plus two edits")
}

func TestHistory_UnknownDocument(t *testing.T) {
	db := testDB(t)
	seedDocument(t, db)

	_, err := execute(t, "history", "no-such-doc", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestShow_HeadByDefault(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	out, err := execute(t, "show", docID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, `"J1"`)
	assert.Contains(t, out, `"J2"`)
}

func TestShow_AtEdit(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	out, err := execute(t, "show", docID, "--db", db, "--edit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"J1"`)
	assert.NotContains(t, out, `"J2"`)

	out, err = execute(t, "show", docID, "--db", db, "--edit", "0")
	require.NoError(t, err)
	assert.NotContains(t, out, `"J1"`)
}

func TestShow_UnknownEdit(t *testing.T) {
	db := testDB(t)
	docID := seedDocument(t, db)

	_, err := execute(t, "show", docID, "--db", db, "--edit", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
