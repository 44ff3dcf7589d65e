package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/model"
)

func TestKeysGenerateLoadsIntoJWTManager(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "keys", "generate", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "jwt_private.pem")

	mgr, err := auth.NewJWTManager(dir+"/jwt_private.pem", dir+"/jwt_public.pem", time.Hour)
	require.NoError(t, err)
	tok, _, err := mgr.IssueToken("team-a", model.RoleOperator)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, claims.Role)

	// A second run refuses to overwrite.
	_, err = execute(t, "keys", "generate", "-o", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestKeysAdminDigestVerifies(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader("admin-secret\n"))
	root.SetArgs([]string{"keys", "admin-digest"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	k, err := auth.ParseAdminKey(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.True(t, k.Verify("admin-secret"))
	assert.False(t, k.Verify("admin-secret\n"))

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"keys", "admin-digest"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
