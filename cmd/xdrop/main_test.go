package main

import (
	"bytes"
	"testing"

	"xdrop/internal/registration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOwner(t *testing.T) {
	const id = "7d7a0c9e-0000-4000-8000-000000000001"

	got, err := resolveOwner(id, "")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = resolveOwner("not-used", "7D7A0C9E-0000-4000-8000-000000000001")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = resolveOwner("", "")
	assert.Error(t, err)
	_, err = resolveOwner("bob", "")
	assert.Error(t, err)
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, []registration.Result{
		{Index: 0, Handle: "crumb", OK: true, APIKey: "oc_abc"},
		{Index: 1, Handle: "no", Error: "handle must be 3-30 characters of a-z, 0-9 or _"},
	}))
	out := buf.String()
	assert.Contains(t, out, "oc_abc")
	assert.Contains(t, out, "error: handle must be")
	assert.Contains(t, out, "1 registered, 1 failed")
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"bots", "register"})
	require.NoError(t, err)
	assert.Equal(t, "register", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("file"))
	assert.NotNil(t, cmd.Flags().Lookup("owner"))

	for _, name := range []string{"serve", "migrate"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}
