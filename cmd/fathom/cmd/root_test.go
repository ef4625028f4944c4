package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/fathom-search/fathom/internal/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootShowsHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "fathom")
	assert.Contains(t, out, "index")
	assert.Contains(t, out, "search")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fathom")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
	assert.Contains(t, out, `"go_version"`)
}

func TestIndexRequiresSourceArg(t *testing.T) {
	_, err := execute(t, "index")
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeInvalidInput, ferrors.GetCode(err))
}

func TestSearchRequiresQueryArg(t *testing.T) {
	_, err := execute(t, "search")
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeInvalidInput, ferrors.GetCode(err))
}

func TestSearchWithoutIndexFails(t *testing.T) {
	indexPath := t.TempDir() + "/missing"
	_, err := execute(t, "search", "--index", indexPath, "anything")
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeNoCommit, ferrors.GetCode(err))
	assert.Equal(t, ExitCorruptIndex, ExitCode(err))
}

func TestInfoWithoutIndexFails(t *testing.T) {
	indexPath := t.TempDir() + "/missing"
	_, err := execute(t, "info", "--index", indexPath)
	require.Error(t, err)
	assert.Equal(t, ExitCorruptIndex, ExitCode(err))
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{ferrors.QuerySyntax("bad query"), ExitBadArgs},
		{ferrors.Newf(ferrors.ErrCodeInvalidInput, "bad input"), ExitBadArgs},
		{ferrors.Newf(ferrors.ErrCodeSourceNotFound, "gone"), ExitSourceMissing},
		{ferrors.CorruptSegment("checksum", nil), ExitCorruptIndex},
		{ferrors.Newf(ferrors.ErrCodeNoCommit, "empty"), ExitCorruptIndex},
		{ferrors.IOFailure("disk", nil), ExitStorage},
		{ferrors.Newf(ferrors.ErrCodeIndexLocked, "locked"), ExitStorage},
		{ferrors.Newf(ferrors.ErrCodeInternal, "boom"), ExitError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ExitCode(tc.err), "err=%v", tc.err)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	out, err := execute(t, "frobnicate")
	require.Error(t, err)
	_ = out
	assert.True(t, strings.Contains(err.Error(), "frobnicate") || strings.Contains(err.Error(), "unknown"))
}
