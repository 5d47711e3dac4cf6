package cli_test

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lethe/internal/cli"
)

func runLethe(t *testing.T, dir string, args ...string) (string, string, int) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	rootKey := strings.Repeat("ab", 32)
	fullArgs := append([]string{"lethe", "-C", dir, "--disk", filepath.Join(dir, "disk.img"), "--root-key", rootKey}, args...)

	exitCode := cli.Run(nil, &stdout, &stderr, fullArgs, nil)

	return stdout.String(), stderr.String(), exitCode
}

func TestEndToEndPutGetRmLs(t *testing.T) {
	dir := t.TempDir()

	out, errOut, code := runLethe(t, dir, "open", "--size", "4194304")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "opened")

	payloadPath := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(payloadPath, []byte("hello from the secure-deletion object store"), 0o600))

	out, errOut, code = runLethe(t, dir, "put", "new", payloadPath)
	require.Equal(t, 0, code, errOut)

	id := strings.TrimSpace(out)
	_, err := hex.DecodeString(id)
	require.NoError(t, err)
	require.Len(t, id, 32)

	out, errOut, code = runLethe(t, dir, "get", id)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "hello from the secure-deletion object store", out)

	out, errOut, code = runLethe(t, dir, "ls")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, id)

	out, errOut, code = runLethe(t, dir, "segments", id)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "offset=")

	out, errOut, code = runLethe(t, dir, "advance-epoch")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "rotated_pages=")

	_, errOut, code = runLethe(t, dir, "rm", id)
	require.Equal(t, 0, code, errOut)

	out, errOut, code = runLethe(t, dir, "ls")
	require.Equal(t, 0, code, errOut)
	require.NotContains(t, out, id)
}

func TestReformatRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()

	_, errOut, code := runLethe(t, dir, "open")
	require.Equal(t, 0, code, errOut)

	_, errOut, code = runLethe(t, dir, "reformat")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--yes")

	_, errOut, code = runLethe(t, dir, "reformat", "--yes")
	require.Equal(t, 0, code, errOut)
}
