package conformance

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/conformium/hydrophone/internal/config"
)

type fakeExec struct {
	payload []byte
	err     error
}

func (f *fakeExec) stream(_ context.Context, _ string, _ []string, stdout, _ io.Writer) error {
	if _, err := stdout.Write(f.payload); err != nil {
		return err
	}
	return f.err
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestRetrieveArtifacts(t *testing.T) {
	payload := tarball(t, map[string]string{
		"./" + LogFile:   "e2e output",
		"./" + JUnitFile: `<testsuite tests="1"></testsuite>`,
	})

	r := newTestRunner(fake.NewSimpleClientset(), &config.Settings{Namespace: "conformance"})
	r.exec = &fakeExec{payload: payload}

	dest := t.TempDir()
	require.NoError(t, r.retrieveArtifacts(context.Background(), dest))

	log, err := os.ReadFile(filepath.Join(dest, LogFile))
	require.NoError(t, err)
	assert.Equal(t, "e2e output", string(log))

	junit, err := os.ReadFile(filepath.Join(dest, JUnitFile))
	require.NoError(t, err)
	assert.Contains(t, string(junit), "testsuite")

	info, err := os.Stat(filepath.Join(dest, LogFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestCopyResultsNestedDirs(t *testing.T) {
	payload := tarball(t, map[string]string{
		"./nested/dir/result.txt": "nested",
	})

	r := newTestRunner(fake.NewSimpleClientset(), &config.Settings{Namespace: "conformance"})
	r.exec = &fakeExec{payload: payload}

	dest := t.TempDir()
	require.NoError(t, r.copyResults(context.Background(), dest))

	content, err := os.ReadFile(filepath.Join(dest, "nested", "dir", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(content))
}

func TestCopyResultsRejectsTraversal(t *testing.T) {
	payload := tarball(t, map[string]string{
		"../escape.txt": "gotcha",
	})

	r := newTestRunner(fake.NewSimpleClientset(), &config.Settings{Namespace: "conformance"})
	r.exec = &fakeExec{payload: payload}

	dest := t.TempDir()
	err := r.copyResults(context.Background(), dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCopyResultsSurfacesRemoteTarError(t *testing.T) {
	r := newTestRunner(fake.NewSimpleClientset(), &config.Settings{Namespace: "conformance"})
	r.exec = &fakeExec{payload: nil, err: errors.New("command terminated with exit code 2")}

	err := r.copyResults(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCopyResultsLeavesNoTempFiles(t *testing.T) {
	payload := tarball(t, map[string]string{"./" + LogFile: "data"})

	r := newTestRunner(fake.NewSimpleClientset(), &config.Settings{Namespace: "conformance"})
	r.exec = &fakeExec{payload: payload}

	dest := t.TempDir()
	require.NoError(t, r.copyResults(context.Background(), dest))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".hydrophone-")
	}
}
