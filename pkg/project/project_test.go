package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensiblecodeio/buildyard/pkg/run"
)

func testProject(t *testing.T, paths ...string) *Project {
	t.Helper()
	p := &Project{Name: "p"}
	for _, path := range paths {
		img := Image{Path: path}
		require.NoError(t, img.Normalize())
		p.Images = append(p.Images, img)
	}
	return p
}

func TestProjectSerializeNestsImages(t *testing.T) {
	data, err := testProject(t, "a", "b").Serialize()
	require.NoError(t, err)

	// Each image must be a JSON *string* inside the project JSON; this
	// nesting is part of the wire format.
	var outer struct {
		Name   string   `json:"name"`
		Images []string `json:"images"`
	}
	require.NoError(t, json.Unmarshal(data, &outer))
	assert.Equal(t, "p", outer.Name)
	require.Len(t, outer.Images, 2)

	var inner map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(outer.Images[0]), &inner))
	assert.Equal(t, "a", inner["path"])
}

func TestProjectRoundTrip(t *testing.T) {
	p := testProject(t, "a", "b/c")
	p.Images[1].PreexecCommand = []string{"go", "generate"}

	data, err := p.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDeserializeRejectsBadPayloads(t *testing.T) {
	for _, data := range []string{
		"not json",
		`{"name":"p","images":[42]}`,
		`{"name":"p","images":["{\"path\":\"\"}"]}`,
		`{"name":"p","images":["{\"path\":\"../up\"}"]}`,
	} {
		_, err := Deserialize([]byte(data))
		assert.Error(t, err, "%s", data)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildyard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "p",
		"images": [{"path": "svc/"}, {"path": "web", "tag": "web-{arch}"}]
	}`), 0o644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "p", p.Name)
	require.Len(t, p.Images, 2)
	assert.Equal(t, "svc", p.Images[0].Path)
	assert.Equal(t, "svc", p.Images[0].Name)
	assert.Equal(t, "web-{arch}", p.Images[1].Tag)
}

func TestScratchLifecycle(t *testing.T) {
	s, err := NewScratch()
	require.NoError(t, err)

	_, err = os.Stat(s.Path())
	require.NoError(t, err, "scratch directory must exist during the build body")

	s.Remove()
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "scratch directory must not survive the build")

	// Removing twice is fine.
	s.Remove()
}

// zipOf packs a tree described as rel-path -> contents.
func zipOf(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, contents := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	dest := filepath.Join(t.TempDir(), "up.zip")
	require.NoError(t, CreateZip(dir, dest))
	return dest
}

func TestBuildFromZipPath(t *testing.T) {
	zipPath := zipOf(t, map[string]string{"a/Dockerfile": "FROM scratch\n"})

	var calls []call
	env := BuildEnv{Runner: recordingRunner(&calls, 0), Docker: "docker"}

	codes, err := testProject(t, "a").BuildFromZipPath(context.Background(), env, zipPath, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, codes)

	require.Len(t, calls, 1)
	// The build ran inside a scratch tree containing the extracted files.
	_, err = os.Stat(calls[0].Dir)
	assert.True(t, os.IsNotExist(err), "scratch tree must be removed after the build")
}

func TestBuildFromZipPathOnlyFilter(t *testing.T) {
	zipPath := zipOf(t, map[string]string{
		"a/Dockerfile": "FROM scratch\n",
		"b/Dockerfile": "FROM scratch\n",
	})

	var calls []call
	env := BuildEnv{Runner: recordingRunner(&calls, 0), Docker: "docker"}
	p := testProject(t, "a", "b")

	codes, err := p.BuildFromZipPath(context.Background(), env, zipPath, map[string]bool{"b": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, codes)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "b")

	// A filter matching nothing yields an empty, non-nil vector.
	codes, err = p.BuildFromZipPath(context.Background(), env, zipPath, map[string]bool{"missing": true}, nil)
	require.NoError(t, err)
	assert.NotNil(t, codes)
	assert.Empty(t, codes)
}

func TestBuildFromZipPathRecordsSentinelOnBuilderError(t *testing.T) {
	zipPath := zipOf(t, map[string]string{
		"a/Dockerfile": "FROM scratch\n",
		"b/Dockerfile": "FROM scratch\n",
	})

	failing := run.Func(func(ctx context.Context, dir, path string, args []string, output run.OutputFunc) (int, error) {
		return 0, os.ErrNotExist
	})
	env := BuildEnv{Runner: failing, Docker: "docker"}

	codes, err := testProject(t, "a", "b").BuildFromZipPath(context.Background(), env, zipPath, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{BuildErrorExitCode, BuildErrorExitCode}, codes,
		"an unattemptable build records the sentinel and iteration continues")
}

func TestProjectPushDiscardsExitCodes(t *testing.T) {
	var calls []call
	env := BuildEnv{Runner: recordingRunner(&calls, 5), Docker: "docker"}

	err := testProject(t, "a", "b").Push(context.Background(), env, nil, nil)
	require.NoError(t, err, "non-zero push exits are logged, not errors")
	assert.Len(t, calls, 2)
}
