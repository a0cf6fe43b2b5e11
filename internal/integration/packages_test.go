package integration

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGoMod = `module example.com/app

go 1.24

require github.com/google/uuid v1.5.0
`

func pkgCmd(t *testing.T, fsys afero.Fs, raw map[string]any) Command {
	t.Helper()
	req, err := DecodeRequest("package_management", raw)
	require.NoError(t, err)
	cmd, err := NewFactory(".", WithFilesystem(fsys)).NewCommand(req)
	require.NoError(t, err)
	return cmd
}

func TestPackage_GoModInstallUndo(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "go.mod", []byte(sampleGoMod), 0o644))

	cmd := pkgCmd(t, fsys, map[string]any{"operation": "install", "package": "github.com/spf13/afero", "version": "v1.12.0"})
	_, err := cmd.Execute(ctx)
	require.NoError(t, err)

	data, _ := afero.ReadFile(fsys, "go.mod")
	assert.Contains(t, string(data), "github.com/spf13/afero v1.12.0")
	assert.Contains(t, string(data), "github.com/google/uuid v1.5.0")

	_, err = cmd.Undo(ctx)
	require.NoError(t, err)
	data, _ = afero.ReadFile(fsys, "go.mod")
	assert.Equal(t, sampleGoMod, string(data))
}

func TestPackage_GoModUpdateAndUninstall(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "go.mod", []byte(sampleGoMod), 0o644))

	update := pkgCmd(t, fsys, map[string]any{"operation": "update", "package": "github.com/google/uuid", "version": "v1.6.0"})
	res, err := update.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1.5.0", res["previous"])
	data, _ := afero.ReadFile(fsys, "go.mod")
	assert.Contains(t, string(data), "github.com/google/uuid v1.6.0")

	uninstall := pkgCmd(t, fsys, map[string]any{"operation": "uninstall", "package": "github.com/google/uuid"})
	_, err = uninstall.Execute(ctx)
	require.NoError(t, err)
	data, _ = afero.ReadFile(fsys, "go.mod")
	assert.NotContains(t, string(data), "github.com/google/uuid")

	missing := pkgCmd(t, fsys, map[string]any{"operation": "uninstall", "package": "github.com/google/uuid"})
	_, err = missing.Execute(ctx)
	require.Error(t, err)
}

func TestPackage_Requirements(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	original := "flask==2.0.1\nrequests>=2.25\n"
	require.NoError(t, afero.WriteFile(fsys, "requirements.txt", []byte(original), 0o644))

	install := pkgCmd(t, fsys, map[string]any{"operation": "install", "package": "fastapi", "version": "0.110.0", "manifest": "requirements.txt"})
	_, err := install.Execute(ctx)
	require.NoError(t, err)
	data, _ := afero.ReadFile(fsys, "requirements.txt")
	assert.Equal(t, original+"fastapi==0.110.0\n", string(data))

	uninstall := pkgCmd(t, fsys, map[string]any{"operation": "uninstall", "package": "Flask", "manifest": "requirements.txt"})
	_, err = uninstall.Execute(ctx)
	require.NoError(t, err)
	data, _ = afero.ReadFile(fsys, "requirements.txt")
	assert.Equal(t, "requests>=2.25\nfastapi==0.110.0\n", string(data))

	_, err = uninstall.Undo(ctx)
	require.NoError(t, err)
	_, err = install.Undo(ctx)
	require.NoError(t, err)
	data, _ = afero.ReadFile(fsys, "requirements.txt")
	assert.Equal(t, original, string(data))
}

func TestPackage_UnsupportedManifest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "package.json", []byte("{}"), 0o644))

	cmd := pkgCmd(t, fsys, map[string]any{"operation": "install", "package": "left-pad", "manifest": "package.json"})
	_, err := cmd.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported manifest")
}
