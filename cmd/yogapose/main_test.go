package main

import (
	"fmt"
	"image/color"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/sanitize"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDataset(t *testing.T, root string) {
	t.Helper()
	for _, split := range []string{"train", "test"} {
		for _, pose := range []string{"tree", "downdog"} {
			dir := filepath.Join(root, split, pose)
			require.NoError(t, os.MkdirAll(dir, 0755))
			img := imaging.New(10, 10, color.NRGBA{R: 200, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(dir, "ok.jpg")))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.jpg"), nil, 0644))
		}
	}
}

func run(args ...string) error {
	cmd := rootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestSanitizeCommand(t *testing.T) {
	root := t.TempDir()
	createDataset(t, root)
	require.NoError(t, run("sanitize", "--progress=false", root))
	for _, split := range []string{"train", "test"} {
		for _, pose := range []string{"tree", "downdog"} {
			assert.FileExists(t, filepath.Join(root, split, pose, "ok.jpg"))
			assert.NoFileExists(t, filepath.Join(root, split, pose, "bad.jpg"))
		}
	}
	require.Error(t, run("sanitize", filepath.Join(root, "missing")))
}

func TestLabelsCommand(t *testing.T) {
	root := t.TempDir()
	createDataset(t, root)
	require.NoError(t, run("labels", root))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "test", "warrior1"), 0755))
	err := run("labels", root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, labels.ErrLabelMismatch))
}

func TestTrainSanitize_HomeDir(t *testing.T) {
	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	name := fmt.Sprintf("yogaposes-missing-%d", time.Now().UnixNano())
	err = run("train", "--sanitize", "--progress=false", "--data=~/"+name)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sanitize.ErrInvalidDirectory))
	assert.Contains(t, err.Error(), filepath.Join(usr.HomeDir, name))
	assert.NotContains(t, err.Error(), "~/")
}

func TestRequiredFlags(t *testing.T) {
	require.Error(t, run("train"))
	require.Error(t, run("predict", "pose.jpg"))
	require.Error(t, run("export", "--checkpoint=/tmp/none"))
}
