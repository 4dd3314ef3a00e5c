package sanitize

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeDataset creates root/<split>/<label> directories, each with 2 valid images and one empty file.
func makeDataset(t *testing.T, root string, splits []string, poses []string) {
	t.Helper()
	for _, split := range splits {
		for ii, pose := range poses {
			dir := filepath.Join(root, split, pose)
			require.NoError(t, os.MkdirAll(dir, 0755))
			writeFile(t, dir, "0.jpg", encode(t, imaging.JPEG, uint64(ii)))
			writeFile(t, dir, "1.jpg", encode(t, imaging.JPEG, uint64(ii+100)))
			writeFile(t, dir, "broken.jpg", nil)
		}
	}
}

func TestSanitizeTree(t *testing.T) {
	root := t.TempDir()
	poses := []string{"warrior1", "downdog", "tree"}
	makeDataset(t, root, DefaultSplits, poses)

	var mu sync.Mutex
	var sunk []Entry
	for _, parallelism := range []int{0, 1} {
		report, err := SanitizeTree(root, TreeOptions{
			Parallelism: parallelism,
			Sink: func(entry Entry) {
				mu.Lock()
				defer mu.Unlock()
				sunk = append(sunk, entry)
			},
		})
		require.NoError(t, err)
		assert.NoError(t, report.LabelMismatch)
		assert.Equal(t, labels.Labels{"downdog", "tree", "warrior1"}, report.Labels["train"])
		require.Len(t, report.Reports, 6)
		// Reports follow split and label order.
		assert.Equal(t, []string{filepath.Join(root, "train", "downdog")}, report.Reports[0].Dirs)
		assert.Equal(t, []string{filepath.Join(root, "test", "warrior1")}, report.Reports[5].Dirs)

		merged := report.Merged()
		if parallelism == 0 {
			assert.Equal(t, 18, merged.Scanned)
			assert.Len(t, merged.Removed(), 6)
			assert.Len(t, sunk, 6)
		} else {
			// Second pass: nothing left to remove.
			assert.Equal(t, 12, merged.Scanned)
			assert.True(t, merged.IsEmpty())
		}
	}
}

func TestSanitizeTree_Quarantine(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, []string{"train"}, []string{"goddess", "mountain"})
	quarantine := filepath.Join(t.TempDir(), "invalid")
	report, err := SanitizeTree(root, TreeOptions{Splits: []string{"train"}, QuarantineDir: quarantine, Parallelism: 2})
	require.NoError(t, err)
	assert.Len(t, report.Merged().Removed(), 2)
	assert.FileExists(t, filepath.Join(quarantine, "train", "goddess", "broken.jpg"))
	assert.FileExists(t, filepath.Join(quarantine, "train", "mountain", "broken.jpg"))
}

func TestSanitizeTree_LabelMismatch(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, []string{"train"}, []string{"downdog", "tree"})
	makeDataset(t, root, []string{"test"}, []string{"downdog"})
	report, err := SanitizeTree(root, TreeOptions{})
	require.NoError(t, err)
	assert.True(t, errors.Is(report.LabelMismatch, labels.ErrLabelMismatch))
	assert.Len(t, report.Reports, 3)
}

func TestSanitizeTree_MissingSplit(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, []string{"train"}, []string{"tree"})
	_, err := SanitizeTree(root, TreeOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDirectory))
	// Nothing was touched.
	assert.FileExists(t, filepath.Join(root, "train", "tree", "broken.jpg"))
}
