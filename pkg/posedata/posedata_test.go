package posedata

import (
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createPoses writes numPerLabel solid-color images per label, for each split.
func createPoses(t *testing.T, root string, splits, poses []string, numPerLabel int) {
	t.Helper()
	for _, split := range splits {
		for labelIdx, pose := range poses {
			dir := filepath.Join(root, split, pose)
			require.NoError(t, os.MkdirAll(dir, 0755))
			for ii := range numPerLabel {
				img := imaging.New(40, 30, color.NRGBA{R: uint8(100 * labelIdx), G: uint8(10 * ii), B: 255, A: 255})
				require.NoError(t, imaging.Save(img, filepath.Join(dir, string(rune('a'+ii))+".png")))
			}
		}
	}
}

func TestListImages(t *testing.T) {
	root := t.TempDir()
	createPoses(t, root, []string{"train"}, []string{"tree", "downdog"}, 3)
	poseLabels, err := labels.LabelMapping(filepath.Join(root, "train"))
	require.NoError(t, err)
	examples, err := ListImages(filepath.Join(root, "train"), poseLabels)
	require.NoError(t, err)
	require.Len(t, examples, 6)
	// "downdog" sorts first: index 0.
	assert.Equal(t, filepath.Join(root, "train", "downdog", "a.png"), examples[0].Path)
	assert.Equal(t, 0, examples[0].Label)
	assert.Equal(t, 1, examples[5].Label)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "tree"), 0755))
	_, err = ListImages(filepath.Join(root, "empty"), labels.Labels{"tree"})
	assert.True(t, errors.Is(err, ErrNoImages))
}

func TestDataset_Yield(t *testing.T) {
	root := t.TempDir()
	createPoses(t, root, []string{"train"}, []string{"downdog", "tree", "warrior1"}, 2)
	poseLabels := labels.Labels{"downdog", "tree", "warrior1"}
	examples, err := ListImages(filepath.Join(root, "train"), poseLabels)
	require.NoError(t, err)

	const size, batchSize = 16, 4
	ds := NewDataset("test", examples, size, batchSize, nil, nil)
	assert.Equal(t, 6, ds.NumExamples())
	for epoch := range 2 {
		var allLabels []int32
		var batchSizes []int
		for {
			spec, inputs, batchLabels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err, "epoch %d", epoch)
			assert.Equal(t, ds, spec)
			require.Len(t, inputs, 1)
			require.Len(t, batchLabels, 1)
			n := inputs[0].Shape().Dimensions[0]
			batchSizes = append(batchSizes, n)
			assert.Equal(t, []int{n, size, size, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, inputs[0].DType())
			assert.Equal(t, []int{n, 1}, batchLabels[0].Shape().Dimensions)
			allLabels = append(allLabels, tensors.MustCopyFlatData[int32](batchLabels[0])...)

			// Pixels are rescaled to [0, 1].
			pixels := tensors.MustCopyFlatData[float32](inputs[0])
			for _, v := range pixels {
				require.True(t, v >= 0 && v <= 1)
			}
		}
		// The last batch of the epoch is smaller.
		assert.Equal(t, []int{4, 2}, batchSizes)
		assert.Equal(t, []int32{0, 0, 1, 1, 2, 2}, allLabels)
		ds.Reset()
	}
}

func TestDataset_Shuffle(t *testing.T) {
	examples := make([]Example, 10)
	for ii := range examples {
		examples[ii] = Example{Path: "unused", Label: ii}
	}
	ds := NewDataset("shuffled", examples, 8, 3, NewShuffle(42), nil)
	var seen []int
	for {
		batch, _, err := ds.nextBatch()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, example := range batch {
			seen = append(seen, example.Label)
		}
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestAugmentation(t *testing.T) {
	img := imaging.New(20, 20, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	var a *Augmentation
	assert.True(t, a.IsIdentity())
	assert.Equal(t, img, a.Apply(img, rand.New(rand.NewPCG(1, 2))))

	a = &Augmentation{Shear: 20, Zoom: 0.2, Flip: true}
	rng := rand.New(rand.NewPCG(1, 2))
	for range 5 {
		augmented := a.Apply(img, rng)
		assert.Equal(t, image.Rect(0, 0, 20, 20), augmented.Bounds())
		// The center pixel stays inside the image for these ranges.
		r, _, _, _ := augmented.At(10, 10).RGBA()
		assert.InDelta(t, 200, r>>8, 2)
	}

	// Zooming out leaves black borders.
	zoomedOut := affine(img, 0, 2, 2)
	r, g, b, _ := zoomedOut.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r+g+b)
}

func TestResize(t *testing.T) {
	img := imaging.New(40, 30, color.Black)
	resized := Resize(img, 25)
	assert.Equal(t, image.Rect(0, 0, 25, 25), resized.Bounds())
	assert.Equal(t, resized, Resize(resized, 25))
}

func TestCreateDatasets(t *testing.T) {
	root := t.TempDir()
	poses := []string{"tree", "downdog"}
	createPoses(t, root, []string{"train", "test"}, poses, 2)
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{ParamImageSize: 8, ParamDataParallelism: 0})
	config := NewConfigFromContext(ctx, root)
	assert.Equal(t, 8, config.ImageSize)
	assert.Equal(t, 0.2, config.Augmentation.Zoom)

	dss, err := CreateDatasets(config)
	require.NoError(t, err)
	assert.Equal(t, labels.Labels{"downdog", "tree"}, dss.Labels)
	assert.Equal(t, 4, dss.Eval.NumExamples())
	_, inputs, _, err := dss.Train.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 8, 3}, inputs[0].Shape().Dimensions)

	// Label sets must agree between splits.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "test", "warrior1"), 0755))
	_, err = CreateDatasets(config)
	assert.True(t, errors.Is(err, labels.ErrLabelMismatch))
}
