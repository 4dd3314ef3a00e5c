package classifier

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/yogaposes/pkg/export"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/posedata"
	"github.com/gomlx/yogaposes/pkg/posemodel"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initializedModel returns a context with the variables of a tiny model initialized.
func initializedModel(t *testing.T, backend backends.Backend) (*context.Context, *posemodel.Model) {
	ctx := posemodel.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		posedata.ParamImageSize:     8,
		posemodel.ParamCNNNumBlocks: 1,
		posemodel.ParamCNNChannels:  2,
		posemodel.ParamDenseUnits:   4,
	})
	posemodel.SetLabels(ctx, labels.Labels{"downdog", "tree", "warrior1"})
	modelCtx := ctx.In(export.ModelScope)
	model := must.M1(posemodel.New(modelCtx))
	img := imaging.New(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	_ = context.MustExecOnce(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		return model.ModelGraph(ctx, nil, []*Node{images})[0]
	}, timage.ToTensor(dtypes.Float32).Batch([]image.Image{img}))
	return ctx, model
}

func testImages() []image.Image {
	return []image.Image{
		imaging.New(20, 10, color.NRGBA{R: 250, G: 10, B: 10, A: 255}),
		imaging.New(8, 8, color.NRGBA{R: 10, G: 250, B: 10, A: 255}),
		imaging.New(5, 30, color.NRGBA{R: 10, G: 10, B: 250, A: 255}),
	}
}

func TestClassifier(t *testing.T) {
	backend := backends.MustNew()
	ctx, model := initializedModel(t, backend)
	defer model.Close()
	c, err := NewFromContext(backend, ctx, model)
	require.NoError(t, err)
	assert.Equal(t, 8, c.ImageSize())
	assert.Equal(t, 3, c.Labels().Len())

	images := testImages()
	batch, err := c.ClassifyBatch(images)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for ii, img := range images {
		p, err := c.Classify(img)
		require.NoError(t, err)
		require.Len(t, p.Probabilities, 3)
		var sum float32
		for _, prob := range p.Probabilities {
			sum += prob
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
		assert.Equal(t, c.Labels().Name(p.Index), p.Label)
		for _, prob := range p.Probabilities {
			assert.LessOrEqual(t, prob, p.Confidence())
		}
		assert.Equal(t, batch[ii].Index, p.Index)
		assert.InDeltaSlice(t, batch[ii].Probabilities, p.Probabilities, 1e-5)
	}

	// Image files.
	imagePath := filepath.Join(t.TempDir(), "pose.png")
	require.NoError(t, imaging.Save(images[0], imagePath))
	p, err := c.ClassifyFile(imagePath)
	require.NoError(t, err)
	assert.Equal(t, batch[0].Index, p.Index)
	_, err = c.ClassifyFile(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)

	_, err = c.Classify(nil)
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	backend := backends.MustNew()
	ctx, model := initializedModel(t, backend)
	defer model.Close()
	inMemory, err := NewFromContext(backend, ctx, model)
	require.NoError(t, err)
	want, err := inMemory.ClassifyBatch(testImages())
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = export.Export(ctx, dir, export.Options{})
	require.NoError(t, err)
	for _, artifact := range []struct {
		subDir string
		delta  float64
	}{
		{export.FullDir, 1e-5},
		{export.QuantizedDir, 1e-2},
	} {
		c, err := New(backend, filepath.Join(dir, artifact.subDir))
		require.NoError(t, err, "artifact %s", artifact.subDir)
		assert.Equal(t, inMemory.Labels(), c.Labels())
		got, err := c.ClassifyBatch(testImages())
		require.NoError(t, err)
		for ii := range want {
			assert.InDeltaSlice(t, want[ii].Probabilities, got[ii].Probabilities, artifact.delta,
				"artifact %s, image #%d", artifact.subDir, ii)
		}
		c.Close()
	}
}

func TestNew_Errors(t *testing.T) {
	backend := backends.MustNew()
	_, err := New(backend, t.TempDir())
	require.Error(t, err)

	ctx := posemodel.CreateDefaultContext()
	model, err := posemodel.New(ctx.In(export.ModelScope))
	require.NoError(t, err)
	_, err = NewFromContext(backend, ctx, model)
	require.Error(t, err, "no labels")
}
