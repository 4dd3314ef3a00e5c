package posetrain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() *History {
	h := &History{}
	h.Append(EpochRecord{RunID: "run-a", Epoch: 1, Step: 10, Loss: 1.5, Accuracy: 0.25,
		EvalLoss: 1.75, EvalAccuracy: 0.5, LearningRate: 1e-4})
	h.Append(EpochRecord{RunID: "run-a", Epoch: 2, Step: 20, Loss: 1.25, Accuracy: 0.5,
		EvalLoss: 1.5, EvalAccuracy: 0.75, LearningRate: 1e-4})
	h.Append(EpochRecord{RunID: "run-b", Epoch: 3, Step: 30, Loss: 1, Accuracy: 0.75,
		EvalLoss: 1.625, EvalAccuracy: 0.625, LearningRate: 1e-5})
	return h
}

func TestHistory(t *testing.T) {
	var empty History
	assert.Nil(t, empty.Last())
	assert.Equal(t, 0.0, empty.BestEvalAccuracy())
	require.Error(t, empty.WriteCSV(filepath.Join(t.TempDir(), HistoryCSVFileName)))

	h := sampleHistory()
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 3, h.Last().Epoch)
	assert.Equal(t, 0.75, h.BestEvalAccuracy())
}

func TestHistory_CSV(t *testing.T) {
	h := sampleHistory()
	filePath := filepath.Join(t.TempDir(), HistoryCSVFileName)
	require.NoError(t, h.WriteCSV(filePath))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "run_id,epoch,step,loss,accuracy,val_loss,val_accuracy,learning_rate")

	loaded, err := ReadHistoryCSV(filePath)
	require.NoError(t, err)
	require.Equal(t, h.Len(), loaded.Len())
	for ii, want := range h.Records {
		got := loaded.Records[ii]
		assert.Equal(t, want.RunID, got.RunID)
		assert.Equal(t, want.Epoch, got.Epoch)
		assert.Equal(t, want.Step, got.Step)
		assert.InDelta(t, want.EvalLoss, got.EvalLoss, 1e-6)
		assert.InDelta(t, want.LearningRate, got.LearningRate, 1e-9)
	}

	_, err = ReadHistoryCSV(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestHistory_Plot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), HistoryPlotFileName)
	require.NoError(t, sampleHistory().Plot(filePath))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	require.Error(t, (&History{}).Plot(filePath))
}

func TestHistory_Table(t *testing.T) {
	table := sampleHistory().Table()
	assert.Contains(t, table, "val_accuracy")
	assert.Contains(t, table, "62.50%")
	assert.Contains(t, table, "1e-05")
}

func TestHistory_CSVSmallLearningRate(t *testing.T) {
	h := &History{}
	h.Append(EpochRecord{RunID: "run", Epoch: 1, LearningRate: 1e-7})
	filePath := filepath.Join(t.TempDir(), HistoryCSVFileName)
	require.NoError(t, h.WriteCSV(filePath))
	loaded, err := ReadHistoryCSV(filePath)
	require.NoError(t, err)
	assert.InDelta(t, 1e-7, loaded.Records[0].LearningRate, 1e-12)
}
