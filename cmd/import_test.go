package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfdata/curator/internal/model"
)

func writePredictionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadPredictionsFile(t *testing.T) {
	path := writePredictionsFile(t, `{"barcode":"3017620422003","type":"category","value_tag":"en:fish","predictor":"matcher","confidence":0.92}

{"barcode":"3017620422003","type":"label","value_tag":"en:organic","predictor":"neural"}
`)

	preds, err := readPredictionsFile(path)
	require.NoError(t, err)
	require.Len(t, preds, 2)

	assert.Equal(t, model.TypeCategory, preds[0].Type)
	assert.Equal(t, "en:fish", preds[0].ValueTag)
	require.NotNil(t, preds[0].Confidence)
	assert.InDelta(t, 0.92, *preds[0].Confidence, 0.001)

	assert.Equal(t, model.TypeLabel, preds[1].Type)
	assert.Nil(t, preds[1].Confidence)
}

func TestReadPredictionsFileBadLine(t *testing.T) {
	path := writePredictionsFile(t, `{"barcode":"123"}
not json
`)
	_, err := readPredictionsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadPredictionsFileMissing(t *testing.T) {
	_, err := readPredictionsFile(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}
