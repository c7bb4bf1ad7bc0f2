package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/model"
)

var importFilePath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import predictions from a JSONL file",
	Long:  "Reads one prediction document per line, stores them, and reconciles the affected products into insights.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		preds, err := readPredictionsFile(importFilePath)
		if err != nil {
			return err
		}
		if len(preds) == 0 {
			return eris.Errorf("no predictions found in %s", importFilePath)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Importer.ImportPredictions(ctx, preds)
		if err != nil {
			return eris.Wrap(err, "import predictions")
		}

		zap.L().Info("import complete",
			zap.Int("predictions", len(preds)),
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
			zap.Int("deleted", result.Deleted),
			zap.String("file", importFilePath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFilePath, "file", "", "path to predictions JSONL file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func readPredictionsFile(path string) ([]model.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var preds []model.Prediction
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var p model.Prediction
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrapf(err, "parse %s line %d", path, line)
		}
		preds = append(preds, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return preds, nil
}
