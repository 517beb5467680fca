package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/linewatch/linewatch/internal/artifact"
	"github.com/linewatch/linewatch/internal/detect"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/scorer"
	"gorm.io/gorm"
)

// Trainer fits a model for a line from its good images.
type Trainer struct {
	DB         *gorm.DB
	Scorer     scorer.VisionScorer
	Artifacts  artifact.Store
	Cache      *detect.Cache // may be nil
	ModelsRoot string
}

// TrainImagesDir returns where a line's good training images live.
func TrainImagesDir(dataPath string) string {
	return filepath.Join(dataPath, "train", "good")
}

// Train runs one training job. On success the line is TRAINED with its new
// ModelPath; on any failure after the line was found it is NOT_TRAINED with
// its previous ModelPath untouched.
func (t *Trainer) Train(ctx context.Context, lineID uint) Result {
	l, err := line.Get(t.DB, lineID)
	if err != nil {
		log.Printf("train: line %d: %v", lineID, err)
		return failure(classify(err), err)
	}
	if err := line.SetStatus(t.DB, lineID, models.LineTraining, nil); err != nil {
		log.Printf("train: line %d: set TRAINING: %v", lineID, err)
		return failure(classify(err), err)
	}
	log.Printf("train: line %d: started", lineID)

	modelPath, reason, err := t.fit(ctx, l)
	if err != nil {
		return t.revert(lineID, reason, err)
	}

	// Reload so the final write is based on current state.
	if _, err := line.Get(t.DB, lineID); err != nil {
		return t.revert(lineID, classify(err), err)
	}
	if err := line.SetStatus(t.DB, lineID, models.LineTrained, map[string]interface{}{"model_path": modelPath}); err != nil {
		return t.revert(lineID, classify(err), err)
	}
	if t.Cache != nil {
		t.Cache.Invalidate(lineID)
	}
	log.Printf("train: line %d: model trained at %s", lineID, modelPath)
	return success()
}

// fit stages, fits and publishes a model, returning its reference.
func (t *Trainer) fit(ctx context.Context, l *models.Line) (string, string, error) {
	imagesDir := TrainImagesDir(l.DataPath)
	images, err := scorer.ListImages(imagesDir)
	if err != nil {
		return "", ReasonStore, err
	}
	if len(images) == 0 {
		return "", ReasonNoImages, fmt.Errorf("no good images under %s", imagesDir)
	}

	runID, err := newRunID()
	if err != nil {
		return "", ReasonStore, err
	}
	stage := filepath.Join(t.ModelsRoot, strconv.FormatUint(uint64(l.ID), 10), runID)
	if err := os.MkdirAll(stage, 0755); err != nil {
		return "", ReasonStore, fmt.Errorf("create stage dir: %w", err)
	}

	m, err := t.Scorer.Fit(ctx, scorer.FitRequest{LineID: l.ID, ImagesDir: imagesDir, OutDir: stage})
	if err != nil {
		return "", classify(err), err
	}

	ref, err := t.Artifacts.Publish(ctx, artifact.PublishRequest{
		LineID:    l.ID,
		RunID:     runID,
		StageDir:  stage,
		ModelPath: m.Path,
	})
	if err != nil {
		return "", ReasonStore, err
	}
	return ref, "", nil
}

// revert puts the line back to NOT_TRAINED after a failed attempt.
func (t *Trainer) revert(lineID uint, reason string, cause error) Result {
	log.Printf("train: line %d: failed (%s): %v", lineID, reason, cause)
	if err := RevertLine(t.DB, lineID); err != nil {
		log.Printf("train: line %d: revert: %v", lineID, err)
	}
	return failure(reason, cause)
}

// RevertLine moves a line stuck in TRAINING back to NOT_TRAINED, leaving
// its ModelPath untouched. Lines in any other status are left alone.
func RevertLine(db *gorm.DB, lineID uint) error {
	l, err := line.Get(db, lineID)
	if err != nil {
		return err
	}
	if l.Status != models.LineTraining {
		return nil
	}
	if err := line.SetStatus(db, lineID, models.LineNotTrained, nil); err != nil {
		return errs.Wrap(err, "revert line")
	}
	return nil
}
