package jobs

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/linewatch/linewatch/internal/artifact"
	"github.com/linewatch/linewatch/internal/detect"
	"github.com/linewatch/linewatch/internal/errs"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/overlay"
	"github.com/linewatch/linewatch/internal/prediction"
	"github.com/linewatch/linewatch/internal/scorer"
	"gorm.io/gorm"
)

// Predictor scores a submitted batch against a line's trained model.
type Predictor struct {
	DB               *gorm.DB
	Scorer           scorer.VisionScorer
	Artifacts        artifact.Store
	Cache            *detect.Cache
	DefectsRoot      string
	ReferenceSamples int
	Neighbors        int
	Extent           float64
}

// Outcome summarises a scored batch.
type Outcome struct {
	Total   int
	Defects int
}

// PredictBatch runs one prediction job. The prediction ends PREDICTED with
// its counts, or FAILURE with an error message.
func (p *Predictor) PredictBatch(ctx context.Context, lineID, predictionID uint) Result {
	pred, err := prediction.Get(p.DB, predictionID)
	if err != nil {
		log.Printf("predict: prediction %d: %v", predictionID, err)
		return failure(classify(err), err)
	}
	if pred.Status == models.PredictionComplete {
		err := errs.Invalid("status", "prediction %d is already %s", predictionID, pred.Status)
		log.Printf("predict: %v", err)
		return failure(ReasonInvalid, err)
	}
	if pred.LineID != lineID {
		err := errs.Invalid("line_id", "prediction %d belongs to line %d, not %d", predictionID, pred.LineID, lineID)
		log.Printf("predict: %v", err)
		return failure(ReasonInvalid, err)
	}
	if err := prediction.SetStatus(p.DB, predictionID, models.PredictionRunning); err != nil {
		log.Printf("predict: prediction %d: set PREDICTING: %v", predictionID, err)
		return failure(classify(err), err)
	}
	log.Printf("predict: line %d prediction %d: started", lineID, predictionID)

	out, reason, err := p.run(ctx, lineID, pred)
	if err != nil {
		return p.fail(predictionID, reason, err)
	}

	if _, err := prediction.Get(p.DB, predictionID); err != nil {
		return p.fail(predictionID, classify(err), err)
	}
	if err := prediction.Complete(p.DB, predictionID, out.Total, out.Defects); err != nil {
		return p.fail(predictionID, classify(err), err)
	}
	log.Printf("predict: line %d prediction %d: %d images, %d defective", lineID, predictionID, out.Total, out.Defects)
	return success()
}

func (p *Predictor) run(ctx context.Context, lineID uint, pred *models.Prediction) (Outcome, string, error) {
	l, err := line.Get(p.DB, lineID)
	if err != nil {
		return Outcome{}, classify(err), err
	}
	if l.Status != models.LineTrained || l.ModelPath == "" {
		return Outcome{}, ReasonNoModel, fmt.Errorf("line %d has no trained model (status %s)", lineID, l.Status)
	}
	local, err := p.Artifacts.Resolve(ctx, l.ModelPath)
	if err != nil {
		return Outcome{}, ReasonStore, err
	}
	model := scorer.Model{Path: local}

	cl, reason, err := p.classifier(ctx, l, model)
	if err != nil {
		return Outcome{}, reason, err
	}

	images, err := scorer.ListImages(pred.DataPath)
	if err != nil {
		return Outcome{}, ReasonStore, err
	}
	if len(images) == 0 {
		return Outcome{}, ReasonNoImages, fmt.Errorf("no images under %s", pred.DataPath)
	}
	results, err := p.Scorer.Score(ctx, model, images)
	if err != nil {
		return Outcome{}, classify(err), err
	}
	if len(results) != len(images) {
		return Outcome{}, ReasonScorer, &errs.ScorerError{Op: "score", Err: fmt.Errorf("got %d results for %d images", len(results), len(images))}
	}

	out := Outcome{Total: len(results)}
	for i, r := range results {
		v := cl.Classify(r.Score)
		if v.Class != detect.Defective {
			continue
		}
		out.Defects++
		log.Printf("predict: line %d: defective image %s (p=%.2f)", lineID, filepath.Base(images[i]), v.Probability)
		if len(r.Mask) == 0 {
			continue
		}
		dst := overlay.Path(p.DefectsRoot, lineID, pred.Name, images[i])
		if err := overlay.Write(dst, r.Mask); err != nil {
			log.Printf("predict: line %d: write overlay %s: %v", lineID, dst, err)
		}
	}
	return out, "", nil
}

// classifier returns the cached classifier for the line's current model,
// building it from the line's good reference images when missing.
func (p *Predictor) classifier(ctx context.Context, l *models.Line, model scorer.Model) (*detect.Classifier, string, error) {
	if cl, ok := p.Cache.Get(l.ID, l.ModelPath); ok {
		return cl, "", nil
	}

	refs, err := p.referenceImages(l.DataPath)
	if err != nil {
		return nil, ReasonStore, err
	}
	if len(refs) < 2 {
		return nil, ReasonNoImages, fmt.Errorf("line %d needs at least 2 good reference images, found %d", l.ID, len(refs))
	}
	results, err := p.Scorer.Score(ctx, model, refs)
	if err != nil {
		return nil, classify(err), err
	}
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	cl, err := detect.NewClassifier(scores, p.Neighbors, p.Extent)
	if err != nil {
		return nil, ReasonScorer, err
	}
	p.Cache.Put(l.ID, l.ModelPath, cl)
	log.Printf("predict: line %d: built classifier from %d reference images", l.ID, len(scores))
	return cl, "", nil
}

// referenceImages picks up to ReferenceSamples good images, preferring the
// held-out test set.
func (p *Predictor) referenceImages(dataPath string) ([]string, error) {
	images, err := scorer.ListImages(filepath.Join(dataPath, "test", "good"))
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		if images, err = scorer.ListImages(TrainImagesDir(dataPath)); err != nil {
			return nil, err
		}
	}
	n := p.ReferenceSamples
	if n <= 0 {
		n = 10
	}
	if len(images) > n {
		images = images[:n]
	}
	return images, nil
}

func (p *Predictor) fail(predictionID uint, reason string, cause error) Result {
	log.Printf("predict: prediction %d: failed (%s): %v", predictionID, reason, cause)
	if err := FailPrediction(p.DB, predictionID, reason+": "+cause.Error()); err != nil {
		log.Printf("predict: prediction %d: mark FAILURE: %v", predictionID, err)
	}
	return failure(reason, cause)
}

// FailPrediction marks a prediction stuck in PREDICTING as FAILURE.
// Predictions in any other status are left alone.
func FailPrediction(db *gorm.DB, predictionID uint, message string) error {
	pred, err := prediction.Get(db, predictionID)
	if err != nil {
		return err
	}
	if pred.Status != models.PredictionRunning {
		return nil
	}
	return prediction.Fail(db, predictionID, message)
}
