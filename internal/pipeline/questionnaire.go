package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/cost"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/questionnaire"
	"github.com/sells-group/evidence-pipeline/internal/router"
)

// questionnaireWindow bounds the document text sent with one set of
// questions. Longer documents are read window by window.
const questionnaireWindow = 60000

// Answer fills a questionnaire from a job's classified document. The
// document is read in windows of whole chunks; each window answers the
// full set and the most confident answer per question wins. Calls and the
// outcome are appended to the job's event history.
func (e *Engine) Answer(ctx context.Context, jobID string, set *questionnaire.Set) (*questionnaire.Result, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: questionnaire for %s", jobID)
	}
	if job.Checkpoint.Before(model.PhaseClassify) {
		return nil, eris.Errorf("pipeline: job %s has no classified document yet", jobID)
	}
	var out ClassifyOutput
	if err := e.loadOutput(ctx, jobID, model.PhaseClassify, &out); err != nil {
		return nil, err
	}
	if out.Document == nil || len(out.Document.Chunks) == 0 {
		return nil, eris.Errorf("pipeline: job %s has no document text", jobID)
	}

	rec := newRecorder(jobID, model.PhaseNone, cost.NewTally())
	tier := e.router.TaskTier(router.TaskQuestionnaire)
	windows := chunkWindows(out.Document, questionnaireWindow)
	batches := make([][]questionnaire.Answer, 0, len(windows))
	var dropped int
	for _, w := range windows {
		resp, err := e.call(ctx, rec, "", capability.Request{
			Task:         router.TaskQuestionnaire,
			Instructions: questionnaire.Prompt(set.Questions, out.Classification.Subtype),
			Content:      out.Document.Text(w),
			Schema:       questionnaire.OutputSchema(set),
			Tier:         tier,
		})
		if capability.IsMalformed(err) {
			zap.L().Warn("pipeline: questionnaire output malformed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, e.keepEvents(ctx, rec, err)
		}
		answers, notes, err := questionnaire.Parse(resp.Output, set)
		if err != nil {
			zap.L().Warn("pipeline: questionnaire output undecodable", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		dropped += len(notes)
		for _, n := range notes {
			zap.L().Debug("pipeline: questionnaire answer dropped", zap.String("job_id", jobID), zap.String("note", n))
		}
		batches = append(batches, answers)
	}

	res := questionnaire.Summarize(jobID, out.Classification.Subtype, set, questionnaire.Best(set, batches...))
	res.CostUSD, res.Calls = rec.totals()
	rec.add(model.JobEvent{
		ID:    uuid.NewString(),
		JobID: jobID,
		Kind:  model.EventQuestionnaire,
		Detail: fmt.Sprintf("%s %s: %d/%d answered (%d high, %d medium, %d low), %d dropped",
			set.Name, set.Version, len(res.Answers), res.TotalQuestions, res.High, res.Medium, res.Low, dropped),
		CostUSD:   res.CostUSD,
		CreatedAt: time.Now().UTC(),
	})
	if err := e.store.AppendEvents(ctx, rec.events); err != nil {
		return nil, eris.Wrap(err, "pipeline: record questionnaire")
	}
	zap.L().Info("pipeline: questionnaire answered",
		zap.String("job_id", jobID),
		zap.String("set", set.Name),
		zap.Int("answered", len(res.Answers)),
		zap.Int("questions", res.TotalQuestions),
		zap.Float64("cost_usd", res.CostUSD),
	)
	return res, nil
}

// keepEvents records the calls made before a failure so their spend is
// not lost, then returns cause.
func (e *Engine) keepEvents(ctx context.Context, rec *recorder, cause error) error {
	if len(rec.events) > 0 {
		if err := e.store.AppendEvents(context.WithoutCancel(ctx), rec.events); err != nil {
			zap.L().Warn("pipeline: record questionnaire calls", zap.String("job_id", rec.jobID), zap.Error(err))
		}
	}
	return eris.Wrap(cause, "pipeline: questionnaire")
}

// chunkWindows groups chunk indexes in document order so no window's text
// exceeds limit. A single chunk larger than limit gets a window to itself.
func chunkWindows(doc *preprocess.Result, limit int) [][]int {
	var out [][]int
	var cur []int
	size := 0
	for i, c := range doc.Chunks {
		n := len(c.Text) + 2
		if len(cur) > 0 && size+n > limit {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, i)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
