package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

const subtypeUnknown = "unknown"

type classifyAnswer struct {
	Subtype    string  `json:"subtype"`
	Confidence float64 `json:"confidence"`
}

func classifySchema() map[string]any {
	enum := []any{}
	for _, s := range docschema.Subtypes() {
		enum = append(enum, s)
	}
	enum = append(enum, subtypeUnknown)
	return map[string]any{
		"type":     "object",
		"required": []any{"subtype", "confidence"},
		"properties": map[string]any{
			"subtype":    map[string]any{"type": "string", "enum": enum},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
	}
}

// classify fetches and preprocesses the document, then asks the capability
// which subtype it is. Low confidence and unknown subtypes end the job.
func (e *Engine) classify(ctx context.Context, job *model.ExtractionJob, st *state, rec *recorder) (*store.PhaseCommit, error) {
	content, err := e.source.Fetch(ctx, job.Document.Locator)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, resilience.NewStructuralError(model.ReasonUndecodableDocument,
				eris.Wrapf(err, "pipeline: document %s not found", job.Document.Locator))
		}
		return nil, eris.Wrapf(err, "pipeline: fetch %s", job.Document.Locator)
	}
	sum := sha256.Sum256(content)

	name := job.Document.Name
	if name == "" {
		name = job.Document.Locator
	}
	doc, err := e.prep.Process(ctx, preprocess.Document{
		Name:     name,
		MIME:     job.Document.MIME,
		Content:  content,
		TypeHint: job.Document.TypeHint,
	})
	if err != nil {
		return nil, err
	}
	if doc.OCRApplied {
		rec.billed("", "", fmt.Sprintf("ocr via %s: %d pages", doc.OCRProvider, doc.Pages), e.costs.OCRPages(doc.Pages))
	}
	if route := e.router.RouteDocument(doc.RequiresOCR, e.prep.OCRAvailable()); doc.RequiresOCR || len(doc.Chunks) == 0 {
		return nil, resilience.NewStructuralError(model.ReasonUndecodableDocument,
			eris.Errorf("pipeline: %s has no usable text (route %s, %d chars)", name, route, doc.TextChars))
	}

	tier := e.router.TaskTier(router.TaskClassify)
	instructions := fmt.Sprintf(classifyPrompt, describeSubtypes(docschema.Subtypes()), doc.Guess.Type, doc.Guess.Confidence)
	resp, err := e.call(ctx, rec, "", capability.Request{
		Task:         router.TaskClassify,
		Instructions: instructions,
		Content:      classifySample(doc),
		Schema:       classifySchema(),
		Tier:         tier,
		MaxTokens:    256,
	})

	var ans classifyAnswer
	switch {
	case capability.IsMalformed(err):
		zap.L().Warn("pipeline: classification output malformed", zap.String("job_id", job.ID), zap.Error(err))
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(resp.Output, &ans); err != nil {
			zap.L().Warn("pipeline: classification output undecodable", zap.String("job_id", job.ID), zap.Error(err))
			ans = classifyAnswer{}
		}
	}
	ans.Confidence = model.ClampConfidence(ans.Confidence)

	class := model.Classification{
		Subtype:        ans.Subtype,
		Confidence:     ans.Confidence,
		Tier:           tier,
		HintType:       doc.Guess.Type,
		HintConfidence: doc.Guess.Confidence,
		Pages:          doc.Pages,
		Strategy:       string(doc.Strategy),
		OCRApplied:     doc.OCRApplied,
	}
	zap.L().Info("pipeline: document classified",
		zap.String("job_id", job.ID),
		zap.String("subtype", class.Subtype),
		zap.Float64("confidence", class.Confidence),
		zap.String("hint", class.HintType),
		zap.Int("pages", class.Pages),
	)

	if class.Confidence < e.classifyThreshold {
		return nil, resilience.NewStructuralError(model.ReasonClassificationUncertain,
			eris.Errorf("pipeline: classified %q at %.2f, below %.2f", class.Subtype, class.Confidence, e.classifyThreshold))
	}
	schema, ok := docschema.Lookup(class.Subtype)
	if !ok {
		return nil, resilience.NewStructuralError(model.ReasonUnknownSubtype,
			eris.Errorf("pipeline: subtype %q has no extraction schema", class.Subtype))
	}

	out, err := encodeOutput(ClassifyOutput{Classification: class, Document: doc})
	if err != nil {
		return nil, err
	}
	st.class, st.doc, st.schema = &class, doc, &schema
	return &store.PhaseCommit{
		Output:        out,
		Subtype:       class.Subtype,
		PolicyVersion: e.router.Version(),
		ContentHash:   hex.EncodeToString(sum[:]),
	}, nil
}
