package questionnaire

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// MinConfidence is the lowest confidence an answer is kept at. Anything
// below it is treated as unanswered.
const MinConfidence = 0.5

// Bucket groups answers by how directly the document supports them.
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// BucketFor places a confidence: high from 0.8, medium from 0.6.
func BucketFor(confidence float64) Bucket {
	switch {
	case confidence >= 0.8:
		return BucketHigh
	case confidence >= 0.6:
		return BucketMedium
	}
	return BucketLow
}

// Answer is one question answered from the document.
type Answer struct {
	QuestionID string  `json:"question_id"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Bucket     Bucket  `json:"bucket"`
	Citation   string  `json:"citation"`
	Page       int     `json:"page,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

// Result is the filled questionnaire for one job.
type Result struct {
	JobID          string   `json:"job_id"`
	Set            string   `json:"set"`
	SetVersion     string   `json:"set_version"`
	DocumentType   string   `json:"document_type"`
	TotalQuestions int      `json:"total_questions"`
	High           int      `json:"high_confidence_count"`
	Medium         int      `json:"medium_confidence_count"`
	Low            int      `json:"low_confidence_count"`
	AvgConfidence  float64  `json:"avg_confidence"`
	Answers        []Answer `json:"answers"`
	Unanswered     []string `json:"unanswered,omitempty"`
	Calls          int      `json:"calls"`
	CostUSD        float64  `json:"cost_usd"`
}

type rawOutput struct {
	Extractions []rawAnswer `json:"extractions"`
}

type rawAnswer struct {
	QuestionID string  `json:"question_id"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Citation   string  `json:"citation"`
	Page       int     `json:"page"`
	Notes      string  `json:"extraction_notes"`
}

// Parse decodes capability output and keeps the answers that hold up
// against the set. Unknown questions, answers outside the option list,
// answers without a citation and answers below MinConfidence are dropped
// with a note saying why.
func Parse(raw json.RawMessage, set *Set) (answers []Answer, dropped []string, err error) {
	var out rawOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, eris.Wrap(err, "questionnaire: decode answers")
	}
	for _, r := range out.Extractions {
		q, ok := set.Question(r.QuestionID)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("%s: not in set", r.QuestionID))
			continue
		}
		conf := model.ClampConfidence(r.Confidence)
		if conf < MinConfidence {
			dropped = append(dropped, fmt.Sprintf("%s: confidence %.2f", q.ID, conf))
			continue
		}
		citation := strings.TrimSpace(r.Citation)
		if citation == "" {
			dropped = append(dropped, fmt.Sprintf("%s: no citation", q.ID))
			continue
		}
		value, ok := normalizeAnswer(q, r.Answer)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("%s: %q is not a valid %s answer", q.ID, r.Answer, q.Type))
			continue
		}
		answers = append(answers, Answer{
			QuestionID: q.ID,
			Answer:     value,
			Confidence: conf,
			Bucket:     BucketFor(conf),
			Citation:   citation,
			Page:       max(r.Page, 0),
			Notes:      strings.TrimSpace(r.Notes),
		})
	}
	return answers, dropped, nil
}

// normalizeAnswer puts an answer in the canonical form for its question
// type. Choice values match options case-insensitively and come back in
// option order.
func normalizeAnswer(q Question, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", false
	}
	switch q.Type {
	case TypeBoolean:
		switch strings.ToLower(answer) {
		case "true", "yes":
			return "true", true
		case "false", "no":
			return "false", true
		}
		return "", false
	case TypeSelect:
		i := optionIndex(q.Options, answer)
		if i < 0 {
			return "", false
		}
		return q.Options[i], true
	case TypeMultiSelect:
		var picked []int
		for _, part := range strings.Split(answer, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			i := optionIndex(q.Options, part)
			if i < 0 {
				return "", false
			}
			if !slices.Contains(picked, i) {
				picked = append(picked, i)
			}
		}
		if len(picked) == 0 {
			return "", false
		}
		slices.Sort(picked)
		values := make([]string, len(picked))
		for k, i := range picked {
			values[k] = q.Options[i]
		}
		return strings.Join(values, ", "), true
	}
	return answer, true
}

func optionIndex(options []string, v string) int {
	for i, o := range options {
		if strings.EqualFold(o, v) {
			return i
		}
	}
	return -1
}

// Best keeps the highest-confidence answer per question across batches,
// ordered as the set orders its questions. Ties keep the earlier batch.
func Best(set *Set, batches ...[]Answer) []Answer {
	best := make(map[string]Answer)
	for _, batch := range batches {
		for _, a := range batch {
			if cur, ok := best[a.QuestionID]; ok && cur.Confidence >= a.Confidence {
				continue
			}
			best[a.QuestionID] = a
		}
	}
	out := make([]Answer, 0, len(best))
	for _, q := range set.Questions {
		if a, ok := best[q.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Summarize counts answers per bucket and lists unanswered questions.
func Summarize(jobID, documentType string, set *Set, answers []Answer) *Result {
	res := &Result{
		JobID:          jobID,
		Set:            set.Name,
		SetVersion:     set.Version,
		DocumentType:   documentType,
		TotalQuestions: len(set.Questions),
		Answers:        answers,
	}
	answered := make(map[string]bool, len(answers))
	var sum float64
	for _, a := range answers {
		answered[a.QuestionID] = true
		sum += a.Confidence
		switch a.Bucket {
		case BucketHigh:
			res.High++
		case BucketMedium:
			res.Medium++
		default:
			res.Low++
		}
	}
	if len(answers) > 0 {
		res.AvgConfidence = sum / float64(len(answers))
	}
	for _, q := range set.Questions {
		if !answered[q.ID] {
			res.Unanswered = append(res.Unanswered, q.ID)
		}
	}
	return res
}
