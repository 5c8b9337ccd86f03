package model

import "time"

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusPartiallyFailed JobStatus = "partially_failed"
	JobStatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether no further processing happens without an
// explicit requeue.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Phase is one ordered stage of the extraction state machine.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseClassify  Phase = "classify"
	PhaseStructure Phase = "structural_extract"
	PhaseFields    Phase = "field_extract"
	PhaseVerify    Phase = "verify"
	PhaseEscalate  Phase = "escalate"
	PhaseNormalize Phase = "normalize"
	PhaseMap       Phase = "map"
	PhaseDone      Phase = "done"
)

// PhaseOrder lists the phases in execution order.
var PhaseOrder = []Phase{
	PhaseClassify,
	PhaseStructure,
	PhaseFields,
	PhaseVerify,
	PhaseEscalate,
	PhaseNormalize,
	PhaseMap,
}

// Index returns the position of p in PhaseOrder. PhaseNone is -1 and
// PhaseDone is len(PhaseOrder).
func (p Phase) Index() int {
	switch p {
	case PhaseNone:
		return -1
	case PhaseDone:
		return len(PhaseOrder)
	}
	for i, o := range PhaseOrder {
		if o == p {
			return i
		}
	}
	return -2
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Index() >= -1
}

// Next returns the phase that runs after p.
func (p Phase) Next() Phase {
	i := p.Index()
	if i < -1 || i+1 >= len(PhaseOrder) {
		return PhaseDone
	}
	return PhaseOrder[i+1]
}

// Before reports whether p runs strictly before o.
func (p Phase) Before(o Phase) bool {
	return p.Index() < o.Index()
}

// Failure reasons surfaced on failed and partially failed jobs.
const (
	ReasonClassificationUncertain = "classification-uncertain"
	ReasonUnknownSubtype          = "unknown-subtype"
	ReasonUndecodableDocument     = "undecodable-document"
	ReasonRetryBudgetExhausted    = "retry-budget-exhausted"
	ReasonCapabilityUnavailable   = "capability-unavailable"
	ReasonCancelled               = "cancelled"
)

// DocumentRef points at the source evidence for a job.
type DocumentRef struct {
	Locator     string `json:"locator"`
	Name        string `json:"name,omitempty"`
	MIME        string `json:"mime,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	TypeHint    string `json:"type_hint,omitempty"`
}

// ExtractionJob is one document's trip through the pipeline.
type ExtractionJob struct {
	ID              string      `json:"id"`
	Document        DocumentRef `json:"document"`
	Phase           Phase       `json:"phase"`
	Checkpoint      Phase       `json:"checkpoint"`
	Status          JobStatus   `json:"status"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	FailedPhase     Phase       `json:"failed_phase,omitempty"`
	Subtype         string      `json:"subtype,omitempty"`
	PolicyVersion   string      `json:"policy_version,omitempty"`
	TaxonomyVersion string      `json:"taxonomy_version,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	Owner           string      `json:"owner,omitempty"`
	LeaseUntil      *time.Time  `json:"lease_until,omitempty"`
	Attempt         int         `json:"attempt"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CompletedPhases returns the phases up to and including the checkpoint.
func (j *ExtractionJob) CompletedPhases() []Phase {
	n := j.Checkpoint.Index() + 1
	if n <= 0 {
		return nil
	}
	if n > len(PhaseOrder) {
		n = len(PhaseOrder)
	}
	out := make([]Phase, n)
	copy(out, PhaseOrder[:n])
	return out
}

// Classification is the persisted output of the classify phase.
type Classification struct {
	Subtype        string  `json:"subtype"`
	Confidence     float64 `json:"confidence"`
	Tier           Tier    `json:"tier"`
	HintType       string  `json:"hint_type,omitempty"`
	HintConfidence float64 `json:"hint_confidence,omitempty"`
	Pages          int     `json:"pages"`
	Strategy       string  `json:"strategy,omitempty"`
	OCRApplied     bool    `json:"ocr_applied,omitempty"`
}

// SectionLocation is one section found by structural extraction.
type SectionLocation struct {
	Name       string  `json:"name"`
	Located    bool    `json:"located"`
	Chunks     []int   `json:"chunks,omitempty"`
	Confidence float64 `json:"confidence"`
}

// StructureResult is the persisted output of the structural_extract phase.
type StructureResult struct {
	Sections []SectionLocation `json:"sections"`
}

// Section returns the named section location, if any.
func (s StructureResult) Section(name string) (SectionLocation, bool) {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return SectionLocation{Name: name}, false
}
