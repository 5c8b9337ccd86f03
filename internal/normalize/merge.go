package normalize

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// KeyFunc returns the identifying field names for an entity type. A nil
// result keys the entity by type alone, so singletons such as the report
// collapse into one record.
type KeyFunc func(model.EntityType) []string

// Result is the canonical entity set plus the near-matches left for a human.
type Result struct {
	Entities []model.ExtractedEntity
	Reviews  []model.ReviewItem
	// Merged counts entities folded into another.
	Merged int
}

// Normalizer merges duplicate entities.
type Normalizer struct {
	aliases Aliases
}

// New returns a Normalizer using aliases. A nil table disables alias
// resolution.
func New(aliases Aliases) *Normalizer {
	return &Normalizer{aliases: aliases}
}

// Key is the canonical identity of an entity.
type Key struct {
	Type       model.EntityType
	Identifier string
}

// unidentified prefixes the ordinal identifier given to entities whose key
// fields are all empty.
const unidentified = "unidentified-"

// Key computes the canonical identity of e. Control ids in key fields are
// written back as their canonical form. An entity whose key fields are all
// empty has no identity and gets an empty Identifier.
func (n *Normalizer) Key(e *model.ExtractedEntity, keys KeyFunc) Key {
	names := keys(e.Type)
	if len(names) == 0 {
		return Key{Type: e.Type, Identifier: string(e.Type)}
	}
	parts := make([]string, 0, len(names))
	found := false
	for _, name := range names {
		f, ok := e.Field(name)
		if !ok || !f.HasValue() {
			parts = append(parts, "")
			continue
		}
		id := n.aliases.Identifier(e.Type, name, f.Value())
		if canon, ok := ControlID(f.Value()); ok && strings.HasSuffix(name, "control_id") {
			f.NormalizedValue = canon
		}
		parts = append(parts, id)
		found = found || id != ""
	}
	if !found {
		return Key{Type: e.Type}
	}
	return Key{Type: e.Type, Identifier: strings.Join(parts, "|")}
}

// Normalize collapses entities whose keys match exactly. Conflicting field
// values resolve to the higher confidence; equal confidences keep both
// values as alternates and put the field in review. Near matches are never
// merged and produce an ambiguous_match review instead. Entities with no
// key value are never merged: each gets an ordinal identifier within its
// type and a not_located review.
func (n *Normalizer) Normalize(jobID string, entities []model.ExtractedEntity, keys KeyFunc) Result {
	groups := make(map[Key]*model.ExtractedEntity)
	var order []Key
	var res Result
	anon := make(map[model.EntityType]int)
	now := time.Now().UTC()

	for i := range entities {
		e := cloneEntity(entities[i])
		k := n.Key(&e, keys)
		if k.Identifier == "" {
			anon[e.Type]++
			k.Identifier = fmt.Sprintf("%s%d", unidentified, anon[e.Type])
			res.Reviews = append(res.Reviews, model.ReviewItem{
				ID:         uuid.NewString(),
				JobID:      jobID,
				EntityID:   e.ID,
				FieldPath:  string(e.Type) + "." + strings.Join(keys(e.Type), "|"),
				Reason:     model.ReasonNotLocated,
				Detail:     fmt.Sprintf("%s has no %s; kept as %s", e.Type, strings.Join(keys(e.Type), ", "), k.Identifier),
				Confidence: e.Confidence(),
				CreatedAt:  now,
			})
		}
		if e.RawIdentifier == "" {
			e.RawIdentifier = e.Identifier
		}
		e.Identifier = k.Identifier
		if e.Type == model.EntityControl {
			deriveCategory(&e)
		}
		if existing, ok := groups[k]; ok {
			mergeInto(existing, e)
			res.Merged++
			continue
		}
		groups[k] = &e
		order = append(order, k)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Type != order[j].Type {
			return order[i].Type < order[j].Type
		}
		return order[i].Identifier < order[j].Identifier
	})

	res.Entities = make([]model.ExtractedEntity, 0, len(order))
	for _, k := range order {
		res.Entities = append(res.Entities, *groups[k])
	}
	res.Reviews = append(res.Reviews, nearMatches(jobID, res.Entities)...)
	return res
}

func cloneEntity(e model.ExtractedEntity) model.ExtractedEntity {
	e.Fields = slices.Clone(e.Fields)
	for i := range e.Fields {
		e.Fields[i].Alternates = slices.Clone(e.Fields[i].Alternates)
	}
	e.Sources = slices.Clone(e.Sources)
	e.MergedFrom = slices.Clone(e.MergedFrom)
	return e
}

// deriveCategory fills an empty tsc_category from the control id.
func deriveCategory(e *model.ExtractedEntity) {
	id, ok := e.Field("control_id")
	if !ok {
		return
	}
	cat := TSCCategory(id.Value())
	if cat == "" {
		return
	}
	if f, ok := e.Field("tsc_category"); ok {
		if !f.HasValue() {
			f.NormalizedValue = cat
			f.Confidence = id.Confidence
			f.Absent = false
		}
		return
	}
	derived := *id
	derived.ID = uuid.NewString()
	derived.Name = "tsc_category"
	derived.Path = strings.TrimSuffix(id.Path, "control_id") + "tsc_category"
	derived.RawValue = ""
	derived.NormalizedValue = cat
	derived.Alternates = nil
	e.Fields = append(e.Fields, derived)
}

func mergeInto(dst *model.ExtractedEntity, src model.ExtractedEntity) {
	dst.MergedFrom = append(dst.MergedFrom, src.ID)
	dst.MergedFrom = append(dst.MergedFrom, src.MergedFrom...)
	for _, loc := range src.Sources {
		if !slices.Contains(dst.Sources, loc) {
			dst.Sources = append(dst.Sources, loc)
		}
	}
	for _, sf := range src.Fields {
		df, ok := dst.Field(sf.Name)
		switch {
		case !ok:
			dst.Fields = append(dst.Fields, sf)
		case !df.HasValue() && sf.HasValue():
			*df = sf
		case !sf.HasValue():
			continue
		case Fold(df.Value()) == Fold(sf.Value()):
			if sf.Confidence > df.Confidence {
				*df = keepAlternates(sf, df.Alternates)
			}
		case sf.Confidence > df.Confidence:
			loser := df.Value()
			*df = keepAlternates(sf, df.Alternates)
			addAlternate(df, loser)
		case sf.Confidence < df.Confidence:
			addAlternate(df, sf.Value())
		default:
			addAlternate(df, df.Value())
			addAlternate(df, sf.Value())
			df.Status = model.FieldStatusInReview
			df.ReviewReason = model.ReasonMergeConflict
		}
	}
}

func keepAlternates(f model.ExtractedField, prior []string) model.ExtractedField {
	for _, a := range prior {
		addAlternate(&f, a)
	}
	return f
}

func addAlternate(f *model.ExtractedField, v string) {
	if v == "" || slices.Contains(f.Alternates, v) {
		return
	}
	f.Alternates = append(f.Alternates, v)
}

// nearMatches flags pairs of distinct entities of the same type whose
// identifiers agree once separators are removed, or where one name is a
// prefix of the other.
func nearMatches(jobID string, entities []model.ExtractedEntity) []model.ReviewItem {
	var out []model.ReviewItem
	now := time.Now().UTC()
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			if a.Type != b.Type || a.Identifier == b.Identifier || !near(a, b) {
				continue
			}
			out = append(out, model.ReviewItem{
				ID:         uuid.NewString(),
				JobID:      jobID,
				EntityID:   b.ID,
				Reason:     model.ReasonAmbiguousMatch,
				Detail:     fmt.Sprintf("%s %q may duplicate %q", a.Type, b.Identifier, a.Identifier),
				Confidence: min(a.Confidence(), b.Confidence()),
				Candidates: []string{a.Identifier, b.Identifier},
				CreatedAt:  now,
			})
		}
	}
	return out
}

func near(a, b model.ExtractedEntity) bool {
	if strings.HasPrefix(a.Identifier, unidentified) || strings.HasPrefix(b.Identifier, unidentified) {
		return false
	}
	la, lb := loose(a.Identifier), loose(b.Identifier)
	if la == "" || lb == "" {
		return false
	}
	if la == lb {
		return true
	}
	if a.Type == model.EntityControl {
		return false
	}
	short, long := la, lb
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= 4 && (strings.HasPrefix(long, short) || strings.HasSuffix(long, short))
}
