package preprocess

import (
	"sort"
	"strings"
)

// Document types recognised by the keyword classifier.
const (
	TypeSOC2        = "soc2"
	TypeISO27001    = "iso27001"
	TypeCertificate = "certificate"
	TypePolicy      = "policy"
	TypeOther       = "other"
)

// TypeGuess is a best-effort document type with a confidence in [0,1].
type TypeGuess struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type keyword struct {
	term   string
	weight float64
}

var typeKeywords = map[string][]keyword{
	TypeSOC2: {
		{"soc 2", 3}, {"soc2", 3}, {"service organization", 2}, {"trust services criteria", 3},
		{"independent service auditor", 3}, {"type ii", 1}, {"type 2", 1},
		{"complementary user entity controls", 2}, {"subservice organization", 1},
	},
	TypeISO27001: {
		{"iso/iec 27001", 3}, {"iso 27001", 3}, {"statement of applicability", 3},
		{"annex a", 2}, {"certification body", 1}, {"information security management system", 2},
	},
	TypeCertificate: {
		{"certificate of", 2}, {"hereby certif", 2}, {"attestation of compliance", 3},
		{"pci dss", 2}, {"valid until", 2}, {"certificate number", 2},
	},
	TypePolicy: {
		{"policy", 1}, {"purpose", 1}, {"roles and responsibilities", 2},
		{"approved by", 1}, {"revision history", 2}, {"policy owner", 2}, {"effective date", 1},
	},
}

// hintBonus rewards agreement with the submitter's declared type.
const hintBonus = 3

// GuessType scores the text against per-type keyword lists. A declared hint
// adds a bonus but never overrides strong contrary evidence.
func GuessType(pages []string, hint string) TypeGuess {
	text := strings.ToLower(strings.Join(pages, "\n"))
	hint = normalizeHint(hint)

	type scored struct {
		typ   string
		score float64
	}
	var scores []scored
	for typ, kws := range typeKeywords {
		s := 0.0
		for _, kw := range kws {
			if strings.Contains(text, kw.term) {
				s += kw.weight
			}
		}
		if typ == hint {
			s += hintBonus
		}
		scores = append(scores, scored{typ, s})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].typ < scores[j].typ
	})

	best, second := scores[0], scores[1]
	if best.score == 0 {
		return TypeGuess{Type: TypeOther}
	}
	margin := best.score / (best.score + second.score)
	strength := best.score / 8
	if strength > 1 {
		strength = 1
	}
	return TypeGuess{Type: best.typ, Confidence: margin * strength}
}

func normalizeHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	h = strings.NewReplacer(" ", "", "_", "", "-", "", "/", "").Replace(h)
	switch {
	case strings.HasPrefix(h, "soc2"), strings.HasPrefix(h, "auditreport"):
		return TypeSOC2
	case strings.Contains(h, "27001"):
		return TypeISO27001
	case strings.HasPrefix(h, "cert"):
		return TypeCertificate
	case strings.HasPrefix(h, "polic"):
		return TypePolicy
	}
	return ""
}
