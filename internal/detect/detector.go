// Package detect identifies the issuing bank of a document by scoring its
// leading text fragments against every known template.
package detect

import (
	"regexp"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

// Unknown is returned when no template scores at or above the acceptance
// threshold. Detection never fails hard; callers decide how to proceed.
const Unknown = "UNKNOWN"

// Scorer weights and acceptance threshold.
const (
	weightKeywords  = 0.4
	weightHeader    = 0.4
	weightStructure = 0.2

	// AcceptThreshold is the minimum weighted score for a positive match.
	AcceptThreshold = 0.7

	// prefixFragments bounds how much of the document detection reads.
	prefixFragments = 40
)

var amountPattern = regexp.MustCompile(`[\d,]+\.\d{2}`)

type profile struct {
	code          string
	keywords      []string
	headerRE      *regexp.Regexp
	accountMarker string
	specificity   int
	declOrder     int
}

// Detector scores documents against the loaded template set. Build one per
// template-set version; it is immutable and safe for concurrent use.
type Detector struct {
	profiles []profile
}

// New builds detection profiles from every template that declares
// detection keywords. Base layers without keywords are not candidates.
func New(store *config.Store) (*Detector, error) {
	d := &Detector{}
	for _, code := range store.Codes() {
		eff, err := store.Load(code)
		if err != nil {
			return nil, err
		}
		if len(eff.Detection.Keywords) == 0 {
			continue
		}
		p := profile{
			code:          eff.Code,
			keywords:      eff.Detection.Keywords,
			accountMarker: eff.AccountInfo.StartMarker,
			specificity:   config.SpecificityRank(eff.Specificity),
			declOrder:     store.DeclarationOrder(code),
		}
		if eff.Table.StartMarker != "" {
			// Validated at template load; compile cannot fail here.
			p.headerRE = regexp.MustCompile(eff.Table.StartMarker)
		}
		d.profiles = append(d.profiles, p)
	}
	return d, nil
}

// Detect scores the document prefix against every profile and returns the
// best bank code with its confidence. Scores below the acceptance
// threshold yield (Unknown, score) rather than an error. Ties break by
// template specificity, then by template declaration order, so the result
// is deterministic.
func (d *Detector) Detect(frags []models.TextFragment) (string, float64) {
	prefix := make([]models.TextFragment, len(frags))
	copy(prefix, frags)
	models.SortFragments(prefix)
	if len(prefix) > prefixFragments {
		prefix = prefix[:prefixFragments]
	}

	lines := make([]string, len(prefix))
	for i, f := range prefix {
		lines[i] = f.Text
	}
	combined := strings.ToLower(strings.Join(lines, "\n"))

	bestScore := 0.0
	bestIdx := -1
	for i := range d.profiles {
		p := &d.profiles[i]
		score := weightKeywords*keywordScore(combined, lines, p.keywords) +
			weightHeader*headerScore(lines, p.headerRE) +
			weightStructure*structureScore(combined, lines, p.accountMarker)

		better := score > bestScore
		if score == bestScore && bestIdx >= 0 {
			best := &d.profiles[bestIdx]
			if p.specificity < best.specificity ||
				(p.specificity == best.specificity && p.declOrder < best.declOrder) {
				better = true
			}
		}
		if better || bestIdx < 0 {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 || bestScore < AcceptThreshold {
		return Unknown, bestScore
	}
	return d.profiles[bestIdx].code, bestScore
}

// keywordScore is the fraction of declared keywords found in the prefix.
// An exact (case-folded) substring counts fully; a fuzzy line match counts
// half, which catches spread or lightly garbled extractions.
func keywordScore(combined string, lines []string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0.0
	for _, kw := range keywords {
		if strings.Contains(combined, strings.ToLower(kw)) {
			hits++
			continue
		}
		for _, line := range lines {
			if fuzzy.MatchNormalizedFold(kw, line) {
				hits += 0.5
				break
			}
		}
	}
	score := hits / float64(len(keywords))
	if score > 1 {
		score = 1
	}
	return score
}

func headerScore(lines []string, re *regexp.Regexp) float64 {
	if re == nil {
		return 0
	}
	for _, line := range lines {
		if re.MatchString(line) {
			return 1
		}
	}
	return 0
}

// structureScore is a coarse heuristic over document shape: the template's
// account-info marker, amount-formatted numbers, and enough line density
// to plausibly be a statement.
func structureScore(combined string, lines []string, accountMarker string) float64 {
	score := 0.0
	if accountMarker != "" && strings.Contains(combined, strings.ToLower(accountMarker)) {
		score += 0.5
	}
	for _, line := range lines {
		if amountPattern.MatchString(line) {
			score += 0.3
			break
		}
	}
	if len(lines) >= 10 {
		score += 0.2
	}
	return score
}
