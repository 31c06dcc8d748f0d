// Package risk scores AWS CLI commands across four dimensions (verb,
// parameters, context, target account) and maps the weighted total to an
// approval category. Scoring runs in shadow next to the static pipeline;
// only the block category short-circuits a request. Every error path fails
// closed to manual review.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category decides the approval flow for a score band.
type Category string

const (
	CategoryAutoApprove Category = "auto_approve" // 0-25
	CategoryLog         Category = "log"          // 26-45
	CategoryConfirm     Category = "confirm"      // 46-65
	CategoryManual      Category = "manual"       // 66-85
	CategoryBlock       Category = "block"        // 86-100
)

// failClosedScore is used whenever scoring itself fails.
const failClosedScore = 70

// rulesCacheTTL bounds how stale a loaded rules file can get.
const rulesCacheTTL = 5 * time.Minute

// Factor records where part of a score came from.
type Factor struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	RawScore      int     `json:"raw_score"`
	WeightedScore float64 `json:"weighted_score"`
	Details       string  `json:"details,omitempty"`
}

// Result is a full risk evaluation.
type Result struct {
	Score          int           `json:"score"`
	Category       Category      `json:"category"`
	Factors        []Factor      `json:"factors"`
	Recommendation string        `json:"recommendation"`
	Command        string        `json:"command"`
	RuleVersion    string        `json:"rule_version"`
	EvaluationTime time.Duration `json:"-"`
}

// CategoryForScore maps a 0-100 score to its band.
func CategoryForScore(score int) Category {
	switch {
	case score <= 25:
		return CategoryAutoApprove
	case score <= 45:
		return CategoryLog
	case score <= 65:
		return CategoryConfirm
	case score <= 85:
		return CategoryManual
	default:
		return CategoryBlock
	}
}

// Scorer evaluates commands against a rules file, reloading it at most every
// five minutes. A nil logger is replaced with a no-op one.
type Scorer struct {
	log             *zap.Logger
	rulesPath       string
	trustedAccounts map[string]struct{}
	now             func() time.Time

	mu       sync.Mutex
	cached   *Rules
	cachedAt time.Time
}

// NewScorer builds a scorer. rulesPath may be empty, in which case the
// built-in table is used. trustedAccounts feeds the external-account payload
// check.
func NewScorer(rulesPath string, trustedAccounts []string, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	trusted := make(map[string]struct{}, len(trustedAccounts))
	for _, id := range trustedAccounts {
		if id = strings.TrimSpace(id); id != "" {
			trusted[id] = struct{}{}
		}
	}
	return &Scorer{
		log:             logger.Named("risk"),
		rulesPath:       rulesPath,
		trustedAccounts: trusted,
		now:             time.Now,
	}
}

// Rules returns the active rule set, reloading the configured file when the
// cache has expired. Load failures fall back to the built-in table.
func (s *Scorer) Rules() *Rules {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.cachedAt) < rulesCacheTTL {
		return s.cached
	}

	rules := DefaultRules()
	if s.rulesPath != "" {
		loaded, err := loadRulesFile(s.rulesPath)
		if err != nil {
			s.log.Warn("risk rules load failed, using builtin table",
				zap.String("path", s.rulesPath), zap.Error(err))
		} else {
			for _, cerr := range loaded.compile() {
				s.log.Warn("risk rule dropped", zap.Error(cerr))
			}
			for _, verr := range loaded.Validate() {
				s.log.Warn("risk rules validation", zap.Error(verr))
			}
			rules = loaded
		}
	}

	s.cached = rules
	s.cachedAt = s.now()
	return rules
}

// Evaluate scores a command. It never returns an error: anything that goes
// wrong yields the fail-closed manual result.
func (s *Scorer) Evaluate(command, reason, source, accountID string) Result {
	start := time.Now()
	rules := s.Rules()

	parsed := Parse(command)
	if !parsed.Valid {
		return failClosed(command, rules.Version, "failed to parse command: "+parsed.ParseError, start)
	}

	verbScore, verbFactors := scoreVerb(parsed, rules)
	if verbScore >= 100 {
		return Result{
			Score:          100,
			Category:       CategoryBlock,
			Factors:        verbFactors,
			Recommendation: recommendation(100, CategoryBlock, verbFactors),
			Command:        command,
			RuleVersion:    rules.Version,
			EvaluationTime: time.Since(start),
		}
	}

	paramScore, paramFactors := s.scoreParameters(parsed, rules)
	contextScore, contextFactors := scoreContext(reason, source, rules, s.now())
	accountScore, accountFactors := scoreAccount(accountID, rules)

	w := rules.Weights
	score := int(float64(verbScore)*w.Verb +
		float64(paramScore)*w.Parameter +
		float64(contextScore)*w.Context +
		float64(accountScore)*w.Account)
	score = clampScore(score)
	category := CategoryForScore(score)

	factors := make([]Factor, 0, len(verbFactors)+len(paramFactors)+len(contextFactors)+len(accountFactors))
	for _, group := range [][]Factor{verbFactors, paramFactors, contextFactors, accountFactors} {
		factors = append(factors, group...)
	}
	for i := range factors {
		switch factors[i].Category {
		case "verb":
			factors[i].WeightedScore = float64(factors[i].RawScore) * w.Verb
		case "parameter":
			factors[i].WeightedScore = float64(factors[i].RawScore) * w.Parameter
		case "context":
			factors[i].WeightedScore = float64(factors[i].RawScore) * w.Context
		case "account":
			factors[i].WeightedScore = float64(factors[i].RawScore) * w.Account
		}
	}

	return Result{
		Score:          score,
		Category:       category,
		Factors:        factors,
		Recommendation: recommendation(score, category, factors),
		Command:        command,
		RuleVersion:    rules.Version,
		EvaluationTime: time.Since(start),
	}
}

func failClosed(command, version, detail string, start time.Time) Result {
	return Result{
		Score:    failClosedScore,
		Category: CategoryManual,
		Factors: []Factor{{
			Name:          "scoring error",
			Category:      "error",
			RawScore:      failClosedScore,
			WeightedScore: failClosedScore,
			Details:       detail,
		}},
		Recommendation: "risk evaluation failed, manual review required",
		Command:        command,
		RuleVersion:    version,
		EvaluationTime: time.Since(start),
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// scoreVerb combines verb (60%) and service sensitivity (40%). A blocked
// pattern match wins outright with 100.
func scoreVerb(parsed ParsedCommand, rules *Rules) (int, []Factor) {
	lower := strings.ToLower(parsed.Original)
	for i, re := range rules.compiledBlocked {
		if re.MatchString(lower) {
			return 100, []Factor{{
				Name:     "blocked pattern: " + rules.BlockedPatterns[i],
				Category: "verb",
				RawScore: 100,
				Details:  "command matches blocked pattern",
			}}
		}
	}

	verbScore, ok := rules.VerbScores[parsed.Verb]
	if !ok {
		verbScore = 50 // unknown verbs score like mutations
	}
	serviceScore, ok := rules.ServiceScores[parsed.Service]
	if !ok {
		serviceScore = 40
	}

	factors := []Factor{
		{Name: "verb: " + parsed.Verb, Category: "verb", RawScore: verbScore},
		{Name: "service: " + parsed.Service, Category: "verb", RawScore: serviceScore},
	}
	return int(float64(verbScore)*0.6 + float64(serviceScore)*0.4), factors
}

// scoreParameters takes the highest matching pattern score plus the sum of
// dangerous-flag scores, then folds in payload scanning.
func (s *Scorer) scoreParameters(parsed ParsedCommand, rules *Rules) (int, []Factor) {
	var factors []Factor
	maxPattern := 0
	flagTotal := 0

	lower := strings.ToLower(parsed.Original)
	for _, p := range rules.ParameterPatterns {
		if p.compiled != nil && p.compiled.MatchString(lower) {
			factors = append(factors, Factor{
				Name:     "parameter pattern: " + p.Description,
				Category: "parameter",
				RawScore: p.Score,
				Details:  "matched pattern: " + p.Pattern,
			})
			if p.Score > maxPattern {
				maxPattern = p.Score
			}
		}
	}
	for _, flag := range parsed.Flags {
		if score, ok := rules.DangerousFlags[strings.ToLower(flag)]; ok {
			factors = append(factors, Factor{
				Name:     "dangerous flag: " + flag,
				Category: "parameter",
				RawScore: score,
			})
			flagTotal += score
		}
	}

	templateScore, templateFactors := scanPayloads(parsed.Original, rules.TemplateRules, s.trustedAccounts)
	factors = append(factors, templateFactors...)
	if templateScore > maxPattern {
		maxPattern = templateScore
	}

	if len(factors) == 0 {
		factors = append(factors, Factor{
			Name:     "no risky parameters detected",
			Category: "parameter",
			RawScore: 20,
		})
		return 20, factors
	}
	combined := maxPattern + flagTotal
	if combined > 100 {
		combined = 100
	}
	return combined, factors
}

func scoreContext(reason, source string, rules *Rules, now time.Time) (int, []Factor) {
	reasonLower := strings.ToLower(strings.TrimSpace(reason))
	sourceLower := strings.ToLower(strings.TrimSpace(source))

	base := 30
	for _, known := range rules.KnownSources {
		if strings.Contains(sourceLower, known) {
			base = 20
			break
		}
	}

	var factors []Factor
	modifier := 0
	for _, rule := range rules.ContextRules {
		matched := false
		switch rule.Condition {
		case "reason_empty":
			matched = reasonLower == ""
		case "reason_short":
			threshold := rule.Threshold
			if threshold == 0 {
				threshold = 10
			}
			matched = reasonLower != "" && len(reasonLower) < threshold
		case "source_unknown":
			matched = sourceLower == "" || sourceLower == "unknown"
		case "after_hours":
			hour := now.UTC().Hour()
			matched = hour >= 22 || hour < 6
		case "reason_contains_keywords":
			for _, kw := range rule.Keywords {
				if strings.Contains(reasonLower, kw) {
					matched = true
					break
				}
			}
		}
		if matched {
			abs := rule.ScoreModifier
			if abs < 0 {
				abs = -abs
			}
			factors = append(factors, Factor{
				Name:     rule.Description,
				Category: "context",
				RawScore: abs,
				Details:  fmt.Sprintf("condition %q matched, modifier %+d", rule.Condition, rule.ScoreModifier),
			})
			modifier += rule.ScoreModifier
		}
	}

	score := clampScore(base + modifier)
	if len(factors) == 0 {
		factors = append(factors, Factor{
			Name:     "default context score",
			Category: "context",
			RawScore: base,
		})
	}
	return score, factors
}

func scoreAccount(accountID string, rules *Rules) (int, []Factor) {
	if score, ok := rules.AccountSensitivity[accountID]; ok {
		return score, []Factor{{
			Name:     "account sensitivity: " + accountID,
			Category: "account",
			RawScore: score,
		}}
	}
	const defaultScore = 40
	return defaultScore, []Factor{{
		Name:     "unconfigured account: " + accountID,
		Category: "account",
		RawScore: defaultScore,
		Details:  "default sensitivity",
	}}
}

func recommendation(score int, category Category, factors []Factor) string {
	var msg string
	switch category {
	case CategoryAutoApprove:
		msg = fmt.Sprintf("low risk (%d), eligible for auto-approval", score)
	case CategoryLog:
		msg = fmt.Sprintf("low risk (%d), auto-approve with detailed logging", score)
	case CategoryConfirm:
		msg = fmt.Sprintf("medium risk (%d), approve after confirming the reason", score)
	case CategoryManual:
		msg = fmt.Sprintf("high risk (%d), manual review required", score)
	case CategoryBlock:
		msg = fmt.Sprintf("dangerous (%d), reject", score)
	default:
		msg = fmt.Sprintf("risk score %d", score)
	}

	var top []string
	for _, f := range factors {
		if f.RawScore >= 60 {
			top = append(top, f.Name)
			if len(top) == 3 {
				break
			}
		}
	}
	if len(top) > 0 {
		msg += "; main factors: " + strings.Join(top, ", ")
	}
	return msg
}
