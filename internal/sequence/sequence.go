// Package sequence judges a destructive command by what came before it. An
// agent that listed instances before terminating one is behaving normally;
// one that jumps straight to the delete is not. The verdict only moves the
// shadow risk score, never the static pipeline.
package sequence

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// historyWindow bounds how far back prior queries count.
const historyWindow = 30 * time.Minute

// historyLimit caps how many records one analysis reads.
const historyLimit = 100

// Modifier values applied to the base risk score.
const (
	modifierResourceMatch = -0.25
	modifierServiceMatch  = -0.15
	modifierNoQuery       = 0.20
	modifierHistoryError  = 0.15
)

// Record is one executed command in the history trail.
type Record struct {
	Source      string
	Timestamp   time.Time
	Command     string
	Service     string
	Action      string
	ResourceIDs []string
	AccountID   string
}

// Analysis is the outcome of comparing a command against recent history.
type Analysis struct {
	HasPriorQuery    bool
	RelatedCommands  []string
	RiskModifier     float64
	Reason           string
	ResourceMatch    bool
	MatchedResources []string
}

// History stores and retrieves the command trail. The store package provides
// the durable implementation.
type History interface {
	RecordCommand(ctx context.Context, rec Record) error
	RecentCommands(ctx context.Context, source string, since time.Time, limit int) ([]Record, error)
}

// Analyzer evaluates command sequences against a history trail.
type Analyzer struct {
	history History
	log     *zap.Logger
	now     func() time.Time
}

func NewAnalyzer(history History, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		history: history,
		log:     logger.Named("sequence"),
		now:     time.Now,
	}
}

// ParseAction splits a command into (service, action), folding service
// aliases so s3api and s3 share a namespace.
func ParseAction(command string) (string, string) {
	cmd := strings.TrimPrefix(strings.TrimSpace(command), "aws ")
	parts := strings.Fields(cmd)
	if len(parts) < 2 {
		return "", ""
	}
	service := parts[0]
	if canonical, ok := serviceAliases[service]; ok {
		service = canonical
	}
	return service, parts[1]
}

// ExtractResourceIDs pulls resource identifiers (instance ids, bucket names,
// function names, ...) out of a command, deduplicated.
func ExtractResourceIDs(command string) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, p := range resourcePatterns {
		m := p.re.FindStringSubmatch(command)
		if m == nil {
			continue
		}
		value := m[p.group]
		values := []string{value}
		if p.split {
			values = strings.Fields(value)
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				ids = append(ids, v)
			}
		}
	}
	return ids
}

// Record stores an executed command in the trail. Failures are logged and
// swallowed; history is advisory.
func (a *Analyzer) Record(ctx context.Context, source, command, accountID string) {
	if a.history == nil {
		return
	}
	service, action := ParseAction(command)
	rec := Record{
		Source:      source,
		Timestamp:   a.now().UTC(),
		Command:     command,
		Service:     service,
		Action:      action,
		ResourceIDs: ExtractResourceIDs(command),
		AccountID:   accountID,
	}
	if err := a.history.RecordCommand(ctx, rec); err != nil {
		a.log.Warn("command history write failed", zap.String("source", source), zap.Error(err))
	}
}

// Analyze compares a new command with the recent trail of its source.
func (a *Analyzer) Analyze(ctx context.Context, source, command string) Analysis {
	newService, newAction := ParseAction(command)

	safeQueries, dangerous := safePatterns[newAction]
	if !dangerous {
		return Analysis{
			HasPriorQuery: true,
			Reason:        "'" + newAction + "' is not a destructive action, no prior query needed",
		}
	}

	var history []Record
	var err error
	if a.history != nil {
		history, err = a.history.RecentCommands(ctx, source, a.now().Add(-historyWindow), historyLimit)
	}
	if err != nil {
		a.log.Warn("command history read failed", zap.String("source", source), zap.Error(err))
		return Analysis{
			RiskModifier: modifierHistoryError,
			Reason:       "command history unavailable, treating as unverified",
		}
	}

	newResources := map[string]struct{}{}
	for _, id := range ExtractResourceIDs(command) {
		newResources[id] = struct{}{}
	}

	relatedSet := map[string]struct{}{}
	matchedSet := map[string]struct{}{}
	serviceMatch := false
	resourceMatch := false

	for _, rec := range history {
		service := rec.Service
		if canonical, ok := serviceAliases[service]; ok {
			service = canonical
		}
		if service != newService {
			continue
		}
		if !contains(safeQueries, rec.Action) {
			continue
		}
		serviceMatch = true
		relatedSet[rec.Service+" "+rec.Action] = struct{}{}

		for _, id := range rec.ResourceIDs {
			if _, ok := newResources[id]; ok {
				resourceMatch = true
				matchedSet[id] = struct{}{}
			}
		}
	}

	related := sortedKeys(relatedSet)
	if len(related) > 5 {
		related = related[:5]
	}
	matched := sortedKeys(matchedSet)

	switch {
	case resourceMatch:
		return Analysis{
			HasPriorQuery:    true,
			RelatedCommands:  related,
			RiskModifier:     modifierResourceMatch,
			Reason:           "prior query found with matching resources: " + strings.Join(related, ", "),
			ResourceMatch:    true,
			MatchedResources: matched,
		}
	case serviceMatch:
		return Analysis{
			HasPriorQuery:   true,
			RelatedCommands: related,
			RiskModifier:    modifierServiceMatch,
			Reason:          "prior query found but resources did not match: " + strings.Join(related, ", "),
		}
	default:
		suggest := safeQueries
		if len(suggest) > 2 {
			suggest = suggest[:2]
		}
		return Analysis{
			RiskModifier: modifierNoQuery,
			Reason:       "no related prior query found (consider running: " + strings.Join(suggest, ", ") + ")",
		}
	}
}

// Modifier is the risk-scorer entry point. Analysis failures never move the
// score.
func (a *Analyzer) Modifier(ctx context.Context, source, command string) (float64, string) {
	analysis := a.Analyze(ctx, source, command)
	return analysis.RiskModifier, analysis.Reason
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
