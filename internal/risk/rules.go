package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParameterPattern scores a regex found anywhere in the command.
type ParameterPattern struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Score       int    `json:"score" yaml:"score"`
	Description string `json:"description" yaml:"description"`

	compiled *regexp.Regexp
}

// ContextRule adjusts the context score when its condition holds. Condition is
// one of reason_empty, reason_short, source_unknown, after_hours,
// reason_contains_keywords.
type ContextRule struct {
	Condition     string   `json:"condition" yaml:"condition"`
	ScoreModifier int      `json:"score_modifier" yaml:"score_modifier"`
	Description   string   `json:"description" yaml:"description"`
	Threshold     int      `json:"threshold" yaml:"threshold"`
	Keywords      []string `json:"keywords" yaml:"keywords"`
}

// TemplateRule binds a payload check (see payload.go) to a score.
type TemplateRule struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Check string `json:"check" yaml:"check"`
	Score int    `json:"score" yaml:"score"`
}

// Weights splits the final score across the four dimensions. They must sum
// to 1.
type Weights struct {
	Verb      float64 `json:"verb" yaml:"verb"`
	Parameter float64 `json:"parameter" yaml:"parameter"`
	Context   float64 `json:"context" yaml:"context"`
	Account   float64 `json:"account" yaml:"account"`
}

// Rules is the full scoring configuration. It loads from a YAML or JSON file
// and falls back to the built-in table.
type Rules struct {
	Version            string             `json:"version" yaml:"version"`
	VerbScores         map[string]int     `json:"verb_scores" yaml:"verb_scores"`
	ServiceScores      map[string]int     `json:"service_scores" yaml:"service_scores"`
	ParameterPatterns  []ParameterPattern `json:"parameter_patterns" yaml:"parameter_patterns"`
	DangerousFlags     map[string]int     `json:"dangerous_flags" yaml:"dangerous_flags"`
	BlockedPatterns    []string           `json:"blocked_patterns" yaml:"blocked_patterns"`
	AccountSensitivity map[string]int     `json:"account_sensitivity" yaml:"account_sensitivity"`
	ContextRules       []ContextRule      `json:"context_rules" yaml:"context_rules"`
	TemplateRules      []TemplateRule     `json:"template_rules" yaml:"template_rules"`
	KnownSources       []string           `json:"known_sources" yaml:"known_sources"`
	Weights            Weights            `json:"weights" yaml:"weights"`

	compiledBlocked []*regexp.Regexp
}

// Validate reports configuration problems. Invalid rules are still usable;
// the caller decides whether to warn or refuse.
func (r *Rules) Validate() []error {
	var errs []error
	sum := r.Weights.Verb + r.Weights.Parameter + r.Weights.Context + r.Weights.Account
	if sum < 0.99 || sum > 1.01 {
		errs = append(errs, fmt.Errorf("weights must sum to 1.0, got %.2f", sum))
	}
	for verb, score := range r.VerbScores {
		if score < 0 || score > 100 {
			errs = append(errs, fmt.Errorf("verb %q score %d out of range [0,100]", verb, score))
		}
	}
	for service, score := range r.ServiceScores {
		if score < 0 || score > 100 {
			errs = append(errs, fmt.Errorf("service %q score %d out of range [0,100]", service, score))
		}
	}
	return errs
}

// compile pre-builds the regexes. Patterns that do not compile are dropped;
// the loader logs them.
func (r *Rules) compile() []error {
	var errs []error
	r.compiledBlocked = r.compiledBlocked[:0]
	for _, p := range r.BlockedPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			errs = append(errs, fmt.Errorf("blocked pattern %q: %w", p, err))
			continue
		}
		r.compiledBlocked = append(r.compiledBlocked, re)
	}
	kept := r.ParameterPatterns[:0]
	for _, p := range r.ParameterPatterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("parameter pattern %q: %w", p.Pattern, err))
			continue
		}
		p.compiled = re
		kept = append(kept, p)
	}
	r.ParameterPatterns = kept
	return errs
}

func loadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules := &Rules{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, rules)
	} else {
		err = yaml.Unmarshal(data, rules)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if rules.Weights == (Weights{}) {
		rules.Weights = defaultWeights
	}
	return rules, nil
}

var defaultWeights = Weights{Verb: 0.40, Parameter: 0.30, Context: 0.20, Account: 0.10}

// DefaultRules is the built-in scoring table, used when no rules file is
// configured or the configured one cannot be read.
func DefaultRules() *Rules {
	r := &Rules{
		Version: "builtin",
		VerbScores: map[string]int{
			"describe": 0, "list": 0, "get": 5, "head": 5, "tail": 5,
			"filter": 5, "scan": 10, "query": 10, "lookup": 10, "batch": 15,
			"ls": 5, "cp": 30, "sync": 40, "mv": 50, "rm": 75, "rb": 85,
			"tag": 20, "untag": 25, "invoke": 35, "publish": 40, "send": 40,
			"start": 40, "stop": 50, "reboot": 45, "cancel": 40,
			"create": 60, "put": 55, "update": 55, "modify": 60, "set": 50,
			"add": 55, "register": 45, "deregister": 55, "associate": 50,
			"disassociate": 50, "attach": 65, "detach": 55, "enable": 45,
			"disable": 55, "run": 55, "restore": 50, "copy": 30,
			"authorize": 60, "revoke": 50, "remove": 70,
			"delete": 80, "terminate": 85, "schedule": 75, "purge": 80,
		},
		ServiceScores: map[string]int{
			"iam": 95, "sts": 85, "organizations": 95, "kms": 85,
			"secretsmanager": 80, "cloudformation": 70, "rds": 65,
			"route53": 65, "ec2": 60, "ssm": 60, "cloudfront": 60,
			"apigateway": 60, "apigatewayv2": 60, "lambda": 55,
			"dynamodb": 55, "ecs": 55, "elasticache": 55, "acm": 55,
			"autoscaling": 55, "elbv2": 55, "elb": 55, "s3": 50,
			"s3api": 50, "events": 50, "states": 50, "stepfunctions": 50,
			"sns": 45, "sqs": 45, "ecr": 45, "codebuild": 40,
			"codepipeline": 40, "logs": 30, "cloudwatch": 25, "ce": 15,
		},
		ParameterPatterns: []ParameterPattern{
			{Pattern: `0\.0\.0\.0/0`, Score: 50, Description: "open CIDR range"},
			{Pattern: `--grant.*uri=.*allusers`, Score: 60, Description: "grant to all users"},
			{Pattern: `arn:aws:iam::\d{12}:root`, Score: 35, Description: "account root principal"},
		},
		DangerousFlags: map[string]int{
			"--force":                25,
			"--recursive":            15,
			"--skip-final-snapshot":  30,
			"--force-delete":         30,
			"--cascade":              25,
			"--delete-all-versions":  35,
			"--permanently-delete":   35,
			"--bypass-governance-retention": 40,
		},
		BlockedPatterns: nil,
		ContextRules: []ContextRule{
			{Condition: "reason_empty", ScoreModifier: 15, Description: "no reason given"},
			{Condition: "reason_short", ScoreModifier: 10, Threshold: 10, Description: "reason too short"},
			{Condition: "source_unknown", ScoreModifier: 20, Description: "unknown request source"},
			{Condition: "after_hours", ScoreModifier: 10, Description: "outside working hours"},
		},
		TemplateRules: []TemplateRule{
			{ID: "TP-001", Name: "action wildcard", Check: "action_wildcard", Score: 90},
			{ID: "TP-002", Name: "resource wildcard", Check: "resource_wildcard", Score: 85},
			{ID: "TP-003", Name: "principal wildcard", Check: "principal_wildcard", Score: 90},
			{ID: "TP-004", Name: "external account trust", Check: "external_account_trust", Score: 80},
			{ID: "TP-005", Name: "open ingress", Check: "open_ingress", Score: 75},
			{ID: "TP-006", Name: "high risk port", Check: "high_risk_port", Score: 85},
			{ID: "TP-007", Name: "hardcoded secret", Check: "hardcoded_secret", Score: 80},
			{ID: "TP-008", Name: "admin policy", Check: "admin_policy", Score: 95},
			{ID: "TP-009", Name: "public access", Check: "public_access", Score: 85},
		},
		KnownSources: []string{"private bot", "public bot", "mcp"},
		Weights:      defaultWeights,
	}
	r.compile()
	return r
}
