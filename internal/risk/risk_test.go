package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	p := Parse("aws ec2 describe-instances --instance-ids i-123 --output json --dry-run")
	if !p.Valid {
		t.Fatalf("parse failed: %s", p.ParseError)
	}
	if p.Service != "ec2" || p.Action != "describe-instances" {
		t.Errorf("service/action = %q/%q", p.Service, p.Action)
	}
	if p.Verb != "describe" || p.ResourceType != "instances" {
		t.Errorf("verb/resource = %q/%q", p.Verb, p.ResourceType)
	}
	if p.Parameters["instance-ids"] != "i-123" {
		t.Errorf("parameters = %#v", p.Parameters)
	}
	if len(p.Targets) != 1 || p.Targets[0] != "i-123" {
		t.Errorf("targets = %#v", p.Targets)
	}
	if len(p.Flags) != 1 || p.Flags[0] != "--dry-run" {
		t.Errorf("flags = %#v", p.Flags)
	}
}

func TestParseEmpty(t *testing.T) {
	if p := Parse("   "); p.Valid {
		t.Error("empty command should be invalid")
	}
}

func TestCategoryForScore(t *testing.T) {
	cases := []struct {
		score int
		want  Category
	}{
		{0, CategoryAutoApprove}, {25, CategoryAutoApprove},
		{26, CategoryLog}, {45, CategoryLog},
		{46, CategoryConfirm}, {65, CategoryConfirm},
		{66, CategoryManual}, {85, CategoryManual},
		{86, CategoryBlock}, {100, CategoryBlock},
	}
	for _, tc := range cases {
		if got := CategoryForScore(tc.score); got != tc.want {
			t.Errorf("CategoryForScore(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestEvaluateReadVsDelete(t *testing.T) {
	s := NewScorer("", nil, nil)

	read := s.Evaluate("aws s3 ls", "list buckets for inventory", "private bot", "")
	del := s.Evaluate("aws s3api delete-bucket --bucket prod-data --force", "", "", "")

	if read.Score >= del.Score {
		t.Errorf("read score %d should be below delete score %d", read.Score, del.Score)
	}
	if del.Category == CategoryAutoApprove || del.Category == CategoryLog {
		t.Errorf("delete categorized too low: %s (%d)", del.Category, del.Score)
	}
}

func TestEvaluateFailClosedOnParseError(t *testing.T) {
	s := NewScorer("", nil, nil)
	r := s.Evaluate("", "", "", "")
	if r.Score != failClosedScore || r.Category != CategoryManual {
		t.Errorf("unparseable command should fail closed, got %d/%s", r.Score, r.Category)
	}
}

func TestEvaluateBlockedPattern(t *testing.T) {
	s := NewScorer("", nil, nil)
	rules := DefaultRules()
	rules.BlockedPatterns = []string{`iam\s+delete-user`}
	rules.compile()
	s.cached = rules
	s.cachedAt = time.Now()

	r := s.Evaluate("aws iam delete-user --user-name x", "", "", "")
	if r.Score != 100 || r.Category != CategoryBlock {
		t.Errorf("blocked pattern should score 100/block, got %d/%s", r.Score, r.Category)
	}
}

func TestEvaluateAccountSensitivity(t *testing.T) {
	s := NewScorer("", nil, nil)
	rules := DefaultRules()
	rules.AccountSensitivity = map[string]int{"111122223333": 90, "444455556666": 10}
	s.cached = rules
	s.cachedAt = time.Now()

	prod := s.Evaluate("aws ec2 stop-instances --instance-ids i-1", "maintenance window", "private bot", "111122223333")
	dev := s.Evaluate("aws ec2 stop-instances --instance-ids i-1", "maintenance window", "private bot", "444455556666")
	if prod.Score <= dev.Score {
		t.Errorf("production account should score higher: prod=%d dev=%d", prod.Score, dev.Score)
	}
}

func TestRulesFileLoading(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
version: test-1
verb_scores:
  describe: 0
  delete: 90
service_scores:
  ec2: 50
weights:
  verb: 0.4
  parameter: 0.3
  context: 0.2
  account: 0.1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewScorer(path, nil, nil)
	rules := s.Rules()
	if rules.Version != "test-1" {
		t.Errorf("version = %q, want test-1", rules.Version)
	}
	if rules.VerbScores["delete"] != 90 {
		t.Errorf("verb_scores not loaded: %#v", rules.VerbScores)
	}

	// cache holds until the TTL elapses
	if again := s.Rules(); again != rules {
		t.Error("rules should come from cache on second call")
	}
}

func TestRulesFileMissingFallsBack(t *testing.T) {
	s := NewScorer("/nonexistent/rules.yaml", nil, nil)
	if rules := s.Rules(); rules.Version != "builtin" {
		t.Errorf("missing file should fall back to builtin, got %q", rules.Version)
	}
}

func TestScanPayloadsAdminPolicy(t *testing.T) {
	cmd := `aws iam put-role-policy --role-name r --policy-document '{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}'`
	score, factors := scanPayloads(cmd, DefaultRules().TemplateRules, nil)
	if score < 95 {
		t.Errorf("admin policy should score >= 95, got %d", score)
	}
	found := false
	for _, f := range factors {
		if f.RawScore == 95 {
			found = true
		}
	}
	if !found {
		t.Errorf("admin policy factor missing: %#v", factors)
	}
}

func TestScanPayloadsHighRiskPort(t *testing.T) {
	cmd := `aws ec2 authorize-security-group-ingress --group-id sg-1 --ip-permissions '[{"IpProtocol":"tcp","FromPort":22,"ToPort":22,"IpRanges":[{"CidrIp":"0.0.0.0/0"}]}]'`
	score, _ := scanPayloads(cmd, DefaultRules().TemplateRules, nil)
	if score < 85 {
		t.Errorf("ssh open to world should score >= 85, got %d", score)
	}
}

func TestScanPayloadsExternalAccount(t *testing.T) {
	known := map[string]struct{}{"111122223333": {}}
	cmd := `aws iam create-role --role-name r --assume-role-policy-document '{"Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::999988887777:root"},"Action":"sts:AssumeRole"}]}'`
	score, _ := scanPayloads(cmd, DefaultRules().TemplateRules, known)
	if score < 80 {
		t.Errorf("external account trust should score >= 80, got %d", score)
	}

	trustedCmd := `aws iam create-role --role-name r --assume-role-policy-document '{"Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111122223333:root"},"Action":"sts:AssumeRole"}]}'`
	if score, _ := scanPayloads(trustedCmd, DefaultRules().TemplateRules, known); score >= 80 {
		t.Errorf("trusted account should not trip TP-004, got %d", score)
	}
}

func TestScanPayloadsLambdaSecrets(t *testing.T) {
	cmd := `aws lambda update-function-configuration --function-name f --environment '{"Variables":{"DB_PASSWORD":"hunter2","REGION":"us-east-1"}}'`
	score, factors := scanPayloads(cmd, DefaultRules().TemplateRules, nil)
	if score < 80 {
		t.Errorf("hardcoded secret should score >= 80, got %d (%#v)", score, factors)
	}
}

func TestScanPayloadsIgnoresFileRefs(t *testing.T) {
	cmd := `aws iam put-role-policy --role-name r --policy-document file://policy.json`
	if score, _ := scanPayloads(cmd, DefaultRules().TemplateRules, nil); score != 0 {
		t.Errorf("file:// payload should not be scanned, got %d", score)
	}
}

func TestDecide(t *testing.T) {
	base := Result{Score: 40, Category: CategoryLog}

	if v := Decide(base, 0); v.Decision != DecisionNeedsConfirmation || v.FinalScore != 40 {
		t.Errorf("neutral modifier: %+v", v)
	}
	// a matching prior query sequence pulls the score down
	if v := Decide(base, -0.25); v.FinalScore != 30 {
		t.Errorf("negative modifier: %+v", v)
	}
	// escalation with no prior context pushes it up
	if v := Decide(Result{Score: 80, Category: CategoryManual}, 0.2); v.Decision != DecisionBlocked {
		t.Errorf("escalated score should block: %+v", v)
	}
	if v := Decide(Result{Score: 90, Category: CategoryBlock}, -0.3); v.Decision != DecisionBlocked {
		t.Errorf("block category must stay blocked regardless of modifier: %+v", v)
	}
	if v := Decide(Result{Score: 10, Category: CategoryAutoApprove}, 0); v.Decision != DecisionAutoApprove {
		t.Errorf("low score should auto-approve: %+v", v)
	}
}
