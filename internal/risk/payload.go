package risk

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Payload scanning inspects inline JSON documents (policies, ip-permissions,
// Lambda environments) carried by the command and scores structural risks
// plain regexes cannot see. Extraction failures are ignored; only findings
// affect the score.

// scanParameters are the CLI arguments whose values carry scannable JSON.
var scanParameters = []string{
	"--policy-document",
	"--assume-role-policy-document",
	"--policy",
	"--ip-permissions",
	"--template-body",
	"--cli-input-json",
	"--environment",
}

var highRiskPorts = []int{22, 3389, 3306, 1433, 5432, 27017}

var secretKeyRe = regexp.MustCompile(`(?i)(SECRET|PASSWORD|PASSWD|TOKEN|API_KEY|APIKEY|PRIVATE_KEY|ACCESS_KEY)`)

var principalAccountRe = regexp.MustCompile(`arn:aws:iam::(\d{12}):`)

type payloadFinding struct {
	description string
}

type payloadCheck func(payload any, knownAccounts map[string]struct{}) *payloadFinding

// checkRegistry maps rule check names to functions and the parameters each
// applies to.
var checkRegistry = map[string]struct {
	fn     payloadCheck
	params map[string]struct{}
}{
	"action_wildcard":        {checkActionWildcard, policyParams},
	"resource_wildcard":      {checkResourceWildcard, policyParams},
	"principal_wildcard":     {checkPrincipalWildcard, policyParams},
	"external_account_trust": {checkExternalAccountTrust, policyParams},
	"open_ingress":           {checkOpenIngress, ingressParams},
	"high_risk_port":         {checkHighRiskPort, ingressParams},
	"hardcoded_secret":       {checkHardcodedSecret, environmentParams},
	"admin_policy":           {checkAdminPolicy, policyParams},
	"public_access":          {checkPublicAccess, policyParams},
}

var (
	policyParams = map[string]struct{}{
		"--policy-document": {}, "--assume-role-policy-document": {},
		"--policy": {}, "--cli-input-json": {}, "--template-body": {},
	}
	ingressParams = map[string]struct{}{
		"--ip-permissions": {}, "--cli-input-json": {}, "--template-body": {},
	}
	environmentParams = map[string]struct{}{
		"--environment": {}, "--cli-input-json": {}, "--template-body": {},
	}
)

// scanPayloads runs the template rules against every JSON payload found in
// the command and returns the highest score plus the factors.
func scanPayloads(command string, rules []TemplateRule, knownAccounts map[string]struct{}) (int, []Factor) {
	if command == "" || len(rules) == 0 {
		return 0, nil
	}

	var factors []Factor
	maxScore := 0
	for _, param := range scanParameters {
		for _, payload := range extractParamJSON(command, param) {
			for _, rule := range rules {
				reg, ok := checkRegistry[rule.Check]
				if !ok {
					continue
				}
				if _, applies := reg.params[param]; !applies {
					continue
				}
				finding := reg.fn(payload, knownAccounts)
				if finding == nil {
					continue
				}
				factors = append(factors, Factor{
					Name:     "template: " + rule.Name,
					Category: "parameter",
					RawScore: rule.Score,
					Details:  fmt.Sprintf("[%s] %s (param: %s)", rule.ID, finding.description, param),
				})
				if rule.Score > maxScore {
					maxScore = rule.Score
				}
			}
		}
	}
	return maxScore, factors
}

// extractParamJSON finds every occurrence of the parameter and parses the
// JSON value that follows. file:// values are skipped; those commands are
// already rejected upstream.
func extractParamJSON(command, param string) []any {
	var results []any
	for idx := strings.Index(command, param); idx != -1; {
		after := strings.TrimLeft(command[idx+len(param):], " \t")
		if after != "" && !strings.HasPrefix(after, "file://") {
			if jsonStr := extractJSONString(after); jsonStr != "" {
				var parsed any
				if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil {
					switch parsed.(type) {
					case map[string]any, []any:
						results = append(results, parsed)
					}
				}
			}
		}
		next := strings.Index(command[idx+len(param):], param)
		if next == -1 {
			break
		}
		idx += len(param) + next
	}
	return results
}

func extractJSONString(text string) string {
	if text == "" {
		return ""
	}
	switch text[0] {
	case '\'':
		if end := findClosingQuote(text, '\''); end > 0 {
			return text[1:end]
		}
	case '"':
		if len(text) > 1 && (text[1] == '{' || text[1] == '[') {
			if end := findClosingQuote(text, '"'); end > 0 {
				return text[1:end]
			}
		}
	case '{':
		return extractBalanced(text, '{', '}')
	case '[':
		return extractBalanced(text, '[', ']')
	}
	return ""
}

func findClosingQuote(text string, quote byte) int {
	for i := 1; i < len(text); i++ {
		if text[i] == '\\' {
			i++
			continue
		}
		if text[i] == quote {
			return i
		}
	}
	return -1
}

func extractBalanced(text string, open, close byte) string {
	depth := 0
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[:i+1]
			}
		}
	}
	return ""
}

// Policy statement helpers. Policies arrive as generic JSON; keys are
// matched case-tolerantly because CLI users write both spellings.

func iterStatements(payload any) []map[string]any {
	doc, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	raw := doc["Statement"]
	var out []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		out = append(out, v)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func statementField(stmt map[string]any, key string) any {
	if v, ok := stmt[key]; ok {
		return v
	}
	return stmt[strings.ToLower(key)]
}

func isWildcard(value any) bool {
	if value == "*" {
		return true
	}
	if list, ok := value.([]any); ok && len(list) == 1 && list[0] == "*" {
		return true
	}
	return false
}

func checkActionWildcard(payload any, _ map[string]struct{}) *payloadFinding {
	for _, stmt := range iterStatements(payload) {
		if isWildcard(statementField(stmt, "Action")) {
			return &payloadFinding{description: "IAM policy contains Action:*"}
		}
	}
	return nil
}

func checkResourceWildcard(payload any, _ map[string]struct{}) *payloadFinding {
	for _, stmt := range iterStatements(payload) {
		if isWildcard(statementField(stmt, "Resource")) {
			return &payloadFinding{description: "IAM policy contains Resource:*"}
		}
	}
	return nil
}

func principalWildcard(principal any) bool {
	if principal == "*" {
		return true
	}
	if m, ok := principal.(map[string]any); ok {
		aws := m["AWS"]
		if aws == nil {
			aws = m["aws"]
		}
		return isWildcard(aws)
	}
	return false
}

func checkPrincipalWildcard(payload any, _ map[string]struct{}) *payloadFinding {
	for _, stmt := range iterStatements(payload) {
		if principalWildcard(statementField(stmt, "Principal")) {
			return &payloadFinding{description: "policy contains Principal:*"}
		}
	}
	return nil
}

func principalArns(principal any) []string {
	var arns []string
	switch v := principal.(type) {
	case string:
		arns = append(arns, v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				arns = append(arns, s)
			}
		}
	case map[string]any:
		for _, key := range []string{"AWS", "aws", "Service", "Federated"} {
			switch val := v[key].(type) {
			case string:
				arns = append(arns, val)
			case []any:
				for _, item := range val {
					if s, ok := item.(string); ok {
						arns = append(arns, s)
					}
				}
			}
		}
	}
	return arns
}

func checkExternalAccountTrust(payload any, knownAccounts map[string]struct{}) *payloadFinding {
	if len(knownAccounts) == 0 {
		return nil
	}
	for _, stmt := range iterStatements(payload) {
		for _, arn := range principalArns(statementField(stmt, "Principal")) {
			if m := principalAccountRe.FindStringSubmatch(arn); m != nil {
				if _, ok := knownAccounts[m[1]]; !ok {
					return &payloadFinding{
						description: "trust policy references external account " + m[1],
					}
				}
			}
		}
	}
	return nil
}

func ipPermissions(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if perms, ok := v["IpPermissions"].([]any); ok {
			var out []map[string]any
			for _, item := range perms {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		for _, key := range []string{"FromPort", "ToPort", "IpRanges", "IpProtocol"} {
			if _, ok := v[key]; ok {
				return []map[string]any{v}
			}
		}
	}
	return nil
}

func permOpenToWorld(perm map[string]any) bool {
	if ranges, ok := perm["IpRanges"].([]any); ok {
		for _, item := range ranges {
			if m, ok := item.(map[string]any); ok && m["CidrIp"] == "0.0.0.0/0" {
				return true
			}
		}
	}
	if ranges, ok := perm["Ipv6Ranges"].([]any); ok {
		for _, item := range ranges {
			if m, ok := item.(map[string]any); ok && m["CidrIpv6"] == "::/0" {
				return true
			}
		}
	}
	return false
}

func checkOpenIngress(payload any, _ map[string]struct{}) *payloadFinding {
	for _, perm := range ipPermissions(payload) {
		if permOpenToWorld(perm) {
			return &payloadFinding{description: "security group allows ingress from anywhere"}
		}
	}
	return nil
}

func checkHighRiskPort(payload any, _ map[string]struct{}) *payloadFinding {
	for _, perm := range ipPermissions(payload) {
		from, _ := perm["FromPort"].(float64)
		to, _ := perm["ToPort"].(float64)

		var exposed []int
		for _, port := range highRiskPorts {
			if float64(port) >= from && float64(port) <= to {
				exposed = append(exposed, port)
			}
		}
		if len(exposed) == 0 || !permOpenToWorld(perm) {
			continue
		}
		sort.Ints(exposed)
		parts := make([]string, len(exposed))
		for i, p := range exposed {
			parts[i] = fmt.Sprint(p)
		}
		return &payloadFinding{
			description: "security group exposes port(s) " + strings.Join(parts, ", ") + " to the world",
		}
	}
	return nil
}

func checkHardcodedSecret(payload any, _ map[string]struct{}) *payloadFinding {
	doc, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	vars, ok := doc["Variables"].(map[string]any)
	if !ok {
		vars, ok = doc["variables"].(map[string]any)
	}
	if !ok {
		// bare key-value map, but not a policy document
		for _, key := range []string{"Statement", "Version", "Effect"} {
			if _, isPolicy := doc[key]; isPolicy {
				return nil
			}
		}
		vars = doc
	}

	var suspicious []string
	for key := range vars {
		if secretKeyRe.MatchString(key) {
			suspicious = append(suspicious, key)
		}
	}
	if len(suspicious) == 0 {
		return nil
	}
	sort.Strings(suspicious)
	shown := suspicious
	suffix := ""
	if len(shown) > 5 {
		suffix = fmt.Sprintf(" (+%d more)", len(shown)-5)
		shown = shown[:5]
	}
	return &payloadFinding{
		description: "environment contains potential secrets: " + strings.Join(shown, ", ") + suffix,
	}
}

func checkAdminPolicy(payload any, _ map[string]struct{}) *payloadFinding {
	for _, stmt := range iterStatements(payload) {
		effect, _ := statementField(stmt, "Effect").(string)
		if strings.EqualFold(effect, "allow") &&
			isWildcard(statementField(stmt, "Action")) &&
			isWildcard(statementField(stmt, "Resource")) {
			return &payloadFinding{description: "full admin policy: Allow + Action:* + Resource:*"}
		}
	}
	return nil
}

func checkPublicAccess(payload any, _ map[string]struct{}) *payloadFinding {
	for _, stmt := range iterStatements(payload) {
		effect, _ := statementField(stmt, "Effect").(string)
		if !strings.EqualFold(effect, "allow") {
			continue
		}
		if principalWildcard(statementField(stmt, "Principal")) {
			return &payloadFinding{description: "public access: Principal:* with Effect:Allow"}
		}
	}
	return nil
}
