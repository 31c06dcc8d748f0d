// Package compliance vetoes commands that violate the organization's
// security rule table before any approval flow begins. The first matching
// rule wins; a violation is terminal for the request.
package compliance

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Violation describes the rule a command tripped.
type Violation struct {
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
}

type rule struct {
	pattern     *regexp.Regexp
	id          string
	name        string
	description string
	remediation string
}

func mustRule(pattern, id, name, description, remediation string) rule {
	return rule{
		pattern:     regexp.MustCompile("(?i)" + pattern),
		id:          id,
		name:        name,
		description: description,
		remediation: remediation,
	}
}

var rules = []rule{
	// Lambda resource policy and function URL hardening.
	mustRule(`lambda\s+add-permission.*--principal\s+['"]?\*['"]?`,
		"L1", "Lambda wildcard principal",
		"Lambda resource policies must not use Principal: * (anyone can invoke)",
		"name a specific AWS account or service as the principal"),
	mustRule(`lambda\s+create-function-url-config.*--auth-type\s+NONE`,
		"L2", "Lambda URL requires auth",
		"Lambda function URLs must require IAM auth",
		"use --auth-type AWS_IAM"),
	mustRule(`lambda\s+update-function-url-config.*--auth-type\s+NONE`,
		"L2", "Lambda URL requires auth",
		"Lambda function URLs must require IAM auth",
		"use --auth-type AWS_IAM"),

	// Public access bans.
	mustRule(`s3api\s+put-bucket-acl.*--acl\s+(public-read|public-read-write|authenticated-read)`,
		"P-S2", "public S3 bucket ACL",
		"S3 buckets must not carry public ACLs",
		"use --acl private or drop the ACL argument"),
	mustRule(`s3\s+.*--acl\s+(public-read|public-read-write)`,
		"P-S2", "public S3 object ACL",
		"S3 objects must not carry public ACLs",
		"drop the --acl argument or use private"),
	mustRule(`s3api\s+put-public-access-block.*BlockPublicAcls['"]?\s*:\s*false`,
		"P-S2", "block-public-access disabled",
		"S3 block public access must stay enabled",
		"set BlockPublicAcls, BlockPublicPolicy, IgnorePublicAcls, RestrictPublicBuckets to true"),
	mustRule(`ec2\s+modify-snapshot-attribute.*--attribute\s+createVolumePermission.*--group-names\s+all`,
		"P-S2", "public EBS snapshot",
		"EBS snapshots must not be shared publicly",
		"remove --group-names all and name specific accounts"),
	mustRule(`ec2\s+modify-image-attribute.*--launch-permission.*['"]?Group['"]?\s*:\s*['"]?all['"]?`,
		"P-S2", "public AMI",
		"AMIs must not be shared publicly",
		"remove the public launch permission and name specific accounts"),
	mustRule(`rds\s+modify-db-snapshot-attribute.*--attribute-name\s+restore.*--values-to-add\s+all`,
		"P-S2", "public RDS snapshot",
		"RDS snapshots must not be restorable by everyone",
		"name specific accounts instead of all"),
	mustRule(`rds\s+modify-db-cluster-snapshot-attribute.*--attribute-name\s+restore.*--values-to-add\s+all`,
		"P-S2", "public RDS cluster snapshot",
		"RDS cluster snapshots must not be restorable by everyone",
		"name specific accounts instead of all"),

	// Wildcard principals in identity policies.
	mustRule(`iam\s+update-assume-role-policy.*['"]?Principal['"]?\s*:\s*['"]?\*['"]?`,
		"P-S2", "wildcard trust policy",
		"IAM role trust policies must not use Principal: *",
		"name a specific AWS account or service"),
	mustRule(`iam\s+create-role.*['"]?Principal['"]?\s*:\s*['"]?\*['"]?`,
		"P-S2", "wildcard trust policy",
		"IAM role trust policies must not use Principal: *",
		"name a specific AWS account or service"),
	mustRule(`kms\s+put-key-policy.*['"]?Principal['"]?\s*:\s*['"]?\*['"]?`,
		"P-S2", "wildcard KMS key policy",
		"KMS key policies must not use Principal: *",
		"name a specific AWS account or role"),
	mustRule(`kms\s+create-key.*['"]?Principal['"]?\s*:\s*['"]?\*['"]?`,
		"P-S2", "wildcard KMS key policy",
		"KMS key policies must not use Principal: *",
		"name a specific AWS account or role"),
	mustRule(`sns\s+add-permission.*--aws-account-id\s+['"]?\*['"]?`,
		"P-S2", "public SNS topic",
		"SNS topics must not grant to everyone",
		"name a specific AWS account"),
	mustRule(`sqs\s+add-permission.*--aws-account-ids\s+['"]?\*['"]?`,
		"P-S2", "public SQS queue",
		"SQS queues must not grant to everyone",
		"name a specific AWS account"),
	mustRule(`sqs\s+set-queue-attributes.*['"]?Principal['"]?\s*:\s*['"]?\*['"]?`,
		"P-S2", "wildcard SQS policy",
		"SQS queue policies must not use Principal: *",
		"name a specific AWS account or service"),

	// Hard-coded credentials.
	mustRule(`AKIA[0-9A-Z]{16}`,
		"CS-HC001", "hard-coded access key",
		"the command contains an AWS access key ID",
		"use an IAM role or Secrets Manager"),
	mustRule(`(aws_secret_access_key|secret_access_key)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{40}`,
		"CS-HC002", "hard-coded secret key",
		"the command contains an AWS secret access key",
		"use an IAM role or Secrets Manager"),
	mustRule(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`,
		"CS-HC003", "hard-coded private key",
		"the command contains private key material",
		"use Secrets Manager or Parameter Store"),

	// Open ingress.
	mustRule(`ec2\s+authorize-security-group-ingress.*--cidr\s+0\.0\.0\.0/0.*--protocol\s+(-1|all)`,
		"P-S2", "security group open to the world",
		"security groups must not open all traffic to all IPs",
		"restrict the CIDR range and ports"),
	mustRule(`ec2\s+authorize-security-group-ingress.*--cidr\s+0\.0\.0\.0/0.*--port\s+(22|3389|3306|5432|1433|27017|6379|11211)`,
		"P-S2", "sensitive port open to the world",
		"SSH, RDP and database ports must not be open to all IPs",
		"use a VPN or bastion host and restrict the source IP"),

	// Narrow instance-attribute bans. Attributes not listed here flow into
	// the normal approval pipeline.
	mustRule(`ec2\s+modify-instance-attribute.*--user-data`,
		"B-EC2-01", "user-data modification",
		"modifying user data can inject arbitrary boot scripts",
		"use SSM Run Command or rebuild the instance"),
	mustRule(`ec2\s+modify-instance-attribute.*(--iam-instance-profile|--instance-profile)`,
		"B-EC2-02", "instance profile modification",
		"changing the instance profile can escalate privileges",
		"use associate-iam-instance-profile with approval"),
	mustRule(`ec2\s+modify-instance-attribute.*--source-dest-check\s+false`,
		"B-EC2-03", "source/dest check disable",
		"disabling source/dest check can turn the instance into a network pivot",
		"only NAT instances need this; provide a specific justification"),
	mustRule(`ec2\s+modify-instance-attribute.*--kernel`,
		"B-EC2-04", "kernel modification",
		"changing the kernel can weaken the instance",
		"use a standard AMI"),
	mustRule(`ec2\s+modify-instance-attribute.*--ramdisk`,
		"B-EC2-05", "ramdisk modification",
		"changing the ramdisk can weaken the instance",
		"use a standard AMI"),
}

// crossAccountRe captures the account id of any IAM principal ARN mentioned
// by a trust-policy mutation. Go's regexp has no negative lookahead, so the
// trusted-accounts check happens in code.
var (
	trustMutationRe = regexp.MustCompile(`(?i)iam\s+(update-assume-role-policy|create-role)`)
	principalArnRe  = regexp.MustCompile(`arn:aws:iam::(\d{12}):`)
)

// Checker evaluates the rule table. TrustedAccounts feeds the cross-account
// trust rule (P-S3); an empty set disables it.
type Checker struct {
	trusted map[string]struct{}
}

func NewChecker(trustedAccounts []string) *Checker {
	trusted := make(map[string]struct{}, len(trustedAccounts))
	for _, id := range trustedAccounts {
		if id = strings.TrimSpace(id); id != "" {
			trusted[id] = struct{}{}
		}
	}
	return &Checker{trusted: trusted}
}

// Check returns the first violation the command trips, or nil. Rules are
// matched against both the raw command and a copy with JSON fragments
// re-serialized, so formatting games do not slip past the patterns.
func (c *Checker) Check(command string) *Violation {
	if command == "" {
		return nil
	}

	normalized := normalizeJSONPayload(command)
	for _, r := range rules {
		if r.pattern.MatchString(command) || r.pattern.MatchString(normalized) {
			return &Violation{
				RuleID:      r.id,
				RuleName:    r.name,
				Description: r.description,
				Remediation: r.remediation,
			}
		}
	}

	if v := c.checkCrossAccountTrust(command); v != nil {
		return v
	}
	if normalized != command {
		if v := c.checkCrossAccountTrust(normalized); v != nil {
			return v
		}
	}
	return nil
}

func (c *Checker) checkCrossAccountTrust(command string) *Violation {
	if len(c.trusted) == 0 || !trustMutationRe.MatchString(command) {
		return nil
	}
	for _, m := range principalArnRe.FindAllStringSubmatch(command, -1) {
		if _, ok := c.trusted[m[1]]; !ok {
			return &Violation{
				RuleID:      "P-S3",
				RuleName:    "external account trust",
				Description: "IAM roles must not trust AWS accounts outside the organization (found " + m[1] + ")",
				Remediation: "only trust accounts inside the organization",
			}
		}
	}
	return nil
}

// Rules lists the static rule metadata for documentation surfaces.
func Rules() []Violation {
	out := make([]Violation, 0, len(rules))
	for _, r := range rules {
		out = append(out, Violation{
			RuleID:      r.id,
			RuleName:    r.name,
			Description: r.description,
			Remediation: r.remediation,
		})
	}
	return out
}

// jsonFragmentRe finds brace-delimited fragments, allowing one level of
// nesting, mirroring the shape the rule patterns expect.
var jsonFragmentRe = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)?\}`)

// normalizeJSONPayload re-serializes parseable JSON fragments with minimal
// separators so that whitespace and ordering variations cannot dodge the
// patterns. Unparseable fragments are left alone.
func normalizeJSONPayload(command string) string {
	return jsonFragmentRe.ReplaceAllStringFunc(command, func(fragment string) string {
		var parsed any
		if err := json.Unmarshal([]byte(fragment), &parsed); err != nil {
			return fragment
		}
		compact, err := json.Marshal(parsed)
		if err != nil {
			return fragment
		}
		return string(compact)
	})
}
