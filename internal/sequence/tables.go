package sequence

import "regexp"

// safePatterns maps each dangerous action to the read operations that count
// as prior inspection. A destructive command preceded by one of these against
// the same service (better: the same resource) carries less risk.
var safePatterns = map[string][]string{
	// EC2
	"terminate-instances":   {"describe-instances", "describe-instance-status", "describe-instance-attribute"},
	"stop-instances":        {"describe-instances", "describe-instance-status"},
	"delete-security-group": {"describe-security-groups", "describe-security-group-rules"},
	"delete-snapshot":       {"describe-snapshots"},
	"delete-volume":         {"describe-volumes"},
	"deregister-image":      {"describe-images"},

	// S3
	"delete-bucket": {"list-buckets", "list-objects", "list-objects-v2", "head-bucket", "get-bucket-location"},
	"delete-object": {"list-objects", "list-objects-v2", "head-object", "get-object"},
	"rm":            {"ls", "list-objects", "list-objects-v2"},
	"rb":            {"ls", "list-buckets", "list-objects"},

	// Lambda
	"delete-function":      {"get-function", "list-functions", "get-function-configuration"},
	"delete-layer-version": {"list-layer-versions", "get-layer-version"},

	// DynamoDB
	"delete-table": {"describe-table", "list-tables", "scan", "query"},
	"delete-item":  {"get-item", "query", "scan"},

	// CloudFormation
	"delete-stack": {"describe-stacks", "describe-stack-events", "describe-stack-resources", "list-stacks", "get-template"},

	// RDS
	"delete-db-instance": {"describe-db-instances"},
	"delete-db-cluster":  {"describe-db-clusters"},
	"delete-db-snapshot": {"describe-db-snapshots"},

	// ECS
	"delete-service": {"describe-services", "list-services"},
	"delete-cluster": {"describe-clusters", "list-clusters"},
	"stop-task":      {"describe-tasks", "list-tasks"},

	// Secrets Manager
	"delete-secret": {"describe-secret", "list-secrets", "get-secret-value"},

	// CloudWatch Logs
	"delete-log-group":  {"describe-log-groups"},
	"delete-log-stream": {"describe-log-streams"},

	// SNS
	"delete-topic": {"list-topics", "get-topic-attributes"},

	// SQS
	"delete-queue": {"list-queues", "get-queue-attributes", "get-queue-url"},

	// API Gateway
	"delete-rest-api": {"get-rest-apis", "get-rest-api"},
	"delete-stage":    {"get-stages"},

	// Route53
	"delete-hosted-zone": {"list-hosted-zones", "get-hosted-zone"},

	// KMS
	"schedule-key-deletion": {"describe-key", "list-keys"},

	// IAM actions are blocked upstream; kept for completeness.
	"delete-role": {"get-role", "list-roles"},
	"delete-user": {"get-user", "list-users"},
}

// serviceAliases folds equivalent CLI namespaces together so s3api reads
// count for s3 deletes.
var serviceAliases = map[string]string{
	"s3api":         "s3",
	"apigatewayv2":  "apigateway",
	"stepfunctions": "states",
	"elbv2":         "elb",
}

type resourcePattern struct {
	re    *regexp.Regexp
	split bool
	group int
}

func mustResource(pattern string, split bool, group int) resourcePattern {
	return resourcePattern{re: regexp.MustCompile("(?i)" + pattern), split: split, group: group}
}

var resourcePatterns = []resourcePattern{
	// EC2
	mustResource(`--instance-ids?\s+(i-[a-f0-9]+(?:\s+i-[a-f0-9]+)*)`, true, 1),
	mustResource(`--security-group-ids?\s+(sg-[a-f0-9]+(?:\s+sg-[a-f0-9]+)*)`, true, 1),
	mustResource(`--snapshot-ids?\s+(snap-[a-f0-9]+(?:\s+snap-[a-f0-9]+)*)`, true, 1),
	mustResource(`--volume-ids?\s+(vol-[a-f0-9]+(?:\s+vol-[a-f0-9]+)*)`, true, 1),
	mustResource(`--image-ids?\s+(ami-[a-f0-9]+(?:\s+ami-[a-f0-9]+)*)`, true, 1),

	// S3
	mustResource(`--bucket\s+([a-z0-9][a-z0-9.-]{1,61}[a-z0-9])`, false, 1),
	mustResource(`--bucket-name\s+([a-z0-9][a-z0-9.-]{1,61}[a-z0-9])`, false, 1),
	mustResource(`s3://([a-z0-9][a-z0-9.-]{1,61}[a-z0-9])`, false, 1),

	mustResource(`--function-name\s+([a-zA-Z0-9_-]+)`, false, 1),
	mustResource(`--table-name\s+([a-zA-Z0-9_.-]+)`, false, 1),
	mustResource(`--stack-name\s+([a-zA-Z0-9-]+)`, false, 1),
	mustResource(`--db-instance-identifier\s+([a-zA-Z0-9-]+)`, false, 1),
	mustResource(`--db-cluster-identifier\s+([a-zA-Z0-9-]+)`, false, 1),
	mustResource(`--cluster\s+([a-zA-Z0-9_-]+)`, false, 1),
	mustResource(`--service\s+([a-zA-Z0-9_-]+)`, false, 1),
	mustResource(`--secret-id\s+([a-zA-Z0-9/_+=.@-]+)`, false, 1),
	mustResource(`--log-group-name\s+([a-zA-Z0-9/_.-]+)`, false, 1),
	mustResource(`--topic-arn\s+(arn:aws:sns:[a-z0-9-]+:[0-9]+:[a-zA-Z0-9_-]+)`, false, 1),
	mustResource(`--queue-url\s+(https://[a-zA-Z0-9./-]+)`, false, 1),
	mustResource(`--rest-api-id\s+([a-z0-9]+)`, false, 1),
	mustResource(`--hosted-zone-id\s+(/hostedzone/)?([A-Z0-9]+)`, false, 2),
	mustResource(`--key-id\s+([a-f0-9-]+|alias/[a-zA-Z0-9/_-]+)`, false, 1),
}
