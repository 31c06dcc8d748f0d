package classify

// blockedPatterns are substrings that make a command unconditionally
// rejectable. They are matched against the lower-cased command with any
// --query value excised first.
var blockedPatterns = []string{
	// IAM mutations are never brokered.
	"iam delete-user",
	"iam delete-role",
	"iam delete-policy",
	"iam create-user",
	"iam attach-user-policy",
	"iam attach-role-policy",
	"iam put-user-policy",
	"iam put-role-policy",
	"iam create-access-key",
	"iam update-access-key",
	"iam delete-access-key",
	"sts assume-role",
	"sts get-session-token",
	"organizations",
	"ec2 create-key-pair",
	"ec2 import-key-pair",
	"kms create-key",
	"kms schedule-key-deletion",
}

// dangerousPatterns mark commands that still go through approval but with a
// warning card and no trust shortcut.
var dangerousPatterns = []string{
	"s3 rb",
	"s3api delete-bucket",
	"ec2 terminate-instances",
	"rds delete-db-instance",
	"rds delete-db-cluster",
	"lambda delete-function",
	"dynamodb delete-table",
	"cloudformation delete-stack",
	"secretsmanager delete-secret",
	"logs delete-log-group",
	"events delete-rule",
}

// blockedFlags are globally dangerous flags. A command carrying any of them
// is rejected before pattern scanning.
var blockedFlags = []string{
	"--endpoint-url ",
	"--profile ",
	"--no-verify-ssl",
	"--ca-bundle ",
}

// autoApprovePrefixes is the read-only safelist. Matching is prefix-based on
// the normalized lower-cased command.
var autoApprovePrefixes = []string{
	"aws sts get-caller-identity",

	// S3 read-only; "s3 cp s3:" only covers downloads, the cross-bucket
	// copy override in IsAutoApprove re-checks the destination.
	"aws s3 ls",
	"aws s3 cp s3:",
	"aws s3api head-",
	"aws s3api get-object",
	"aws s3api list-",

	"aws ec2 describe-",

	"aws rds describe-",
	"aws rds list-",

	"aws lambda list-",
	"aws lambda get-",

	"aws dynamodb describe-",
	"aws dynamodb list-",
	"aws dynamodb scan",
	"aws dynamodb query",
	"aws dynamodb get-item",

	"aws cloudformation describe-",
	"aws cloudformation list-",
	"aws cloudformation get-",

	"aws logs describe-",
	"aws logs filter-log-events",
	"aws logs get-log-events",
	"aws logs get-",
	"aws logs list-",
	"aws logs tail",

	"aws cloudwatch describe-",
	"aws cloudwatch list-",
	"aws cloudwatch get-",

	"aws iam list-",
	"aws iam get-",

	"aws ecs list-",
	"aws ecs describe-",
	"aws ecr describe-",
	"aws ecr list-",
	"aws ecr get-",

	"aws secretsmanager list-secrets",
	"aws secretsmanager describe-secret",
	"aws secretsmanager get-secret-value",

	"aws kms list-",
	"aws kms describe-",

	"aws ssm describe-",
	"aws ssm get-parameter",
	"aws ssm get-parameters",
	"aws ssm list-",

	"aws sns list-",
	"aws sns get-",
	"aws sqs list-",
	"aws sqs get-queue-attributes",
	"aws sqs get-queue-url",

	"aws apigateway get-",
	"aws apigatewayv2 get-",

	"aws route53 list-",
	"aws route53 get-",

	"aws acm describe-",
	"aws acm list-",

	"aws cloudfront get-",
	"aws cloudfront list-",

	"aws states list-",
	"aws states describe-",
	"aws states get-",
	"aws stepfunctions list-",
	"aws stepfunctions describe-",
	"aws stepfunctions get-",

	"aws events list-",
	"aws events describe-",

	"aws network-firewall describe-",
	"aws network-firewall list-",

	"aws ce get-",

	"aws organizations list-",
	"aws organizations describe-",

	"aws elasticache describe-",
	"aws elasticache list-",

	"aws elbv2 describe-",
	"aws elb describe-",

	"aws autoscaling describe-",

	"aws codebuild list-",
	"aws codebuild batch-get-",
	"aws codepipeline list-",
	"aws codepipeline get-",
}

// BlockedPatterns returns a copy of the blocklist table for the safelist
// reporting tool.
func BlockedPatterns() []string {
	out := make([]string, len(blockedPatterns))
	copy(out, blockedPatterns)
	return out
}

// DangerousPatterns returns a copy of the dangerous-command table.
func DangerousPatterns() []string {
	out := make([]string, len(dangerousPatterns))
	copy(out, dangerousPatterns)
	return out
}

// AutoApprovePrefixes returns a copy of the safelist table.
func AutoApprovePrefixes() []string {
	out := make([]string, len(autoApprovePrefixes))
	copy(out, autoApprovePrefixes)
	return out
}
