package uploads

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// NewClientFactory builds the production ClientFactory. An empty role ARN
// uses the broker's own credentials; otherwise the client assumes the
// account's execution role.
func NewClientFactory(cfg aws.Config) ClientFactory {
	return func(_ context.Context, roleArn string) (ObjectStore, error) {
		if roleArn == "" {
			return s3.NewFromConfig(cfg), nil
		}
		assumed := cfg.Copy()
		assumed.Credentials = aws.NewCredentialsCache(
			stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleArn,
				func(o *stscreds.AssumeRoleOptions) {
					o.RoleSessionName = trustRoleSession
				}))
		return s3.NewFromConfig(assumed), nil
	}
}

// NewPresigner builds the production presign client against the broker's
// own credentials. Presigned URLs only ever target broker-owned staging
// buckets, so no role assumption is involved.
func NewPresigner(cfg aws.Config) Presigner {
	return s3.NewPresignClient(s3.NewFromConfig(cfg))
}
