// Package awsconfig builds the aws.Config shared by the S3, Batch, Step
// Functions and DynamoDB clients.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. ECS task role / EKS IRSA / instance role
package awsconfig

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// DefaultRegion is the fallback region when neither config, environment nor
// profile provides one and no custom endpoint is set.
const DefaultRegion = "us-east-1"

// Options select region, profile, credentials and endpoint.
type Options struct {
	Region          string
	Profile         string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Validate checks that explicit credentials are paired.
func (o Options) Validate() error {
	if (o.AccessKeyID != "") != (o.SecretAccessKey != "") {
		return errors.New("both access key ID and secret access key must be provided together")
	}
	return nil
}

// Load resolves an aws.Config for opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	if err := opts.Validate(); err != nil {
		return aws.Config{}, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, err
	}
	cfg.Region = ResolveRegion(opts.Endpoint, cfg.Region)
	return cfg, nil
}

// ResolveRegion applies the fallback region after SDK resolution.
//
// An SDK-resolved region always wins. Without one, AWS endpoints default to
// us-east-1 and custom endpoints (moto, LocalStack, MinIO) get no region.
func ResolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultRegion
	}
	return ""
}
