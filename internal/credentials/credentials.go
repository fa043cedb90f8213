// Package credentials resolves the AWS configuration used to sign PutMedia,
// endpoint discovery and signaling requests. Explicit keys win; otherwise
// the SDK default chain applies: environment, shared config and credentials
// files (profiles, SSO), then container and instance roles.
package credentials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	sdkcreds "github.com/aws/aws-sdk-go-v2/credentials"
)

// Config selects where credentials come from.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Profile names a shared config profile. Empty uses AWS_PROFILE or
	// "default".
	Profile string

	// Region overrides the region from the environment or profile.
	Region string
}

// Static returns a provider that always yields the given keys. Retrieval
// fails when either key is empty.
func Static(accessKey, secretKey, sessionToken string) aws.CredentialsProvider {
	return sdkcreds.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
}

// Load builds the aws.Config for cfg. The returned Credentials are wrapped
// in an SDK credentials cache, so repeated signing does not re-read the
// source. optFns are applied after the options derived from cfg.
func Load(ctx context.Context, cfg Config, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			Static(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	opts = append(opts, optFns...)

	ac, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("credentials: load aws config: %w", err)
	}
	return ac, nil
}

// Resolve returns only the credentials provider of Load.
func Resolve(ctx context.Context, cfg Config) (aws.CredentialsProvider, error) {
	ac, err := Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ac.Credentials, nil
}
