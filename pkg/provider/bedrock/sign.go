// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/archestra/gateway/pkg/errkind"
)

// signingService is the SigV4 service name Bedrock runtime endpoints expect.
const signingService = "bedrock"

// SignerConfig selects the AWS credentials used to sign requests. With an
// explicit access key the static provider is used; otherwise the SDK default
// chain (env, shared config, instance role) resolves them.
type SignerConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// SignRequest signs req in place with SigV4 over the given body.
func SignRequest(ctx context.Context, req *http.Request, body []byte, cfg SignerConfig) error {
	if cfg.Region == "" {
		return errkind.New(errkind.Misconfigured, "bedrock signing needs a region")
	}
	creds, err := resolveCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(body)
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), signingService, cfg.Region, time.Now()); err != nil {
		return errkind.Wrap(errkind.Misconfigured, "signing bedrock request", err)
	}
	return nil
}

func resolveCredentials(ctx context.Context, cfg SignerConfig) (aws.Credentials, error) {
	if cfg.AccessKeyID != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		return provider.Retrieve(ctx)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Credentials{}, errkind.Wrap(errkind.Misconfigured, "loading aws credentials", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, errkind.Wrap(errkind.Misconfigured, "resolving aws credentials", err)
	}
	return creds, nil
}
