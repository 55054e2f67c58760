package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/identity-service/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// defaultSigningKeyID is used when the bundle does not name its key.
const defaultSigningKeyID = "primary"

// SecretBundle holds the master secrets loaded at startup.
type SecretBundle struct {
	OTPSecret     domain.SecretString
	LinkSecret    domain.SecretString
	SigningKeyPEM domain.SecretString
	SigningKeyID  string
}

type secretBundleJSON struct {
	OTPSecret     string `json:"otp_secret"`
	LinkSecret    string `json:"link_secret"`
	SigningKeyPEM string `json:"signing_key_pem"`
	SigningKeyID  string `json:"signing_key_id"`
}

// LoadAWSSecrets resolves the secret id from the SSM parameter paramName,
// then reads and decodes the JSON bundle from Secrets Manager. The service
// must not start without its HMAC secrets, so any gap is an error. The
// signing key is optional; callers fall back to an ephemeral key.
func LoadAWSSecrets(ctx context.Context, sm smClient, ssm ssmClient, paramName string) (SecretBundle, error) {
	ctx, span := tracer.Start(ctx, "aws.secrets.load")
	defer span.End()

	param, err := ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return SecretBundle{}, spanError(span, fmt.Errorf("fetching secret id from SSM %q: %w", paramName, err))
	}
	if param.Parameter == nil || aws.ToString(param.Parameter.Value) == "" {
		return SecretBundle{}, fmt.Errorf("SSM parameter %q has no value: %w", paramName, domain.ErrConfigRequired)
	}
	secretID := aws.ToString(param.Parameter.Value)

	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return SecretBundle{}, spanError(span, fmt.Errorf("fetching secret %q from Secrets Manager: %w", secretID, err))
	}
	if out.SecretString == nil {
		return SecretBundle{}, fmt.Errorf("secret %q has no secret string: %w", secretID, domain.ErrConfigRequired)
	}

	var raw secretBundleJSON
	if err := json.Unmarshal([]byte(*out.SecretString), &raw); err != nil {
		return SecretBundle{}, fmt.Errorf("decoding secret %q: %w", secretID, err)
	}
	if raw.OTPSecret == "" {
		return SecretBundle{}, fmt.Errorf("secret %q: otp_secret: %w", secretID, domain.ErrConfigRequired)
	}
	if raw.LinkSecret == "" {
		return SecretBundle{}, fmt.Errorf("secret %q: link_secret: %w", secretID, domain.ErrConfigRequired)
	}
	if raw.SigningKeyID == "" {
		raw.SigningKeyID = defaultSigningKeyID
	}

	return SecretBundle{
		OTPSecret:     domain.SecretString(raw.OTPSecret),
		LinkSecret:    domain.SecretString(raw.LinkSecret),
		SigningKeyPEM: domain.SecretString(raw.SigningKeyPEM),
		SigningKeyID:  raw.SigningKeyID,
	}, nil
}
