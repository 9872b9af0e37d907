package secret

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/therealbill/prober/internal/xerrors"
)

// maxObjectBytes caps what the s3 provider reads from one object.
const maxObjectBytes = 64 << 10

// SSMAPI is the part of *ssm.Client the ssm provider uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// KMSAPI is the part of *kms.Client the kms provider uses.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// S3API is the part of *s3.Client the s3 provider uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AWSOptions configures the AWS-backed providers. Clients left nil are
// built from Config, or from the default credential chain, the first time
// a reference needs them.
type AWSOptions struct {
	Config *aws.Config
	SSM    SSMAPI
	KMS    KMSAPI
	S3     S3API
}

// awsClients loads the AWS config at most once, shared by all three
// providers, so a prober without AWS references never touches it.
type awsClients struct {
	opts AWSOptions
	load func(context.Context) (aws.Config, error)

	once sync.Once
	err  error
	ssm  SSMAPI
	kms  KMSAPI
	s3   S3API
}

func (c *awsClients) init(ctx context.Context) error {
	c.once.Do(func() {
		c.ssm, c.kms, c.s3 = c.opts.SSM, c.opts.KMS, c.opts.S3
		if c.ssm != nil && c.kms != nil && c.s3 != nil {
			return
		}
		var cfg aws.Config
		if c.opts.Config != nil {
			cfg = *c.opts.Config
		} else {
			var err error
			if cfg, err = c.load(ctx); err != nil {
				c.err = xerrors.Wrap(err, "load AWS config")
				return
			}
		}
		if c.ssm == nil {
			c.ssm = ssm.NewFromConfig(cfg)
		}
		if c.kms == nil {
			c.kms = kms.NewFromConfig(cfg)
		}
		if c.s3 == nil {
			c.s3 = s3.NewFromConfig(cfg)
		}
	})
	return c.err
}

func loadDefaultConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// AWSProviders returns the ssm, kms and s3 providers over one lazily
// loaded AWS config.
func AWSProviders(opts AWSOptions) []Provider {
	c := &awsClients{opts: opts, load: loadDefaultConfig}
	return []Provider{ssmProvider{c}, kmsProvider{c}, s3Provider{c}}
}

type ssmProvider struct{ c *awsClients }

func (ssmProvider) Name() string { return "ssm" }

func (p ssmProvider) Resolve(ctx context.Context, ref string) (string, error) {
	if err := p.c.init(ctx); err != nil {
		return "", err
	}
	out, err := p.c.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(ref),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", ref)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", ref)
	}
	return *out.Parameter.Value, nil
}

type kmsProvider struct{ c *awsClients }

func (kmsProvider) Name() string { return "kms" }

// Resolve decrypts a base64 ciphertext blob. The ciphertext is kept out of
// error messages.
func (p kmsProvider) Resolve(ctx context.Context, ref string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ref))
	if err != nil {
		return "", xerrors.Wrap(err, "decode KMS ciphertext")
	}
	if err := p.c.init(ctx); err != nil {
		return "", err
	}
	out, err := p.c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", xerrors.Wrap(err, "KMS decrypt")
	}
	return string(out.Plaintext), nil
}

type s3Provider struct{ c *awsClients }

func (s3Provider) Name() string { return "s3" }

func (p s3Provider) Resolve(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || key == "" {
		return "", xerrors.Newf("s3 ref %q must be bucket/key", ref)
	}
	if err := p.c.init(ctx); err != nil {
		return "", err
	}
	out, err := p.c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes+1))
	if err != nil {
		return "", xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	if len(b) > maxObjectBytes {
		return "", xerrors.Newf("S3 object s3://%s/%s is larger than %d bytes", bucket, key, maxObjectBytes)
	}
	return strings.TrimSpace(string(b)), nil
}
