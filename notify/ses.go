package notify

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESConfig holds the configuration for creating a SES provider.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends notifications through AWS SES v2.
type SES struct {
	sender    string
	client    SendEmailAPI
	baseDelay time.Duration
	log       *zap.Logger
}

// NewSES loads AWS configuration for cfg.Region. Static keys are used when
// both are set; otherwise the default credential chain applies.
func NewSES(ctx context.Context, cfg SESConfig, log *zap.Logger) (*SES, error) {
	const op = errors.Op("notify_new_ses")

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return NewSESWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), log), nil
}

// NewSESWithClient creates a provider around an existing client.
func NewSESWithClient(sender string, client SendEmailAPI, log *zap.Logger) *SES {
	return &SES{
		sender:    sender,
		client:    client,
		baseDelay: baseRetryDelay,
		log:       log,
	}
}

func (s *SES) Notify(ctx context.Context, d Delivery) error {
	const op = errors.Op("notify_ses")

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.sender),
		Destination: &types.Destination{
			ToAddresses: []string{d.Address},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(Subject(d)),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(Body(d)),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying SES request",
				zap.String("uuid", d.UUID),
				zap.Int("attempt", attempt),
			)
			if err := sleepWithContext(ctx, s.backoffDelay(attempt)); err != nil {
				return errors.E(op, err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		s.log.Warn("SES request failed",
			zap.String("uuid", d.UUID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return errors.E(op, errors.Errorf("gave up after %d retries: %v", maxRetries, lastErr))
}

func (s *SES) Name() string {
	return "ses"
}

// backoffDelay doubles the base delay for every attempt after the first.
func (s *SES) backoffDelay(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
