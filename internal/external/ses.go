package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"mailflow/internal/retry"
	"mailflow/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESClient.
// Extracted for testability; tests provide a mock implementation.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	// ConfigSetName is the SES configuration set name for tracking.
	// Optional; if empty, no configuration set is used.
	ConfigSetName string
	// Endpoint overrides the SES endpoint (LocalStack). Optional.
	Endpoint string
	Logger   types.Logger
}

// SESClient implements MailDelivery using AWS SES v2.
// Authentication is handled via IAM roles. Calls run behind a circuit breaker
// so a failing SES endpoint does not stall the whole batch.
type SESClient struct {
	api           SESAPI
	configSetName string
	breaker       *retry.Breaker
	logger        types.Logger
}

// NewSESClient creates a new SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	api := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSESClientWithAPI(api, cfg)
}

// NewSESClientWithAPI creates an SESClient with a pre-configured SESAPI.
// Useful for testing with a mock SES interface.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}

	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		breaker:       retry.NewBreaker("ses"),
		logger:        logger,
	}
}

// SendRaw transmits a composed MIME message with SendEmail Raw content. The
// Destination lists every envelope recipient, Bcc included; the MIME headers
// decide what recipients see.
//
// Error mapping:
//   - MessageRejected, BadRequestException → ErrCodeValidationRejected
//   - MailFromDomainNotVerifiedException → ErrCodeValidationSenderIdentity
//   - TooManyRequestsException → ErrCodeUpstreamRateLimited
//   - SendingPausedException, AccountSuspendedException → ErrCodeUpstreamUnavailable
//   - LimitExceededException → ErrCodeQuotaExceeded
//   - Other → ErrCodeUpstreamMailProvider
func (s *SESClient) SendRaw(ctx context.Context, raw []byte, from string, recipients []string) (string, error) {
	if len(recipients) == 0 {
		return "", types.NewAppError(types.ErrCodeValidationSchema, "no envelope recipients", nil)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &sestypes.Destination{
			ToAddresses: recipients,
		},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw},
		},
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}

	result, err := retry.Execute(s.breaker, func() (*sesv2.SendEmailOutput, error) {
		out, err := s.api.SendEmail(ctx, input)
		if err != nil {
			return nil, mapSESError(err)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	return aws.ToString(result.MessageId), nil
}

// GetQuota reads the account's sending quota. An account with sending
// disabled reports ErrCodeUpstreamUnavailable.
func (s *SESClient) GetQuota(ctx context.Context) (*SendQuota, error) {
	out, err := retry.Execute(s.breaker, func() (*sesv2.GetAccountOutput, error) {
		out, err := s.api.GetAccount(ctx, &sesv2.GetAccountInput{})
		if err != nil {
			return nil, mapSESError(err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	if !out.SendingEnabled {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES sending is disabled for this account", nil)
	}

	quota := &SendQuota{}
	if out.SendQuota != nil {
		quota.Max24HourSend = out.SendQuota.Max24HourSend
		quota.SentLast24Hours = out.SendQuota.SentLast24Hours
		quota.MaxSendRate = out.SendQuota.MaxSendRate
	}
	return quota, nil
}

// mapSESError translates AWS SES errors into domain AppErrors.
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(
			types.ErrCodeValidationRejected,
			fmt.Sprintf("SES rejected message: %v", err),
			err,
		)
	}

	var badRequest *sestypes.BadRequestException
	if errors.As(err, &badRequest) {
		return types.NewAppError(
			types.ErrCodeValidationRejected,
			fmt.Sprintf("SES rejected request: %v", err),
			err,
		)
	}

	var notVerified *sestypes.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return types.NewAppError(
			types.ErrCodeValidationSenderIdentity,
			fmt.Sprintf("SES sender domain not verified: %v", err),
			err,
		)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("SES rate limit exceeded: %v", err),
			err,
		)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("SES account sending paused: %v", err),
			err,
		)
	}

	var suspended *sestypes.AccountSuspendedException
	if errors.As(err, &suspended) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("SES account suspended: %v", err),
			err,
		)
	}

	var limitExceeded *sestypes.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return types.NewAppError(
			types.ErrCodeQuotaExceeded,
			fmt.Sprintf("SES limit exceeded: %v", err),
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamMailProvider,
		fmt.Sprintf("SES error: %v", err),
		err,
	)
}

// Compile-time assertion that SESClient satisfies MailDelivery.
var _ MailDelivery = (*SESClient)(nil)
