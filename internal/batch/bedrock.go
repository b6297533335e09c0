package batch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/google/uuid"
)

// BedrockAPI is the subset of the Bedrock control plane client used here.
type BedrockAPI interface {
	CreateModelInvocationJob(ctx context.Context, in *bedrock.CreateModelInvocationJobInput, opts ...func(*bedrock.Options)) (*bedrock.CreateModelInvocationJobOutput, error)
	GetModelInvocationJob(ctx context.Context, in *bedrock.GetModelInvocationJobInput, opts ...func(*bedrock.Options)) (*bedrock.GetModelInvocationJobOutput, error)
}

// BedrockConfig configures model invocation jobs.
type BedrockConfig struct {
	Bucket    string // bucket holding input and output keys
	RoleARN   string
	ModelID   string
	JobPrefix string
}

// BedrockRunner runs jobs as Bedrock model invocation jobs over S3 objects.
type BedrockRunner struct {
	client BedrockAPI
	cfg    BedrockConfig
}

// NewBedrockRunner creates a runner. An empty JobPrefix defaults to
// "invoice-categorization-batch-job".
func NewBedrockRunner(client BedrockAPI, cfg BedrockConfig) *BedrockRunner {
	if cfg.JobPrefix == "" {
		cfg.JobPrefix = "invoice-categorization-batch-job"
	}
	return &BedrockRunner{client: client, cfg: cfg}
}

func (r *BedrockRunner) uri(key string) string {
	return "s3://" + r.cfg.Bucket + "/" + key
}

func (r *BedrockRunner) jobName() string {
	return r.cfg.JobPrefix + "-" + uuid.NewString()[:6]
}

func (r *BedrockRunner) Submit(ctx context.Context, inputKey, outputPrefix string) (string, error) {
	out, err := r.client.CreateModelInvocationJob(ctx, &bedrock.CreateModelInvocationJobInput{
		JobName: aws.String(r.jobName()),
		ModelId: aws.String(r.cfg.ModelID),
		RoleArn: aws.String(r.cfg.RoleARN),
		InputDataConfig: &types.ModelInvocationJobInputDataConfigMemberS3InputDataConfig{
			Value: types.ModelInvocationJobS3InputDataConfig{S3Uri: aws.String(r.uri(inputKey))},
		},
		OutputDataConfig: &types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: types.ModelInvocationJobS3OutputDataConfig{S3Uri: aws.String(r.uri(outputPrefix))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create model invocation job: %w", err)
	}
	return aws.ToString(out.JobArn), nil
}

func (r *BedrockRunner) Status(ctx context.Context, handle string) (JobStatus, error) {
	out, err := r.client.GetModelInvocationJob(ctx, &bedrock.GetModelInvocationJobInput{
		JobIdentifier: aws.String(handle),
	})
	if err != nil {
		return "", fmt.Errorf("get model invocation job: %w", err)
	}
	return mapBedrockStatus(out.Status)
}

func mapBedrockStatus(s types.ModelInvocationJobStatus) (JobStatus, error) {
	switch s {
	case types.ModelInvocationJobStatusSubmitted,
		types.ModelInvocationJobStatusValidating,
		types.ModelInvocationJobStatusScheduled:
		return JobQueued, nil
	case types.ModelInvocationJobStatusInProgress,
		types.ModelInvocationJobStatusStopping:
		return JobRunning, nil
	case types.ModelInvocationJobStatusCompleted,
		types.ModelInvocationJobStatusPartiallyCompleted:
		return JobCompleted, nil
	case types.ModelInvocationJobStatusFailed,
		types.ModelInvocationJobStatusStopped,
		types.ModelInvocationJobStatusExpired:
		return JobFailed, nil
	}
	return "", fmt.Errorf("unknown bedrock job status %q", s)
}
