package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/savaki/pipeline-git-source/internal/models"
)

// S3API is the subset of the S3 client used to check build output
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ArtifactStore checks the output artifacts builds upload for CodePipeline
type ArtifactStore struct {
	client S3API
}

func NewArtifactStore(client S3API) *ArtifactStore {
	return &ArtifactStore{
		client: client,
	}
}

// Exists reports whether the artifact object is present
func (a *ArtifactStore) Exists(ctx context.Context, location models.ArtifactLocation) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(location.Bucket),
		Key:    aws.String(location.Key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}

	return false, fmt.Errorf("failed to head s3://%s/%s: %w", location.Bucket, location.Key, err)
}
