package store

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/samber/do"
)

type PutObjectAPI interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	Client PutObjectAPI
	Bucket string
}

func NewS3Uploader(i *do.Injector) (Uploader, error) {
	return &S3Uploader{
		Client: do.MustInvoke[*s3.Client](i),
		Bucket: do.MustInvokeNamed[string](i, "bucket"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, params UploadParams) error {
	log := log.FromContextOrDiscard(ctx).WithGroup("s3").With(
		"name", params.Name,
		"content-type", params.ContentType,
		"bucket", u.Bucket,
	)
	log.Info("uploading to s3")

	_, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.Bucket),
		Key:          aws.String(params.Name),
		ContentType:  aws.String(params.ContentType),
		Body:         bytes.NewReader(params.Data),
		Metadata:     params.Metadata,
		StorageClass: s3types.StorageClassIntelligentTiering,
	})
	return err
}

type CreateInvalidationAPI interface {
	CreateInvalidation(context.Context, *cloudfront.CreateInvalidationInput, ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type CloudFrontInvalidator struct {
	Client       CreateInvalidationAPI
	Distribution string
	now          func() time.Time
}

func NewCloudFrontInvalidator(i *do.Injector) (Invalidator, error) {
	distribution := do.MustInvokeNamed[string](i, "distribution")
	if distribution == "" {
		return NoopInvalidator{}, nil
	}
	return &CloudFrontInvalidator{
		Client:       do.MustInvoke[*cloudfront.Client](i),
		Distribution: distribution,
	}, nil
}

func (i *CloudFrontInvalidator) Invalidate(ctx context.Context, paths []string) error {
	log := log.FromContextOrDiscard(ctx).WithGroup("cloudfront").With("paths", paths, "distribution", i.Distribution)
	log.Info("invalidating paths in cloudfront")

	now := time.Now
	if i.now != nil {
		now = i.now
	}
	_, err := i.Client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(i.Distribution),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(now().UTC().Format("20060102150405.000000")),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	return err
}
