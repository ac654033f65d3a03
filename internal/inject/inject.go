package inject

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/liblibbot/internal/config"
	"github.com/dmorgan81/liblibbot/internal/feed"
	"github.com/dmorgan81/liblibbot/internal/handler"
	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/dmorgan81/liblibbot/internal/page"
	"github.com/dmorgan81/liblibbot/internal/param"
	"github.com/dmorgan81/liblibbot/internal/store"
	"github.com/samber/do"
)

func Setup(ctx context.Context, cfg config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[config.Config](injector, cfg)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})

	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)
	do.Provide[liblib.Credentials](injector, func(i *do.Injector) (liblib.Credentials, error) {
		return credentials(ctx, i, do.MustInvoke[config.Config](i))
	})
	do.Provide[*liblib.Client](injector, func(i *do.Injector) (*liblib.Client, error) {
		return liblib.NewClient(do.MustInvoke[liblib.Credentials](i), do.MustInvoke[config.Config](i).ClientOptions())
	})

	do.Provide[store.Uploader](injector, store.NewS3Uploader)
	do.Provide[store.Invalidator](injector, store.NewCloudFrontInvalidator)
	do.Provide[*page.Templator](injector, page.NewTemplator)
	do.Provide[*feed.Generator](injector, feed.NewS3Generator)
	do.Provide[*handler.Publisher](injector, handler.NewPublisher)

	do.ProvideNamedValue[string](injector, "bucket", cfg.Bucket)
	do.ProvideNamedValue[string](injector, "distribution", cfg.Distribution)
	do.ProvideNamedValue[string](injector, "site_url", cfg.SiteURL)

	do.Provide[*handler.Handler](injector, handler.NewHandler)

	return injector
}

// credentials prefers keys set directly in the environment and only reaches
// for Parameter Store when one is missing.
func credentials(ctx context.Context, i *do.Injector, cfg config.Config) (liblib.Credentials, error) {
	var fetcher param.Fetcher
	if (cfg.AccessKey == "" && cfg.AccessKeyParam != "") || (cfg.SecretKey == "" && cfg.SecretKeyParam != "") {
		fetcher = do.MustInvoke[param.Fetcher](i)
	}
	accessKey, err := param.Resolve(ctx, fetcher, "LIBLIB_ACCESS_KEY", cfg.AccessKey, cfg.AccessKeyParam)
	if err != nil {
		return liblib.Credentials{}, err
	}
	secretKey, err := param.Resolve(ctx, fetcher, "LIBLIB_SECRET_KEY", cfg.SecretKey, cfg.SecretKeyParam)
	if err != nil {
		return liblib.Credentials{}, err
	}
	return liblib.Credentials{AccessKey: accessKey, SecretKey: secretKey, BaseURL: cfg.BaseURL}, nil
}
