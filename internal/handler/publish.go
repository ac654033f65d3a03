package handler

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dmorgan81/liblibbot/internal/feed"
	"github.com/dmorgan81/liblibbot/internal/image"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/dmorgan81/liblibbot/internal/page"
	"github.com/dmorgan81/liblibbot/internal/store"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type PublishRequest struct {
	GenerateUUID string
	Prompt       string
	Attachments  map[string]image.Attachment
}

type FeedGenerator interface {
	Generate(context.Context) ([]byte, error)
}

// Publisher puts downloaded images into the gallery bucket: the images, a
// page per job and the RSS feed, then invalidates the cached copies.
type Publisher struct {
	uploader    store.Uploader
	invalidator store.Invalidator
	templator   *page.Templator
	feed        FeedGenerator
	now         func() time.Time
}

func NewPublisher(i *do.Injector) (*Publisher, error) {
	return &Publisher{
		uploader:    do.MustInvoke[store.Uploader](i),
		invalidator: do.MustInvoke[store.Invalidator](i),
		templator:   do.MustInvoke[*page.Templator](i),
		feed:        do.MustInvoke[*feed.Generator](i),
		now:         time.Now,
	}, nil
}

// Publish returns the keys of every object written.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) ([]string, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("publisher").With("generateUuid", req.GenerateUUID)
	log.Info("publishing images", "images", len(req.Attachments))

	keys := lo.Keys(req.Attachments)
	slices.Sort(keys)

	var (
		written []string
		images  []page.Image
	)
	for _, key := range keys {
		a := req.Attachments[key]
		name := fmt.Sprintf("%s/%s.%s", req.GenerateUUID, key, image.FileExtension)
		err := p.uploader.Upload(ctx, store.UploadParams{
			Name:        name,
			Data:        a.Raw,
			ContentType: image.MimeType,
			Metadata: store.EncodeMetadata(map[string]string{
				"prompt": req.Prompt,
				"uuid":   req.GenerateUUID,
				"seed":   strconv.FormatInt(a.Seed, 10),
			}),
		})
		if err != nil {
			return nil, err
		}
		written = append(written, name)
		images = append(images, page.Image{Src: "/" + name, Seed: a.Seed})
	}

	html, err := p.templator.Template(ctx, page.Params{
		GenerateUUID: req.GenerateUUID,
		Prompt:       req.Prompt,
		Generated:    p.now().UTC(),
		Images:       images,
	})
	if err != nil {
		return nil, err
	}
	pageName := req.GenerateUUID + ".html"
	if err := p.uploader.Upload(ctx, store.UploadParams{Name: pageName, Data: html, ContentType: "text/html"}); err != nil {
		return nil, err
	}
	written = append(written, pageName)

	rss, err := p.feed.Generate(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.uploader.Upload(ctx, store.UploadParams{Name: feed.Key, Data: rss, ContentType: "application/rss+xml"}); err != nil {
		return nil, err
	}
	written = append(written, feed.Key)

	paths := []string{"/" + req.GenerateUUID + "/*", "/" + pageName, "/" + feed.Key}
	if err := p.invalidator.Invalidate(ctx, paths); err != nil {
		return nil, err
	}
	return written, nil
}
