package feed

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/dmorgan81/liblibbot/internal/store"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const Key = "feed.xml"

// ObjectAPI is the slice of *s3.Client the generator needs.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
}

type Generator struct {
	client  ObjectAPI
	bucket  string
	siteURL string
	now     func() time.Time
}

func NewS3Generator(i *do.Injector) (*Generator, error) {
	return &Generator{
		client:  do.MustInvoke[*s3.Client](i),
		bucket:  do.MustInvokeNamed[string](i, "bucket"),
		siteURL: do.MustInvokeNamed[string](i, "site_url"),
		now:     time.Now,
	}, nil
}

// IsImageKey reports whether key is a published image, <uuid>/image_<i>.png.
func IsImageKey(key string) bool {
	dir, file := path.Split(key)
	return dir != "" && strings.HasPrefix(file, "image_") && strings.HasSuffix(file, ".png")
}

// Generate renders an RSS feed with one item per published image, newest
// first.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed")

	feed := feeds.Feed{
		Title:       "liblibbot",
		Description: "Images generated with LiblibAI",
		Link:        &feeds.Link{Href: g.siteURL + "/"},
		Updated:     g.now(),
	}

	pager := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
	})

	var keys []*string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, lo.FilterMap(page.Contents, func(o s3types.Object, _ int) (*string, bool) {
			return o.Key, IsImageKey(aws.ToString(o.Key))
		})...)
	}

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(g.bucket),
				Key:    key,
			})
			if err != nil {
				return err
			}

			item := g.item(aws.ToString(key), store.DecodeMetadata(out.Metadata), out.LastModified)
			mu.Lock()
			feed.Add(item)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	feed.Sort(func(a, b *feeds.Item) bool {
		return a.Updated.After(b.Updated)
	})
	log.Info("generated rss feed", "items", len(feed.Items))
	rss, err := feed.ToRss()
	return []byte(rss), err
}

func (g *Generator) item(key string, meta map[string]string, modified *time.Time) *feeds.Item {
	uuid := lo.Ternary(meta["uuid"] != "", meta["uuid"], path.Dir(key))
	return &feeds.Item{
		Id:          key,
		Title:       lo.Ternary(meta["prompt"] != "", meta["prompt"], uuid),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/%s.html", g.siteURL, uuid)},
		Description: fmt.Sprintf("seed %s", lo.Ternary(meta["seed"] != "", meta["seed"], "unknown")),
		Enclosure:   &feeds.Enclosure{Url: fmt.Sprintf("%s/%s", g.siteURL, key), Type: "image/png", Length: "0"},
		Updated:     aws.ToTime(modified),
	}
}
