package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	MimeType      = "image/png"
	FileExtension = "png"

	downloadConcurrency = 4
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// BinaryFetcher is satisfied by *liblib.Client.
type BinaryFetcher interface {
	DownloadBinary(ctx context.Context, url string) ([]byte, error)
}

// Attachment is one downloaded image in the shape hosts expect for binary
// data.
type Attachment struct {
	Data          string `json:"data"`
	MimeType      string `json:"mimeType"`
	FileExtension string `json:"fileExtension"`
	FileName      string `json:"fileName"`

	Raw  []byte `json:"-"`
	Seed int64  `json:"-"`
}

type Downloader struct {
	client BinaryFetcher
	now    func() time.Time
}

func NewDownloader(client BinaryFetcher) *Downloader {
	return &Downloader{client: client, now: time.Now}
}

// AttachmentKey names the attachment for the image at index i of a status
// image list.
func AttachmentKey(i int) string {
	return fmt.Sprintf("image_%d", i)
}

// DownloadApproved fetches every approved image that has a URL. Failed
// downloads are logged and left out; the call itself never fails.
func (d *Downloader) DownloadApproved(ctx context.Context, images []liblib.GeneratedImage) map[string]Attachment {
	log := log.FromContextOrDiscard(ctx).WithGroup("downloader")

	type indexed struct {
		i   int
		img liblib.GeneratedImage
	}
	approved := lo.Filter(
		lo.Map(images, func(img liblib.GeneratedImage, i int) indexed { return indexed{i, img} }),
		func(x indexed, _ int) bool { return x.img.AuditStatus == liblib.AuditApproved && x.img.ImageURL != "" },
	)
	if skipped := len(images) - len(approved); skipped > 0 {
		log.Info("skipping images that are not approved", "skipped", skipped)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]Attachment, len(approved))
	)
	var group errgroup.Group
	group.SetLimit(downloadConcurrency)
	for _, x := range approved {
		x := x
		group.Go(func() error {
			data, err := d.client.DownloadBinary(ctx, x.img.ImageURL)
			if err != nil {
				log.Warn("image download failed", "index", x.i, "error", err)
				return nil
			}
			data = toPNG(ctx, data)

			mu.Lock()
			defer mu.Unlock()
			out[AttachmentKey(x.i)] = Attachment{
				Data:          base64.StdEncoding.EncodeToString(data),
				MimeType:      MimeType,
				FileExtension: FileExtension,
				FileName:      fmt.Sprintf("liblibai_generated_%d_%d.png", d.now().UnixMilli(), x.i),
				Raw:           data,
				Seed:          x.img.Seed,
			}
			return nil
		})
	}
	_ = group.Wait()

	log.Info("downloaded images", "requested", len(approved), "downloaded", len(out))
	return out
}

// toPNG re-encodes non-PNG payloads so the declared mime type holds.
// Undecodable data is returned unchanged.
func toPNG(ctx context.Context, data []byte) []byte {
	if bytes.HasPrefix(data, pngMagic) {
		return data
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		log.FromContextOrDiscard(ctx).Debug("keeping undecodable image data as-is", "error", err)
		return data
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return data
	}
	return buf.Bytes()
}
