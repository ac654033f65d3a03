package store

import (
	"context"
	"net/url"
)

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type Uploader interface {
	Upload(context.Context, UploadParams) error
}

// EncodeMetadata escapes values so free text such as prompts survives as
// object metadata, which only carries ASCII.
func EncodeMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = url.QueryEscape(v)
	}
	return out
}

func DecodeMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if d, err := url.QueryUnescape(v); err == nil {
			v = d
		}
		out[k] = v
	}
	return out
}
