package whatsapp

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/vincent-petithory/dataurl"
)

const octetStream = "application/octet-stream"

// loadMedia resolves a media reference to bytes. ref is either a data URL
// or an http(s) URL. hint overrides the detected content type.
func (f *Factory) loadMedia(ctx context.Context, ref, hint string) ([]byte, string, error) {
	var (
		data     []byte
		detected string
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		du, err := dataurl.DecodeString(ref)
		if err != nil {
			return nil, "", errors.Wrap(err, "decode data url")
		}
		data, detected = du.Data, du.ContentType()
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		resp, err := f.http.R().SetContext(ctx).Get(ref)
		if err != nil {
			return nil, "", errors.Wrap(err, "fetch media")
		}
		if resp.IsError() {
			return nil, "", errors.Errorf("fetch media: status %d", resp.StatusCode())
		}
		data, detected = resp.Body(), resp.Header().Get("Content-Type")
	default:
		return nil, "", errors.New("unsupported media reference")
	}
	if len(data) == 0 {
		return nil, "", errors.New("media is empty")
	}
	return data, resolveMime(hint, detected, data), nil
}

func resolveMime(hint, detected string, data []byte) string {
	for _, candidate := range []string{hint, detected} {
		if candidate == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(candidate); err == nil && mt != octetStream {
			return mt
		}
	}
	if sniffed, _, err := mime.ParseMediaType(http.DetectContentType(data)); err == nil {
		return sniffed
	}
	return octetStream
}
