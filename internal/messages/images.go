package messages

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/httpclient"
)

// extractImageFromURL turns a data URL into an inline source, or downloads
// an external URL when the configuration allows it. Unusable URLs are
// skipped with a warning rather than failing the request.
func (m *Merger) extractImageFromURL(ctx context.Context, url string) (*claude.ImageSource, error) {
	if strings.HasPrefix(url, "data:") {
		return parseDataURL(url), nil
	}

	external := strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
	switch {
	case external && m.cfg.AllowExternalImages:
		log.Debugf("downloading external image: %s", url)
		resp, err := m.transport.Do(ctx, http.MethodGet, url, httpclient.Options{})
		if err != nil {
			return nil, errdefs.ExternalImageDownload(url)
		}
		data, err := httpclient.ReadAll(resp)
		if err != nil || resp.StatusCode >= 300 {
			return nil, errdefs.ExternalImageDownload(url)
		}
		return &claude.ImageSource{
			Type:      "base64",
			MediaType: resp.Header.Get("Content-Type"),
			Data:      base64.StdEncoding.EncodeToString(data),
		}, nil
	case external:
		return nil, errdefs.ExternalImageNotAllowed(url)
	}

	log.Warnf("unsupported URL format: %s, skipping image", url)
	return nil, nil
}

// parseDataURL splits "data:media/type;base64,payload". Malformed data URLs
// are skipped.
func parseDataURL(url string) *claude.ImageSource {
	metadata, payload, ok := strings.Cut(url, ",")
	if !ok {
		log.Warn("failed to extract image from data URL, skipping image")
		return nil
	}
	mediaType, encoding, ok := strings.Cut(strings.TrimPrefix(metadata, "data:"), ";")
	if !ok {
		log.Warn("failed to extract image from data URL, skipping image")
		return nil
	}
	return &claude.ImageSource{Type: encoding, MediaType: mediaType, Data: payload}
}
