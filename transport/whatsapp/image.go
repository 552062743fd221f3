package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// ProbeImage HEADs an image URL and validates size and format before the BSP
// is asked to fetch it. The cap is inclusive: a payload of exactly the cap
// passes, one byte more fails.
func (c *Client) ProbeImage(ctx context.Context, imageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("image probe: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("image probe: status %d", resp.StatusCode)
	}

	if ct := baseContentType(resp.Header.Get("Content-Type")); ct != "" && !allowedImageTypes[ct] {
		return fmt.Errorf("unsupported image type %s", ct)
	}
	if resp.ContentLength > c.maxImage {
		return fmt.Errorf("image is %s, cap is %s",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(c.maxImage)))
	}
	return nil
}

// VerifyImage confirms downloaded bytes decode as an image. GIF and WebP
// pass on content-type alone since the decoder does not cover them.
func VerifyImage(data []byte, contentType string) error {
	ct := baseContentType(contentType)
	if !allowedImageTypes[ct] {
		return fmt.Errorf("unsupported image type %s", ct)
	}
	if ct == "image/gif" || ct == "image/webp" {
		return nil
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("image payload does not decode: %w", err)
	}
	return nil
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}
