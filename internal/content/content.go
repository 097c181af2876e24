// Package content decides whether an upstream response may be relayed.
package content

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DefaultLengthLimit is the largest declared Content-Length accepted (5 MiB).
const DefaultLengthLimit int64 = 5 * 1024 * 1024

var (
	// ErrLengthExceeded reports a declared length above the limit.
	ErrLengthExceeded = errors.New("content-length exceeded")

	// ErrNoContentType reports a response without a Content-Type.
	ErrNoContentType = errors.New("no content-type returned")

	// ErrNonImage reports a Content-Type outside the allow-list.
	ErrNonImage = errors.New("non-image content-type returned")
)

// AllowedTypes is the ordered allow-list of image media types, lowercase.
var AllowedTypes = []string{
	"image/bmp",
	"image/cgm",
	"image/g3fax",
	"image/gif",
	"image/ief",
	"image/jp2",
	"image/jpeg",
	"image/jpg",
	"image/pict",
	"image/png",
	"image/prs.btif",
	"image/svg+xml",
	"image/tiff",
	"image/vnd.adobe.photoshop",
	"image/vnd.djvu",
	"image/vnd.dwg",
	"image/vnd.dxf",
	"image/vnd.fastbidsheet",
	"image/vnd.fpx",
	"image/vnd.fst",
	"image/vnd.fujixerox.edmics-mmr",
	"image/vnd.fujixerox.edmics-rlc",
	"image/vnd.microsoft.icon",
	"image/vnd.ms-modi",
	"image/vnd.net-fpx",
	"image/vnd.wap.wbmp",
	"image/vnd.xiff",
	"image/webp",
	"image/avif",
	"image/x-cmu-raster",
	"image/x-cmx",
	"image/x-icon",
	"image/x-macpaint",
	"image/x-pcx",
	"image/x-pict",
	"image/x-portable-anymap",
	"image/x-portable-bitmap",
	"image/x-portable-graymap",
	"image/x-portable-pixmap",
	"image/x-quicktime",
	"image/x-rgb",
	"image/x-xbitmap",
	"image/x-xpixmap",
	"image/x-xwindowdump",
}

// Classifier applies the size and media type checks to a single hop.
type Classifier struct {
	// LengthLimit is the maximum declared length; zero means DefaultLengthLimit.
	LengthLimit int64

	// Types is the allow-list; nil means AllowedTypes.
	Types []string
}

// CheckLength rejects a declared length above the limit. A negative length
// means the upstream did not declare one and is treated as zero.
func (c Classifier) CheckLength(declared int64) error {
	limit := c.LengthLimit
	if limit <= 0 {
		limit = DefaultLengthLimit
	}
	if declared > limit {
		return fmt.Errorf("%w: %d > %d", ErrLengthExceeded, declared, limit)
	}
	return nil
}

// CheckType accepts contentType only if its media type, lowercased and with
// parameters removed, is in the allow-list.
func (c Classifier) CheckType(contentType string) error {
	if contentType == "" {
		return ErrNoContentType
	}
	mediaType := MediaType(contentType)
	types := c.Types
	if types == nil {
		types = AllowedTypes
	}
	if !slices.Contains(types, mediaType) {
		return fmt.Errorf("%w: '%s'", ErrNonImage, mediaType)
	}
	return nil
}

// MediaType returns the part of contentType before the first ';', trimmed and
// lowercased.
func MediaType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
