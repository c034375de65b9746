package imagecache

import (
	"errors"

	"github.com/illmade-knight/go-imagecache/pkg/imagefetch"
)

var (
	// ErrFetch is returned by Resolve when the image could not be fetched and
	// no cached copy exists.
	ErrFetch = imagefetch.ErrFetch
	// ErrDecode is returned by Resolve when the fetched bytes are not an image
	// and no cached copy exists.
	ErrDecode = imagefetch.ErrDecode
	// ErrInit reports that the cache could not be brought up. The manager keeps
	// serving in no-cache mode.
	ErrInit = errors.New("image cache initialization failed")
)
