package native

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzhttp"
)

// Compress wraps h so responses of at least minSize bytes are gzip compressed for clients that accept it. Flushed
// chunks are compressed as they are written.
func Compress(h http.Handler, minSize int) (http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(minSize), gzhttp.KeepAcceptRanges())
	if err != nil {
		return nil, errors.Wrap(err, "init gzip wrapper")
	}

	return wrap(h), nil
}
