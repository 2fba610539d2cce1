package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/maruel/taskbox/backend/internal/server/dto"
)

// decompressMiddleware decodes request bodies sent with a Content-Encoding of
// zstd, br or gzip. Handlers bound what they read, so the decoded size is
// limited there.
func decompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ce := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		if ce == "" || ce == "identity" {
			next.ServeHTTP(w, r)
			return
		}
		reader, err := newBodyDecoder(ce, r.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = reader
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}

func newBodyDecoder(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(10<<20))
		if err != nil {
			return nil, dto.BadRequest("invalid zstd body").Wrap(err)
		}
		return dec.IOReadCloser(), nil
	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil
	case "gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			return nil, dto.BadRequest("invalid gzip body").Wrap(err)
		}
		return gr, nil
	default:
		return nil, dto.BadRequest("unsupported Content-Encoding").WithDetail("encoding", encoding)
	}
}
