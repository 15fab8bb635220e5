package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

type BrotliConfig struct {
	Quality   int
	MinLength int
	// ContentTypes lists the media type prefixes worth compressing.
	ContentTypes []string
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:      brotli.DefaultCompression,
	MinLength:    1024,
	ContentTypes: []string{"application/json"},
}

type brotliMode int

const (
	modeBuffering brotliMode = iota
	modeCompressed
	modePlain
)

// brotliWriter buffers until MinLength bytes are seen, then commits to
// either a compressed or a plain response. Once committed it never mixes
// the two.
type brotliWriter struct {
	gin.ResponseWriter
	cfg  *BrotliConfig
	pool *sync.Pool
	enc  *brotli.Writer
	buf  bytes.Buffer
	mode brotliMode
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	switch bw.mode {
	case modeCompressed:
		return bw.enc.Write(data)
	case modePlain:
		return bw.ResponseWriter.Write(data)
	}

	bw.buf.Write(data)
	if bw.buf.Len() < bw.cfg.MinLength {
		return len(data), nil
	}
	if !bw.compressible() {
		return len(data), bw.commitPlain()
	}

	bw.mode = modeCompressed
	h := bw.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	bw.enc = bw.pool.Get().(*brotli.Writer)
	bw.enc.Reset(bw.ResponseWriter)
	_, err := bw.enc.Write(bw.buf.Bytes())
	bw.buf.Reset()
	return len(data), err
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// Flush commits a buffering response as plain so streamed output is not held back.
func (bw *brotliWriter) Flush() {
	switch bw.mode {
	case modeBuffering:
		_ = bw.commitPlain()
	case modeCompressed:
		_ = bw.enc.Flush()
	}
	bw.ResponseWriter.Flush()
}

func (bw *brotliWriter) compressible() bool {
	ct := bw.ResponseWriter.Header().Get("Content-Type")
	for _, prefix := range bw.cfg.ContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func (bw *brotliWriter) commitPlain() error {
	bw.mode = modePlain
	if bw.buf.Len() == 0 {
		return nil
	}
	_, err := bw.ResponseWriter.Write(bw.buf.Bytes())
	bw.buf.Reset()
	return err
}

func (bw *brotliWriter) finish() error {
	switch bw.mode {
	case modeBuffering:
		return bw.commitPlain()
	case modeCompressed:
		err := bw.enc.Close()
		bw.enc.Reset(io.Discard)
		bw.pool.Put(bw.enc)
		bw.enc = nil
		return err
	}
	return nil
}

func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}
	if len(cfg.ContentTypes) == 0 {
		cfg.ContentTypes = DefaultBrotliConfig.ContentTypes
	}
	pool := &sync.Pool{
		New: func() interface{} {
			return brotli.NewWriterLevel(io.Discard, cfg.Quality)
		},
	}

	return func(c *gin.Context) {
		// WebSocket upgrades must reach the hijacker untouched.
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		bw := &brotliWriter{ResponseWriter: c.Writer, cfg: &cfg, pool: pool}
		c.Writer = bw
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
