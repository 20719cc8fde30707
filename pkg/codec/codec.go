package codec

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	snappy "github.com/segmentio/kafka-go/compress/snappy/go-xerial-snappy"
)

var ErrLengthMismatch = errors.New("decompressed length mismatch")

// Codec compresses independent block payloads.
type Codec interface {
	Name() string
	// Compress appends the compressed form of src to dst[:0].
	Compress(dst, src []byte) ([]byte, error)
	// Decompress returns exactly expectedLen bytes or an error.
	Decompress(dst, src []byte, expectedLen int) ([]byte, error)
	// Bound is the worst-case output size for n input bytes.
	Bound(n int) int
}

// Names lists the codecs Lookup understands.
var Names = []string{"none", "zlib", "gzip", "lz4", "snappy", "zstd"}

// Lookup resolves a codec by name. An empty name means "none".
func Lookup(name string, level int) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return None{}, nil
	case "zlib":
		if level < zlib.HuffmanOnly || level > zlib.BestCompression {
			return nil, fmt.Errorf("zlib level %d out of range", level)
		}
		return &zlibCodec{level: level}, nil
	case "gzip":
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			return nil, fmt.Errorf("gzip level %d out of range", level)
		}
		return &gzipCodec{level: level}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "zstd":
		return newZstdCodec(level)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", name)
	}
}

// IsNone reports whether c leaves payloads uncompressed.
func IsNone(c Codec) bool {
	if c == nil {
		return true
	}
	_, ok := c.(None)
	return ok
}

// Overrun is how many bytes c may add on top of an n byte input.
func Overrun(c Codec, n int) int {
	if IsNone(c) {
		return 0
	}
	if extra := c.Bound(n) - n; extra > 0 {
		return extra
	}
	return 0
}

func checkLen(out []byte, expectedLen int) ([]byte, error) {
	if len(out) != expectedLen {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(out), expectedLen)
	}
	return out, nil
}

func growTo(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}

type None struct{}

func (None) Name() string { return "none" }

func (None) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (None) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	return checkLen(append(dst[:0], src...), expectedLen)
}

func (None) Bound(n int) int { return n }

type zlibCodec struct{ level int }

func (c *zlibCodec) Name() string { return "zlib" }

func (c *zlibCodec) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	zw, err := zlib.NewWriterLevel(buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *zlibCodec) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readExactly(zr, dst, expectedLen)
}

// deflate stored blocks add 5 bytes per 16KiB plus the zlib/gzip framing.
func (c *zlibCodec) Bound(n int) int { return n + n/16383*5 + 5 + 6 + 16 }

type gzipCodec struct{ level int }

func (c *gzipCodec) Name() string { return "gzip" }

func (c *gzipCodec) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	gw, err := gzip.NewWriterLevel(buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(src); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return readExactly(gr, dst, expectedLen)
}

func (c *gzipCodec) Bound(n int) int { return n + n/16383*5 + 5 + 18 + 16 }

func readExactly(r io.Reader, dst []byte, expectedLen int) ([]byte, error) {
	out := growTo(dst, expectedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLengthMismatch, err)
	}
	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return nil, fmt.Errorf("%w: trailing data after %d bytes", ErrLengthMismatch, expectedLen)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	out := growTo(dst, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, out, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// incompressible: report an output that can never win the savings check
		return append(out[:0], src...), nil
	}
	return out[:n], nil
}

func (lz4Codec) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	out := growTo(dst, expectedLen)
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, err
	}
	return checkLen(out[:n], expectedLen)
}

func (lz4Codec) Bound(n int) int { return lz4.CompressBlockBound(n) }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], snappy.Encode(src)...), nil
}

func (snappyCodec) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	out, err := snappy.Decode(src)
	if err != nil {
		return nil, err
	}
	return checkLen(append(dst[:0], out...), expectedLen)
}

func (snappyCodec) Bound(n int) int { return 32 + n + n/6 }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder per
// level and one decoder serve every writer and reader in the process.
var (
	zstdMu     sync.Mutex
	zstdDec    *zstd.Decoder
	zstdLevels = make(map[int]*zstdCodec)
)

func newZstdCodec(level int) (*zstdCodec, error) {
	if level < 1 || level > 22 {
		return nil, fmt.Errorf("zstd level %d out of range", level)
	}
	zstdMu.Lock()
	defer zstdMu.Unlock()
	if c, ok := zstdLevels[level]; ok {
		return c, nil
	}

	if zstdDec == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		zstdDec = dec
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	c := &zstdCodec{enc: enc, dec: zstdDec}
	zstdLevels[level] = c
	return c, nil
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *zstdCodec) Decompress(dst, src []byte, expectedLen int) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, err
	}
	return checkLen(out, expectedLen)
}

func (c *zstdCodec) Bound(n int) int { return c.enc.MaxEncodedSize(n) }
