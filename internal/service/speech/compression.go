package speech

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// CompressPayload 压缩 payload
func CompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			writer.Close()
			return nil, errors.Wrap(err, "gzip write")
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip close")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Errorf("unsupported compression method: %d", method)
	}
}

// DecompressPayload 解压 payload
func DecompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		if len(data) == 0 {
			return nil, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		defer reader.Close()

		result, err := io.ReadAll(reader)
		if err != nil {
			return nil, errors.Wrap(err, "gzip read")
		}
		return result, nil
	default:
		return nil, errors.Errorf("unsupported compression method: %d", method)
	}
}
