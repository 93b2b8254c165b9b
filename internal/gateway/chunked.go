package gateway

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// isStreamingPayload reports whether the body uses the aws-chunked framing
// that SigV4 streaming uploads send (x-amz-content-sha256 STREAMING-*).
func isStreamingPayload(contentSHA256 string) bool {
	return strings.HasPrefix(contentSHA256, "STREAMING-")
}

// readChunked strips aws-chunked framing:
//
//	<hex-size>;chunk-signature=<sig>\r\n<data>\r\n ... 0;chunk-signature=<sig>\r\n[trailers]\r\n
//
// Chunk signatures are not verified.
func readChunked(r io.Reader, limit int64) ([]byte, error) {
	br := bufio.NewReader(r)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("invalid chunk size %q", sizeField)
		}
		if size == 0 {
			return out, nil
		}
		if limit > 0 && int64(len(out))+size > limit {
			return nil, errTooLarge
		}

		start := len(out)
		out = append(out, make([]byte, size)...)
		if _, err := io.ReadFull(br, out[start:]); err != nil {
			return nil, fmt.Errorf("read chunk data: %w", err)
		}
		if crlf, err := br.ReadString('\n'); err != nil || strings.TrimRight(crlf, "\r\n") != "" {
			return nil, fmt.Errorf("missing chunk terminator")
		}
	}
}
