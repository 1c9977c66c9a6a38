package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

// Binary frame layout:
//
//	[4 bytes big-endian header length][JSON wireHeader][transferred bytes]
//
// Transferred bytes never pass through JSON; above the compression threshold
// they are zstd-compressed and the header records it.

const (
	encodingZstd = "zstd"

	maxHeaderSize    = 16 << 20
	maxDecodedBody   = 512 << 20
	maxFrameSize     = 4 + maxHeaderSize + maxDecodedBody
	DefaultThreshold = 64 << 10
)

var errShortFrame = errors.New("proxy frame too short")

type wireHeader struct {
	Encoding string   `json:"encoding,omitempty"`
	Length   int      `json:"length,omitempty"`
	Request  *Request `json:"request,omitempty"`
	Reply    *Reply   `json:"reply,omitempty"`
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBody))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// encodeFrame serialises hdr and body. threshold <= 0 disables compression.
func encodeFrame(hdr wireHeader, body []byte, threshold int) ([]byte, error) {
	if len(body) > 0 {
		hdr.Length = len(body)
		if threshold > 0 && len(body) >= threshold {
			enc, _, err := codecs()
			if err != nil {
				return nil, fmt.Errorf("init zstd: %w", err)
			}
			body = enc.EncodeAll(body, make([]byte, 0, len(body)/2))
			hdr.Encoding = encodingZstd
		}
	}

	head, err := sonic.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}

	frame := make([]byte, 4+len(head)+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(head)))
	copy(frame[4:], head)
	copy(frame[4+len(head):], body)
	return frame, nil
}

// decodeFrame is the inverse of encodeFrame.
func decodeFrame(frame []byte) (wireHeader, []byte, error) {
	var hdr wireHeader
	if len(frame) < 4 {
		return hdr, nil, errShortFrame
	}
	n := int(binary.BigEndian.Uint32(frame))
	if n > maxHeaderSize || 4+n > len(frame) {
		return hdr, nil, errShortFrame
	}
	if err := sonic.Unmarshal(frame[4:4+n], &hdr); err != nil {
		return hdr, nil, fmt.Errorf("decode frame header: %w", err)
	}

	body := frame[4+n:]
	if len(body) == 0 {
		return hdr, nil, nil
	}

	switch hdr.Encoding {
	case "":
	case encodingZstd:
		_, dec, err := codecs()
		if err != nil {
			return hdr, nil, fmt.Errorf("init zstd: %w", err)
		}
		body, err = dec.DecodeAll(body, make([]byte, 0, hdr.Length))
		if err != nil {
			return hdr, nil, fmt.Errorf("decompress frame body: %w", err)
		}
	default:
		return hdr, nil, fmt.Errorf("unsupported frame encoding %q", hdr.Encoding)
	}

	if hdr.Length != len(body) {
		return hdr, nil, fmt.Errorf("frame body length %d, header says %d", len(body), hdr.Length)
	}
	return hdr, body, nil
}
