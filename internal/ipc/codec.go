package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame too large")
)

const (
	// CompressThreshold is the payload size above which payloads are compressed.
	CompressThreshold = 4 << 10
	// MaxFrameSize bounds a single encoded frame.
	MaxFrameSize = 64 << 20
)

const (
	fieldRoutingID protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldFlags     protowire.Number = 3
	fieldTag       protowire.Number = 4
	fieldPayload   protowire.Number = 5
)

const (
	flagSync uint64 = 1 << iota
	flagReply
	flagReplyError
	flagCompressed
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedFastest),
		)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(MaxFrameSize),
		)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Marshal encodes env as a single frame including its length prefix.
func Marshal(env *Envelope) ([]byte, error) {
	payload := env.Payload
	var flags uint64
	if env.Sync {
		flags |= flagSync
	}
	if env.Reply {
		flags |= flagReply
	}
	if env.ReplyError {
		flags |= flagReplyError
	}

	if len(payload) > CompressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("init compressor: %w", err)
		}
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagCompressed
	}

	record := make([]byte, 0, 24+len(payload))
	record = protowire.AppendTag(record, fieldRoutingID, protowire.VarintType)
	record = protowire.AppendVarint(record, protowire.EncodeZigZag(int64(env.RoutingID)))
	record = protowire.AppendTag(record, fieldType, protowire.VarintType)
	record = protowire.AppendVarint(record, uint64(env.Type))
	if flags != 0 {
		record = protowire.AppendTag(record, fieldFlags, protowire.VarintType)
		record = protowire.AppendVarint(record, flags)
	}
	if env.Tag != 0 {
		record = protowire.AppendTag(record, fieldTag, protowire.VarintType)
		record = protowire.AppendVarint(record, uint64(env.Tag))
	}
	if len(payload) > 0 {
		record = protowire.AppendTag(record, fieldPayload, protowire.BytesType)
		record = protowire.AppendBytes(record, payload)
	}

	if len(record) > MaxFrameSize {
		return nil, fmt.Errorf("%d bytes: %w", len(record), ErrFrameTooLarge)
	}

	frame := protowire.AppendVarint(make([]byte, 0, len(record)+binary.MaxVarintLen32), uint64(len(record)))
	return append(frame, record...), nil
}

// Unmarshal decodes one record (without its length prefix).
func Unmarshal(record []byte) (*Envelope, error) {
	env := &Envelope{}
	var flags uint64

	for len(record) > 0 {
		num, typ, n := protowire.ConsumeTag(record)
		if n < 0 {
			return nil, fmt.Errorf("tag: %v: %w", protowire.ParseError(n), ErrMalformedFrame)
		}
		record = record[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(record)
			if m < 0 {
				return nil, fmt.Errorf("payload: %v: %w", protowire.ParseError(m), ErrMalformedFrame)
			}
			env.Payload = append([]byte(nil), v...)
			record = record[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(record)
			if m < 0 {
				return nil, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(m), ErrMalformedFrame)
			}
			record = record[m:]
			switch num {
			case fieldRoutingID:
				env.RoutingID = int32(protowire.DecodeZigZag(v))
			case fieldType:
				env.Type = uint32(v)
			case fieldFlags:
				flags = v
			case fieldTag:
				env.Tag = uint32(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, record)
			if m < 0 {
				return nil, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(m), ErrMalformedFrame)
			}
			record = record[m:]
		}
	}

	env.Sync = flags&flagSync != 0
	env.Reply = flags&flagReply != 0
	env.ReplyError = flags&flagReplyError != 0

	if flags&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("init decompressor: %w", err)
		}
		plain, err := dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %v: %w", err, ErrMalformedFrame)
		}
		env.Payload = plain
	}
	return env, nil
}

// Writer writes frames to an underlying stream. It is not safe for
// concurrent use.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes env and buffers it.
func (fw *Writer) Write(env *Envelope) error {
	frame, err := Marshal(env)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(frame)
	return err
}

// Flush pushes buffered frames to the stream.
func (fw *Writer) Flush() error {
	return fw.w.Flush()
}

// Reader reads frames from an underlying stream. It is not safe for
// concurrent use.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read blocks until a full frame is available. io.EOF is returned unwrapped
// on a clean end of stream between frames.
func (fr *Reader) Read() (*Envelope, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame length: %w", err)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrFrameTooLarge)
	}

	record := make([]byte, size)
	if _, err := io.ReadFull(fr.r, record); err != nil {
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return Unmarshal(record)
}
