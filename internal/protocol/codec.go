package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// EndTypes terminates the type-tag lines of a frame.
	EndTypes = "END_TYPES"
	// EndObject terminates the body of a frame.
	EndObject = "END_OBJECT"
	// Version is written into every body document.
	Version = 1

	maxPayloadSize = 10 * 1024 * 1024 // 10MB max body size
	maxTagLength   = 256
)

var (
	// ErrMalformedFrame marks a frame that was read completely but could not
	// be decoded. The stream is still aligned on the next frame.
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnsupportedType     = errors.New("unsupported parameter type")
	ErrNotEnoughParameters = errors.New("not enough parameters")
	ErrParameterType       = errors.New("unexpected parameter type")
)

type document struct {
	Version    int               `json:"v"`
	Command    string            `json:"command"`
	Parameters []json.RawMessage `json:"parameters"`
}

// Encode renders msg as one complete frame.
func Encode(reg *Registry, msg Message) ([]byte, error) {
	if msg.Command == "" {
		return nil, errors.New("command name is empty")
	}

	var buf bytes.Buffer
	raws := make([]json.RawMessage, len(msg.Parameters))
	for i, p := range msg.Parameters {
		codec, err := reg.codecFor(p)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %d", i)
		}
		raw, err := codec.encode(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode parameter %d as %s", i, codec.Tag)
		}
		raws[i] = raw
		buf.WriteString(codec.Tag)
		buf.WriteByte('\n')
	}
	buf.WriteString(EndTypes)
	buf.WriteByte('\n')

	body, err := json.Marshal(document{Version: Version, Command: msg.Command, Parameters: raws})
	if err != nil {
		return nil, errors.Wrap(err, "encode body")
	}
	if len(body) > maxPayloadSize {
		return nil, errors.Errorf("body size %d exceeds maximum %d bytes", len(body), maxPayloadSize)
	}
	buf.Write(body)
	buf.WriteByte('\n')
	buf.WriteString(EndObject)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Write encodes msg and writes it to w with a single Write call.
func Write(w io.Writer, reg *Registry, msg Message) error {
	frame, err := Encode(reg, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder reads frames from a stream. It is not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	reg    *Registry
	logger zerolog.Logger
}

// NewDecoder returns a Decoder reading from r. Unknown type tags are
// reported on logger.
func NewDecoder(r io.Reader, reg *Registry, logger zerolog.Logger) *Decoder {
	return &Decoder{
		r:      bufio.NewReader(r),
		reg:    reg,
		logger: logger,
	}
}

// Decode reads the next frame.
//
// Errors matching ErrMalformedFrame mean the frame was consumed but could
// not be decoded; the caller may keep reading. Any other error comes from the
// underlying stream.
func (d *Decoder) Decode() (Message, error) {
	codecs, ended, err := d.readTypes()
	if err != nil {
		return Message{}, err
	}
	if ended {
		return Message{}, errors.Wrap(ErrMalformedFrame, "frame ended inside the type list")
	}

	var body []byte
	tooLarge := false
	for {
		line, overflow, err := d.readLine(maxPayloadSize)
		if err != nil {
			return Message{}, err
		}
		if line == EndObject {
			break
		}
		if overflow || len(body)+len(line)+1 > maxPayloadSize {
			tooLarge = true
			body = nil
			continue
		}
		if !tooLarge {
			body = append(body, line...)
			body = append(body, '\n')
		}
	}
	if tooLarge {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "body exceeds %d bytes", maxPayloadSize)
	}
	return decodeDocument(body, codecs)
}

// readTypes reports ended when END_OBJECT shows up before END_TYPES, which
// means the frame is already fully consumed.
func (d *Decoder) readTypes() (codecs []*TypeCodec, ended bool, err error) {
	for {
		line, overflow, err := d.readLine(maxTagLength)
		if err != nil {
			return nil, false, err
		}
		switch {
		case line == EndTypes:
			return codecs, false, nil
		case line == EndObject:
			return nil, true, nil
		case line == "" && !overflow:
			continue
		}

		codec, ok := d.reg.Lookup(line)
		if !ok || overflow {
			d.logger.Warn().Str("tag", line).Msg("unknown parameter type, frame will probably fail to decode")
			continue
		}
		codecs = append(codecs, codec)
	}
}

// readLine returns the next line without its terminator. Lines longer than
// limit are consumed and reported through overflow with an empty result.
func (d *Decoder) readLine(limit int) (string, bool, error) {
	var line []byte
	overflow := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !overflow {
			if len(line)+len(chunk) > limit+2 {
				overflow = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", false, err
		}
		break
	}
	return strings.TrimRight(string(line), "\r\n"), overflow, nil
}

func decodeDocument(body []byte, codecs []*TypeCodec) (Message, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "decode body: %v", err)
	}
	if doc.Version != Version {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "unsupported version %d", doc.Version)
	}
	if doc.Command == "" {
		return Message{}, errors.Wrap(ErrMalformedFrame, "missing command")
	}
	if len(doc.Parameters) != len(codecs) {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "%d types declared for %d parameters", len(codecs), len(doc.Parameters))
	}

	params := make([]any, len(codecs))
	for i, codec := range codecs {
		v, err := codec.decode(doc.Parameters[i])
		if err != nil {
			return Message{}, errors.Wrapf(ErrMalformedFrame, "parameter %d as %s: %v", i, codec.Tag, err)
		}
		params[i] = v
	}
	return Message{Command: doc.Command, Parameters: params}, nil
}
