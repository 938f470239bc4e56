// Package ipc implements the framed envelope transport (C1, Frame Codec)
// and the bidirectional message bus (C2, IPC Message Bus) described in
// SPEC_FULL.md / spec.md §4.1-4.2.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// frameMarker is the optional literal prefix an implementation variant uses
// ahead of the JSON body. It MUST be stripped before parsing.
const frameMarker = "IPC_MSG::"

const defaultMaxMessageSize = 1 << 20 // 1 MiB

// Codec reads newline-delimited, optionally IPC_MSG::-prefixed JSON envelopes
// from a stream, and writes them the same way. One Codec wraps one
// connection's read and write sides.
type Codec struct {
	reader         *bufio.Reader
	writer         io.Writer
	maxMessageSize int
}

// NewCodec wraps rw with framing for both directions. maxMessageSize <= 0
// uses the 1 MiB default.
func NewCodec(r io.Reader, w io.Writer, maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Codec{
		reader:         bufio.NewReaderSize(r, 64*1024),
		writer:         w,
		maxMessageSize: maxMessageSize,
	}
}

// ReadEnvelope blocks for the next newline-delimited frame, strips the
// optional marker prefix, enforces the size limit, and unmarshals it.
// A frame that is oversized or fails to parse returns a *crawlerr.Error of
// kind message_parsing; the caller should log it and keep reading — the
// connection itself is not torn down by a single bad frame.
func (c *Codec) ReadEnvelope() (*models.Envelope, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if len(line) == 0 {
				return nil, err
			}
			// Last partial frame before EOF/closed stream: try to parse it
			// anyway, then surface the original error on the next call.
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		if bytes.HasPrefix(line, []byte(frameMarker)) {
			line = line[len(frameMarker):]
		}

		if len(line) > c.maxMessageSize {
			return nil, crawlerr.New(crawlerr.KindMessageParsing, crawlerr.SeverityLow,
				fmt.Sprintf("frame of %d bytes exceeds max message size %d", len(line), c.maxMessageSize))
		}

		env, parseErr := parseEnvelope(line)
		if parseErr != nil {
			return nil, parseErr
		}
		return env, nil
	}
}

// parseEnvelope unmarshals a single frame, scanning forward to the next '{'
// on a syntax error rather than giving up — a best-effort recovery for
// frames corrupted by a partial write earlier in the stream.
func parseEnvelope(line []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(line, &env); err == nil {
		if verr := env.Validate(); verr != nil {
			return nil, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityLow,
				"envelope failed validation", verr)
		}
		return &env, nil
	}

	idx := bytes.IndexByte(line, '{')
	if idx < 0 {
		return nil, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityLow,
			"no JSON object found in frame", io.ErrUnexpectedEOF)
	}

	var env2 models.Envelope
	if err := json.Unmarshal(line[idx:], &env2); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityLow,
			"failed to parse envelope after forward scan", err)
	}
	if verr := env2.Validate(); verr != nil {
		return nil, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityLow,
			"envelope failed validation after forward scan", verr)
	}
	return &env2, nil
}

// WriteEnvelope marshals and writes one newline-terminated frame.
func (c *Codec) WriteEnvelope(env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityLow, "failed to marshal envelope", err)
	}
	if len(data) > c.maxMessageSize {
		return crawlerr.New(crawlerr.KindMessageParsing, crawlerr.SeverityLow,
			fmt.Sprintf("outgoing frame of %d bytes exceeds max message size %d", len(data), c.maxMessageSize))
	}
	data = append(data, '\n')
	if _, err := c.writer.Write(data); err != nil {
		return crawlerr.Wrap(crawlerr.KindNetwork, crawlerr.SeverityMedium, "failed to write frame", err)
	}
	return nil
}
