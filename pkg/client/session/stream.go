package session

import (
	"io"

	"cdba/pkg/client/outqueue"
	"cdba/pkg/proto"
)

// chunkSize is the fixed image chunk size streamed per FASTBOOT_DOWNLOAD
// frame (spec.md §4.5.1).
const chunkSize = 2048

// imageStreamer is an outqueue.Item that sends a boot image as a sequence
// of FASTBOOT_DOWNLOAD frames, chunkSize bytes at a time, followed by one
// empty-payload frame marking the end. Between chunks — a genuine frame
// boundary — it reports outqueue.Yielded so other pending work (keypresses,
// replies) is not starved; a write that blocks mid-frame instead reports
// outqueue.Blocked so the queue retries this exact item before anything
// else, keeping one frame's bytes from being interleaved with another's.
type imageStreamer struct {
	data   []byte
	offset int

	pending []byte
	pendOff int

	sentSentinel bool
}

func newImageStreamer(data []byte) *imageStreamer {
	return &imageStreamer{data: data}
}

func (s *imageStreamer) Attempt(w io.Writer) (outqueue.Status, error) {
	if s.pending == nil {
		chunk := s.nextChunk()
		frame, err := proto.Encode(nil, proto.FastbootDownload, chunk)
		if err != nil {
			return outqueue.Blocked, err
		}
		s.pending = frame
		s.pendOff = 0
		if len(chunk) == 0 {
			s.sentSentinel = true
		}
	}

	for s.pendOff < len(s.pending) {
		n, err := w.Write(s.pending[s.pendOff:])
		s.pendOff += n
		if err != nil {
			return outqueue.Blocked, err
		}
		if n == 0 {
			return outqueue.Blocked, nil
		}
	}

	s.pending = nil
	if s.sentSentinel {
		return outqueue.Done, nil
	}
	return outqueue.Yielded, nil
}

// nextChunk returns up to chunkSize unsent bytes, and an empty (non-nil)
// slice exactly once, after the image is exhausted.
func (s *imageStreamer) nextChunk() []byte {
	if s.offset >= len(s.data) {
		return []byte{}
	}
	end := s.offset + chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk
}
