package overlay

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/braianuc/p3facereco/internal/types"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Output formats understood by EncoderSink.
const (
	FormatJSONL   = "jsonl"
	FormatMsgpack = "msgpack"
)

type encoder interface {
	Encode(v any) error
}

// EncoderSink writes one record per annotation. Clear writes nothing; records
// carry their frame sequence so readers can regroup cycles.
type EncoderSink struct {
	enc    encoder
	count  int
	err    error
	logger *zap.Logger
}

// NewEncoderSink creates a sink writing format records to w.
func NewEncoderSink(w io.Writer, format string, logger *zap.Logger) (*EncoderSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &EncoderSink{logger: logger}
	switch format {
	case FormatJSONL, "":
		s.enc = json.NewEncoder(w)
	case FormatMsgpack:
		s.enc = msgpack.NewEncoder(w)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return s, nil
}

func (s *EncoderSink) Clear() {}

func (s *EncoderSink) Publish(a types.Annotation) {
	if s.err != nil {
		return
	}
	if err := s.enc.Encode(a); err != nil {
		// Keep the first error and stop writing; the pipeline must not fail on a sink.
		s.err = err
		s.logger.Error("annotation sink failed", zap.String("tag", "overlay"), zap.Error(err))
		return
	}
	s.count++
}

// Count is the number of records written.
func (s *EncoderSink) Count() int { return s.count }

// Err returns the first write error, if any.
func (s *EncoderSink) Err() error { return s.err }

// LogSink logs every annotation at debug level.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) Clear() {}

func (l LogSink) Publish(a types.Annotation) {
	l.Logger.Debug("annotation",
		zap.String("stream", a.StreamID),
		zap.Uint64("seq", a.FrameSeq),
		zap.Int("tracking_id", a.TrackingID),
		zap.String("label", a.Label),
		zap.Float32("confidence", a.Confidence),
		zap.Bool("has_label", a.HasLabel),
	)
}
