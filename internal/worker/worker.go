package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/utils" // Using the SafeCommand wrapper
)

// maxResponse caps a single reply so a corrupted header cannot make us allocate gigabytes.
const maxResponse = 16 * 1024 * 1024

// DetectorWorker is an external face detector process. Frames go in on stdin,
// replies come back on a dedicated pipe (FD 3) so the child's stdout stays free for logs.
type DetectorWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// New starts name with args as worker id.
func New(id int, name string, args ...string) (*DetectorWorker, error) {
	proc := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write-end now.
	w.Close()

	return &DetectorWorker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed reply.
// Protocol: [Length uint32 BE][Data] in both directions.
func (w *DetectorWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed worker
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// RemoteError is an error reported by the worker itself. The process is still healthy.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "detector worker error: " + e.Msg }

// EncodeFrame packs a raster as [width uint32][height uint32][RGB bytes].
func EncodeFrame(width, height int, pix []byte, stride int) []byte {
	buf := make([]byte, 8, 8+width*height*3)
	binary.BigEndian.PutUint32(buf[0:], uint32(width))
	binary.BigEndian.PutUint32(buf[4:], uint32(height))
	for y := 0; y < height; y++ {
		row := pix[y*stride:]
		for x := 0; x < width; x++ {
			buf = append(buf, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return buf
}

// DetectFrame sends one RGBA raster and parses the detections.
//
// Reply: [Status uint8] then either
//
//	status 0: [NumFaces uint32] NumFaces x [cx cy w h float32][trackingId int32]
//	status 1: [MsgLen uint32][Msg]
func (w *DetectorWorker) DetectFrame(width, height int, pix []byte, stride int) ([]types.FaceRecord, error) {
	resp, err := w.Communicate(EncodeFrame(width, height, pix, stride))
	if err != nil {
		return nil, err
	}
	return ParseResponse(resp)
}

// ParseResponse decodes a reply body.
func ParseResponse(resp []byte) ([]types.FaceRecord, error) {
	if len(resp) < 1 {
		return nil, errors.New("empty response from detector worker")
	}
	r := bytes.NewReader(resp[1:])

	if resp[0] == 1 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &RemoteError{Msg: string(msg)}
	}
	if resp[0] != 0 {
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	// 5 fields of 4 bytes each.
	if int64(n)*20 > int64(r.Len()) {
		return nil, fmt.Errorf("response declares %d faces but holds %d bytes", n, r.Len())
	}

	faces := make([]types.FaceRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw struct {
			Box [4]float32
			ID  int32
		}
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		faces = append(faces, types.FaceRecord{
			Box: types.DetectorBox{
				CenterX: raw.Box[0],
				CenterY: raw.Box[1],
				Width:   raw.Box[2],
				Height:  raw.Box[3],
			},
			TrackingID: int(raw.ID),
		})
	}
	return faces, nil
}

// Kill terminates the process without waiting for it.
func (w *DetectorWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *DetectorWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
