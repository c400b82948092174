package netcam

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/rtp"
	"gocv.io/x/gocv"
)

// SnapshotClient pulls a single still frame from a camera's HTTP
// snapshot endpoint. This is the synchronous capture() path; it never
// touches the preview RTSP connection.
type SnapshotClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewSnapshotClient builds a client against a snapshot URL.
func NewSnapshotClient(snapshotURL string, logger *slog.Logger) *SnapshotClient {
	return &SnapshotClient{
		url:    snapshotURL,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Capture fetches and decodes one frame as a BGR gocv.Mat. Callers own
// the returned Mat and must Close it.
func (s *SnapshotClient) Capture(ctx context.Context) (gocv.Mat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gocv.Mat{}, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("read snapshot body: %w", err)
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decoded snapshot is empty")
	}

	return img, nil
}

// PreviewFrame is one undecoded H.264 access unit forwarded to a
// preview subscriber.
type PreviewFrame struct {
	Data      []byte
	Keyframe  bool
	CapturedAt time.Time
}

// PreviewSource streams undecoded H.264 access units from the
// camera's RTSP endpoint. It is mutually exclusive with inspection
// cycles: the caller must stop the preview session before arming an
// engine run and must not resume it until the run stops.
type PreviewSource struct {
	rtspURL string
	logger  *slog.Logger
}

// NewPreviewSource builds a preview source bound to an RTSP URL.
func NewPreviewSource(rtspURL string, logger *slog.Logger) *PreviewSource {
	return &PreviewSource{rtspURL: rtspURL, logger: logger}
}

// Stream connects, negotiates tracks, and forwards access units on
// frames until ctx is cancelled or the connection drops.
func (p *PreviewSource) Stream(ctx context.Context, frames chan<- PreviewFrame) error {
	client := NewRTSPClient(p.rtspURL, p.logger)
	depacketizer := NewH264Depacketizer()

	depacketizer.OnFrame = func(accessUnit []byte, keyframe bool) {
		frame := PreviewFrame{Data: accessUnit, Keyframe: keyframe, CapturedAt: time.Now()}
		select {
		case frames <- frame:
		default:
			// Drop rather than block the depacketizer; preview is
			// best-effort and never allowed to back-pressure the
			// RTP read loop.
		}
	}

	client.OnRTPPacket = func(channel byte, pkt *rtp.Packet) {
		if channel%2 != 0 {
			return
		}
		if err := depacketizer.ProcessPacket(pkt); err != nil {
			p.logger.Warn("preview depacketize error", "error", err)
		}
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	if err := client.SetupTracks(); err != nil {
		return fmt.Errorf("setup tracks: %w", err)
	}

	if err := client.Play(ctx); err != nil {
		return fmt.Errorf("play: %w", err)
	}

	return client.ReadPackets(ctx)
}
