// Package rtsp republishes the camera as an RTP/MJPEG stream on an RTSP server.
package rtsp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/relay"
)

// Path is the only stream path served.
const Path = "/live"

const clockRate = 90000

// Server serves one MJPEG video media fed from the frame broadcaster. The camera
// is only subscribed while at least one session is playing.
type Server struct {
	addr    string
	frames  *relay.FrameBroadcaster
	metrics *metrics.Metrics

	format *format.MJPEG
	media  *description.Media

	server *gortsplib.Server
	stream *gortsplib.ServerStream

	mu      sync.Mutex
	playing map[*gortsplib.ServerSession]struct{}
	wake    chan struct{}
}

// NewServer returns a server listening on addr once started.
func NewServer(addr string, frames *relay.FrameBroadcaster, m *metrics.Metrics) *Server {
	forma := &format.MJPEG{}
	return &Server{
		addr:    addr,
		frames:  frames,
		metrics: m,
		format:  forma,
		media: &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{forma},
		},
		playing: make(map[*gortsplib.ServerSession]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: s.addr,
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("rtsp: listen on %s: %w", s.addr, err)
	}
	s.stream = gortsplib.NewServerStream(s.server, &description.Session{
		Medias: []*description.Media{s.media},
	})
	defer func() {
		s.stream.Close()
		s.server.Close()
	}()
	logger.Info("RTSP", "Serving rtsp://%s%s", s.addr, Path)

	enc, err := s.format.CreateEncoder()
	if err != nil {
		return fmt.Errorf("rtsp: create encoder: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		if s.sessions() == 0 {
			continue
		}
		if err := s.pump(ctx, enc); err != nil {
			return err
		}
	}
}

// pump relays frames while sessions are playing.
func (s *Server) pump(ctx context.Context, enc *rtpmjpeg.Encoder) error {
	sub := s.frames.Subscribe()
	defer sub.Close()
	logger.Info("RTSP", "Relaying camera to %d session(s)", s.sessions())

	var start time.Time
	for s.sessions() > 0 {
		frame, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtsp: frame source: %w", err)
		}
		if start.IsZero() {
			start = frame.Timestamp
		}

		jpg, err := frame.JPEG()
		ts := frame.Timestamp
		frame.Close()
		if err != nil {
			logger.Warn("RTSP", "Skip frame: %v", err)
			continue
		}

		pkts, err := packetize(enc, jpg, rtpTimestamp(start, ts))
		if err != nil {
			logger.Warn("RTSP", "Packetize frame: %v", err)
			continue
		}
		for _, pkt := range pkts {
			if err := s.stream.WritePacketRTPWithNTP(s.media, pkt, ts); err != nil {
				logger.Debug("RTSP", "Write packet: %v", err)
			}
		}
	}
	logger.Info("RTSP", "No sessions playing, camera relay paused")
	return nil
}

func packetize(enc *rtpmjpeg.Encoder, jpg []byte, timestamp uint32) ([]*rtp.Packet, error) {
	pkts, err := enc.Encode(jpg)
	if err != nil {
		return nil, err
	}
	for _, pkt := range pkts {
		pkt.Timestamp = timestamp
	}
	return pkts, nil
}

// rtpTimestamp converts a capture time to the 90kHz media clock.
func rtpTimestamp(start, ts time.Time) uint32 {
	d := ts.Sub(start)
	if d < 0 {
		d = 0
	}
	return uint32(int64(d) * clockRate / int64(time.Second))
}

func (s *Server) sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playing)
}

func matchPath(p string) bool {
	return strings.Trim(p, "/") == strings.Trim(Path, "/")
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	logger.Debug("RTSP", "Connection opened from %v", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	logger.Debug("RTSP", "Connection closed: %v", ctx.Error)
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.mu.Lock()
	if _, ok := s.playing[ctx.Session]; ok {
		delete(s.playing, ctx.Session)
		if s.metrics != nil {
			s.metrics.RTSPClients.Store(uint64(len(s.playing)))
		}
	}
	s.mu.Unlock()
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe.
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !matchPath(ctx.Path) {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup.
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !matchPath(ctx.Path) {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.mu.Lock()
	s.playing[ctx.Session] = struct{}{}
	if s.metrics != nil {
		s.metrics.RTSPClients.Store(uint64(len(s.playing)))
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	logger.Info("RTSP", "Session started playing %s", ctx.Path)
	return &base.Response{StatusCode: base.StatusOK}, nil
}
