package webrtc

import (
	"errors"
	"io"

	"castrelay/internal/core/domain"
	"castrelay/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// rtpBufPool recycles read buffers across relay goroutines. 1500 covers
// the usual path MTU.
var rtpBufPool = optimize.NewBytePool(1500)

// trackRelay forwards one broadcaster track to every viewer downlink.
// The remote track is pumped into a local static track; pion fans the
// packets out to each peer connection the local track was added to.
type trackRelay struct {
	streamID domain.StreamID
	local    *webrtc.TrackLocalStaticRTP
	remote   *webrtc.TrackRemote
	uplink   *webrtc.PeerConnection

	done chan struct{}
}

func (r *trackRelay) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// requestKeyframe asks the broadcaster for a fresh keyframe so a viewer
// attached mid-stream can decode immediately.
func (r *trackRelay) requestKeyframe() {
	if r.uplink == nil {
		return
	}
	r.uplink.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(r.remote.SSRC())},
	})
}

// onBroadcasterTrack installs the relay for each track the broadcaster
// publishes. Tracks appearing after viewers joined are attached to the
// existing downlinks.
func (m *Manager) onBroadcasterTrack(ps *peerSession, uplink *webrtc.PeerConnection) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.logger.Infow("broadcaster track received",
			"stream_id", ps.streamID, "track_id", remote.ID(), "codec", remote.Codec().MimeType)

		local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
		if err != nil {
			m.logger.Errorw("failed to create relay track",
				"stream_id", ps.streamID, "track_id", remote.ID(), "error", err)
			return
		}

		r := &trackRelay{
			streamID: ps.streamID,
			local:    local,
			remote:   remote,
			uplink:   uplink,
			done:     make(chan struct{}),
		}

		m.mu.Lock()
		ps.relays = append(ps.relays, r)
		downlinks := make([]*webrtc.PeerConnection, 0, len(ps.viewers))
		for _, vh := range ps.viewers {
			downlinks = append(downlinks, vh.pc)
		}
		m.mu.Unlock()

		for _, pc := range downlinks {
			if _, err := pc.AddTrack(local); err != nil {
				m.logger.Warnw("failed to attach relay track to downlink",
					"stream_id", ps.streamID, "track_id", remote.ID(), "error", err)
			}
		}

		go m.drainRTCP(ps.streamID, receiver)
		go m.pumpTrack(r)
	}
}

// pumpTrack copies RTP from the remote track to the relay track until
// the uplink dies or the relay is stopped.
func (m *Manager) pumpTrack(r *trackRelay) {
	buf := rtpBufPool.Get()
	defer rtpBufPool.Put(buf)
	pkt := &rtp.Packet{}

	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, _, err := r.remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("relay read ended",
					"stream_id", r.streamID, "track_id", r.remote.ID(), "error", err)
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Warnw("dropping malformed RTP packet",
				"stream_id", r.streamID, "track_id", r.remote.ID(), "error", err)
			continue
		}

		if err := r.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debugw("relay write failed",
				"stream_id", r.streamID, "track_id", r.remote.ID(), "error", err)
		}
	}
}

// drainRTCP keeps the receiver's RTCP path flowing so the interceptor
// chain stays healthy. Reports are not acted on.
func (m *Manager) drainRTCP(streamID domain.StreamID, receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}
