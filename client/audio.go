package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioSender publishes an Opus microphone track to the hub's audio ingest
type AudioSender struct {
	offerURL   string
	httpClient *http.Client
	logger     *zap.Logger

	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	audioTrack     *webrtc.TrackLocalStaticRTP

	rtpMu        sync.Mutex
	rtpSeqNum    uint16
	rtpTimestamp uint32
}

// NewAudioSender creates a sender for an offer endpoint, e.g. http://localhost:8765/audio/offer
func NewAudioSender(offerURL string, logger *zap.Logger) *AudioSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioSender{
		offerURL:   offerURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger.Named("audio_sender"),
	}
}

type sdpMessage struct {
	SDP string `json:"sdp"`
}

// Connect negotiates the peer connection. The offer carries all ICE
// candidates, so a single HTTP round trip is enough.
func (s *AudioSender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peerConnection != nil {
		return fmt.Errorf("already connected")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio-"+id,
		"stream-"+id,
	)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to add track: %w", err)
	}

	// Read and discard RTCP packets
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("connection state", zap.String("state", state.String()))
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return ctx.Err()
	}

	answer, err := s.postOffer(ctx, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	s.peerConnection = pc
	s.audioTrack = track
	s.logger.Info("audio sender connected", zap.String("url", s.offerURL))
	return nil
}

func (s *AudioSender) postOffer(ctx context.Context, sdp string) (string, error) {
	body, err := json.Marshal(sdpMessage{SDP: sdp})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.offerURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("offer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("offer rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var answer sdpMessage
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	return answer.SDP, nil
}

// WriteOpus writes one 20ms Opus frame with RTP headers
func (s *AudioSender) WriteOpus(opusData []byte) error {
	s.mu.Lock()
	track := s.audioTrack
	s.mu.Unlock()
	if track == nil {
		return fmt.Errorf("audio track not initialized")
	}

	s.rtpMu.Lock()
	seqNum := s.rtpSeqNum
	timestamp := s.rtpTimestamp
	s.rtpSeqNum++
	s.rtpTimestamp += 960 // 20ms at 48kHz
	s.rtpMu.Unlock()

	return track.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seqNum,
			Timestamp:      timestamp,
		},
		Payload: opusData,
	})
}

// Close tears down the peer connection
func (s *AudioSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peerConnection == nil {
		return nil
	}
	err := s.peerConnection.Close()
	s.peerConnection = nil
	s.audioTrack = nil
	return err
}
