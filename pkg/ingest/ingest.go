// Package ingest receives microphone audio over WebRTC and turns it into PCM
// frames for the live speech engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"example.com/speech_hub/pkg/audio"
)

const (
	// DefaultSampleRate of the frames produced by the ingest
	DefaultSampleRate = 48000

	defaultFrameBuffer = 256
	maxOfferBytes      = 64 << 10
	gatherTimeout      = 10 * time.Second
)

// ErrClosed is returned by Accept after Close
var ErrClosed = errors.New("ingest: closed")

// Decoder turns one Opus payload into mono PCM s16le
type Decoder interface {
	DecodeMono(payload []byte) ([]byte, error)
}

// Config configures an Ingest
type Config struct {
	ICEServers  []string
	FrameBuffer int
	// SampleRate the Opus audio is decoded at: 8000, 12000, 16000, 24000 or 48000
	SampleRate int
	// NewDecoder overrides the Opus decoder, mostly for tests
	NewDecoder func() (Decoder, error)
	Logger     *zap.Logger
}

// Ingest accepts WebRTC audio senders and exposes their audio as one PCM stream
type Ingest struct {
	iceServers []string
	sampleRate int
	newDecoder func() (Decoder, error)
	logger     *zap.Logger
	frames     chan []byte

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool
}

// New creates an ingest with no connected senders
func New(cfg Config) *Ingest {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.NewDecoder == nil {
		rate := cfg.SampleRate
		cfg.NewDecoder = func() (Decoder, error) { return audio.NewOpusDecoder(rate, 2) }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Ingest{
		iceServers: cfg.ICEServers,
		sampleRate: cfg.SampleRate,
		newDecoder: cfg.NewDecoder,
		logger:     cfg.Logger.Named("ingest"),
		frames:     make(chan []byte, cfg.FrameBuffer),
		peers:      make(map[string]*webrtc.PeerConnection),
	}
}

// Frames returns mono PCM s16le frames at SampleRate
func (in *Ingest) Frames() <-chan []byte {
	return in.frames
}

// SampleRate returns the rate of the frames
func (in *Ingest) SampleRate() int {
	return in.sampleRate
}

// Peers returns the number of connected senders
func (in *Ingest) Peers() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.peers)
}

func (in *Ingest) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(in.iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: in.iceServers}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(config)
}

// Accept answers an SDP offer from an audio sender. The answer is returned
// once ICE gathering completes, so no candidate exchange is needed.
func (in *Ingest) Accept(ctx context.Context, offerSDP string) (string, error) {
	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	pc, err := in.newPeerConnection()
	if err != nil {
		return "", fmt.Errorf("ingest: create peer connection: %w", err)
	}
	id := uuid.NewString()
	logger := in.logger.With(zap.String("peer", id))

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("ingest: add transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("audio track received", zap.String("codec", track.Codec().MimeType))
		go in.consume(id, func(buf []byte) (int, error) {
			n, _, err := track.Read(buf)
			return n, err
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			in.remove(id)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("ingest: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("ingest: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("ingest: set local description: %w", err)
	}

	gatherCtx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		_ = pc.Close()
		return "", fmt.Errorf("ingest: ice gathering: %w", gatherCtx.Err())
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		_ = pc.Close()
		return "", ErrClosed
	}
	in.peers[id] = pc
	in.mu.Unlock()

	logger.Info("audio sender connected")
	return pc.LocalDescription().SDP, nil
}

// consume reads RTP from one track until it ends
func (in *Ingest) consume(peerID string, read func([]byte) (int, error)) {
	decoder, err := in.newDecoder()
	if err != nil {
		in.logger.Error("create decoder", zap.String("peer", peerID), zap.Error(err))
		return
	}

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	dropped := 0
	for {
		n, err := read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				in.logger.Debug("audio stream ended", zap.String("peer", peerID), zap.Error(err))
			}
			if dropped > 0 {
				in.logger.Warn("audio frames dropped", zap.String("peer", peerID), zap.Int("count", dropped))
			}
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(packet.Payload) == 0 {
			continue
		}

		pcm, err := decoder.DecodeMono(packet.Payload)
		if err != nil {
			continue
		}
		if !in.push(pcm) {
			dropped++
		}
	}
}

// push queues a frame without blocking; a full queue drops it
func (in *Ingest) push(frame []byte) bool {
	select {
	case in.frames <- frame:
		return true
	default:
		return false
	}
}

func (in *Ingest) remove(id string) {
	in.mu.Lock()
	pc, ok := in.peers[id]
	delete(in.peers, id)
	in.mu.Unlock()
	if ok {
		_ = pc.Close()
		in.logger.Info("audio sender disconnected", zap.String("peer", id))
	}
}

// Close disconnects every sender
func (in *Ingest) Close() error {
	in.mu.Lock()
	in.closed = true
	peers := in.peers
	in.peers = make(map[string]*webrtc.PeerConnection)
	in.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sdpMessage struct {
	SDP string `json:"sdp"`
}

// ServeHTTP handles POST {"sdp": offer} with {"sdp": answer}
func (in *Ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer sdpMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxOfferBytes)).Decode(&offer); err != nil || offer.SDP == "" {
		http.Error(w, "expected {\"sdp\": \"...\"}", http.StatusBadRequest)
		return
	}

	answer, err := in.Accept(r.Context(), offer.SDP)
	if err != nil {
		in.logger.Warn("offer rejected", zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sdpMessage{SDP: answer})
}
