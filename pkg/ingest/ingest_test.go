package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// echoDecoder returns the payload unchanged and rejects payloads starting with 0xff
type echoDecoder struct{}

func (echoDecoder) DecodeMono(payload []byte) ([]byte, error) {
	if payload[0] == 0xff {
		return nil, errors.New("corrupt frame")
	}
	return append([]byte(nil), payload...), nil
}

func newTestIngest(buffer int) *Ingest {
	return New(Config{
		ICEServers:  []string{},
		FrameBuffer: buffer,
		NewDecoder:  func() (Decoder, error) { return echoDecoder{}, nil },
	})
}

func rtpReader(t *testing.T, payloads ...[]byte) func([]byte) (int, error) {
	t.Helper()
	var packets [][]byte
	for i, p := range payloads {
		raw, err := (&rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), SSRC: 1},
			Payload: p,
		}).Marshal()
		require.NoError(t, err)
		packets = append(packets, raw)
	}
	packets = append(packets, []byte{0x00}) // not RTP

	return func(buf []byte) (int, error) {
		if len(packets) == 0 {
			return 0, io.EOF
		}
		n := copy(buf, packets[0])
		packets = packets[1:]
		return n, nil
	}
}

func TestConsume_DecodesPayloadsInOrder(t *testing.T) {
	in := newTestIngest(8)
	in.consume("peer", rtpReader(t, []byte{1, 2}, []byte{}, []byte{0xff, 0}, []byte{3, 4}))

	require.Equal(t, []byte{1, 2}, <-in.Frames())
	require.Equal(t, []byte{3, 4}, <-in.Frames())
	require.Empty(t, in.Frames(), "empty and undecodable payloads are skipped")
}

func TestConsume_DropsWhenFull(t *testing.T) {
	in := newTestIngest(1)
	in.consume("peer", rtpReader(t, []byte{1}, []byte{2}, []byte{3}))

	require.Equal(t, []byte{1}, <-in.Frames())
	require.Empty(t, in.Frames())
}

func TestServeHTTP_RejectsBadRequests(t *testing.T) {
	in := newTestIngest(1)

	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/offer", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	in.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audio/offer", strings.NewReader(`{"sdp":""}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	in.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audio/offer", strings.NewReader(`{"sdp":"garbage"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, in.Close())
	rec = httptest.NewRecorder()
	in.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audio/offer", strings.NewReader(`{"sdp":"v=0"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTP_AnswersOffer(t *testing.T) {
	in := newTestIngest(1)
	defer in.Close()

	sender, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	require.NoError(t, err)

	offer, err := sender.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(sender)
	require.NoError(t, sender.SetLocalDescription(offer))
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("sender ice gathering timed out")
	}

	body, err := json.Marshal(sdpMessage{SDP: sender.LocalDescription().SDP})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/audio/offer", bytes.NewReader(body)).WithContext(context.Background())
	in.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var answer sdpMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	require.Contains(t, answer.SDP, "opus/48000")
	require.Contains(t, answer.SDP, "a=recvonly")
	require.Equal(t, 1, in.Peers())

	require.NoError(t, sender.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))
}
