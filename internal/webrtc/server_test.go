package webrtc

import (
	"encoding/json"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/LucaChen/stream-client/internal/events"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/motion"
)

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer(nil, 1, nil, nil)

	cases := map[string]string{
		"not json":   `{`,
		"wrong type": `{"type":"answer","sdp":"v=0"}`,
		"empty sdp":  `{"type":"offer","sdp":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.HandleOffer([]byte(body))
			if !errors.Is(err, ErrInvalidOffer) {
				t.Fatalf("expected ErrInvalidOffer, got %v", err)
			}
		})
	}
	if s.ClientCount() != 0 {
		t.Fatalf("no client should be registered")
	}
}

// TestDataChannelReceivesEvents negotiates a loopback peer and checks that a
// published motion event arrives on its data channel.
func TestDataChannelReceivesEvents(t *testing.T) {
	ev := events.NewBroadcaster(nil)
	m := metrics.New()
	s := NewServer([]string{""}, 1, ev, m)
	defer s.Close()

	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	peer, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer peer.Close()

	dc, err := peer.CreateDataChannel("motion", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	received := make(chan []byte, 1)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case received <- msg.Data:
		default:
		}
	})

	offer, err := peer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(peer)
	if err := peer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered

	offerJSON, _ := json.Marshal(peer.LocalDescription())
	answerJSON, err := s.HandleOffer(offerJSON)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if err := peer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	if s.ClientCount() != 1 || m.TotalClients.Load() != 1 {
		t.Fatalf("client not registered: count=%d total=%d", s.ClientCount(), m.TotalClients.Load())
	}
	if _, err := s.HandleOffer(offerJSON); !errors.Is(err, ErrMaxClients) {
		t.Fatalf("expected ErrMaxClients, got %v", err)
	}

	// Publish until the server-side channel has subscribed.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case data := <-received:
			var msg events.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if msg.Kind != "tracking" || msg.Box == nil || msg.Box.W != 30 {
				t.Fatalf("unexpected event: %+v", msg)
			}
			return
		case <-tick.C:
			ev.Publish(motion.Event{
				Kind:  motion.EventTracking,
				Time:  time.Now(),
				State: "tracking",
				Box:   image.Rect(0, 0, 30, 40),
			})
		case <-deadline:
			t.Fatalf("no event received over the data channel")
		}
	}
}
