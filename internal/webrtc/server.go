// Package webrtc pushes motion events to browsers over WebRTC data channels.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/LucaChen/stream-client/internal/events"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
)

var (
	// ErrInvalidOffer is returned for malformed SDP offers.
	ErrInvalidOffer = errors.New("webrtc: invalid offer")
	// ErrMaxClients is returned when the client limit is reached.
	ErrMaxClients = errors.New("webrtc: maximum clients reached")
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Client represents a connected WebRTC peer
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	closeChan  chan struct{}
	closeOnce  sync.Once
	mu         sync.Mutex
	eventsSent uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	events     *events.Broadcaster
	metrics    *metrics.Metrics
}

// NewServer creates a server that forwards events from ev to every peer.
func NewServer(stunServers []string, maxClients int, ev *events.Broadcaster, m *metrics.Metrics) *Server {
	// nil selects the default STUN server; empty entries are skipped, so
	// []string{""} runs host candidates only.
	if stunServers == nil {
		stunServers = []string{defaultSTUN}
	}
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if maxClients <= 0 {
		maxClients = 10
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		events:     ev,
		metrics:    m,
	}
}

// HandleOffer answers an SDP offer. Events flow on every data channel the peer opens.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected a non-empty offer, got type %q", ErrInvalidOffer, offer.Type)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "Client %s opened data channel %q", client.id, dc.Label())
		dc.OnOpen(func() {
			go s.sendEvents(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.TotalClients.Add(1)
		s.metrics.ActiveClients.Store(uint64(count))
	}
	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, errors.New("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// sendEvents forwards motion events to one data channel until the client goes away.
func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	if s.events == nil {
		return
	}
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	for {
		select {
		case <-client.closeChan:
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if err := dc.SendText(string(ev.JSONData)); err != nil {
				logger.Debug("WebRTC", "Client %s send failed: %v", client.id, err)
				return
			}
			client.mu.Lock()
			client.eventsSent++
			client.mu.Unlock()
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	client.closeOnce.Do(func() { close(client.closeChan) })
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Close client %s: %v", clientID, err)
	}
	if s.metrics != nil {
		s.metrics.ActiveClients.Store(uint64(count))
	}

	client.mu.Lock()
	sent := client.eventsSent
	client.mu.Unlock()
	logger.Info("WebRTC", "Client %s disconnected (events sent: %d)", clientID, sent)
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
