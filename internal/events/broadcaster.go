// Package events fans motion tracker events out to SSE and WebRTC clients.
package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/motion"
	"github.com/LucaChen/stream-client/pkg/types"
)

// subscriberBuffer is the number of events held per slow subscriber before drops.
const subscriberBuffer = 8

// Message is the JSON shape of one motion event.
type Message struct {
	ID       string             `json:"id"`
	Kind     string             `json:"kind"`
	State    string             `json:"state"`
	Time     time.Time          `json:"time"`
	Seq      uint64             `json:"seq"`
	Box      *types.BoundingBox `json:"box,omitempty"`
	Area     float64            `json:"area,omitempty"`
	Filename string             `json:"filename,omitempty"`
}

// SerializedEvent holds one event pre-serialized in both SSE formats, so it is
// encoded once regardless of the number of subscribers.
type SerializedEvent struct {
	Message      Message
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// Broadcaster manages fanout of motion events to multiple subscribers.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
	metrics *metrics.Metrics
}

// NewBroadcaster returns an empty broadcaster. m may be nil.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
// After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	if b.metrics != nil {
		b.metrics.EventSubscribers.Add(1)
	}

	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		if b.metrics != nil {
			metrics.Decrement(&b.metrics.EventSubscribers)
		}
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes e and sends it to every subscriber. Slow subscribers miss it.
func (b *Broadcaster) Publish(e motion.Event) {
	b.mu.Lock()
	n := len(b.clients)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	ev, err := Serialize(e)
	if err != nil {
		logger.Error("Events", "Serialize %s event: %v", e.Kind, err)
		return
	}
	b.broadcast(ev)
}

func (b *Broadcaster) broadcast(ev *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			logger.Debug("Events", "Client #%d too slow, dropped %s event", id, ev.Message.Kind)
		}
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
		if b.metrics != nil {
			metrics.Decrement(&b.metrics.EventSubscribers)
		}
	}
}

// NewMessage converts a tracker event into its wire form with a fresh ID.
func NewMessage(e motion.Event) Message {
	m := Message{
		ID:       uuid.NewString(),
		Kind:     string(e.Kind),
		State:    e.State,
		Time:     e.Time.UTC(),
		Seq:      e.Seq,
		Area:     e.Area,
		Filename: e.Filename,
	}
	if !e.Box.Empty() {
		box := types.BoxFromRect(e.Box)
		m.Box = &box
	}
	return m
}

// Serialize encodes e as JSON and as a base64 protobuf Struct.
func Serialize(e motion.Event) (*SerializedEvent, error) {
	msg := NewMessage(e)

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("events: json: %w", err)
	}

	pbMsg, err := toStruct(msg)
	if err != nil {
		return nil, fmt.Errorf("events: protobuf: %w", err)
	}
	pbData, err := proto.Marshal(pbMsg)
	if err != nil {
		return nil, fmt.Errorf("events: protobuf: %w", err)
	}

	return &SerializedEvent{
		Message:      msg,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

func toStruct(m Message) (*structpb.Struct, error) {
	ts := timestamppb.New(m.Time)
	fields := map[string]any{
		"id":    m.ID,
		"kind":  m.Kind,
		"state": m.State,
		"time": map[string]any{
			"seconds": ts.GetSeconds(),
			"nanos":   ts.GetNanos(),
		},
		"seq": m.Seq,
	}
	if m.Box != nil {
		fields["box"] = map[string]any{
			"x": m.Box.X,
			"y": m.Box.Y,
			"w": m.Box.W,
			"h": m.Box.H,
		}
	}
	if m.Area > 0 {
		fields["area"] = m.Area
	}
	if m.Filename != "" {
		fields["filename"] = m.Filename
	}
	return structpb.NewStruct(fields)
}
