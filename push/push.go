// Package push fans tag runtime events out to broker publishers. A
// manager watches tags through the event callback, decodes completed
// reads into Go values, and hands them to every attached publisher
// (MQTT, Kafka, Valkey) on a bounded queue so slow brokers never stall
// the tickler.
package push

import (
	"encoding/binary"
	"sync"
	"time"

	"taglink"
	"taglink/logging"
	"taglink/status"
)

// Item is one published tag observation.
type Item struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Event     string      `json:"event"`
	Value     interface{} `json:"value"`
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher is the sink interface implemented by the broker packages.
type Publisher interface {
	Name() string
	IsRunning() bool
	Publish(item Item) error
}

// queueSize bounds pending publishes; on overflow the new item is
// rejected and logged, and the items already queued are kept.
const queueSize = 1000

// Manager watches tags and distributes their events to publishers.
type Manager struct {
	namespace string

	mu         sync.RWMutex
	publishers []Publisher
	watched    map[int32]string // tag id -> publish name
	started    bool

	queue chan Item
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewManager creates a push manager for the namespace.
func NewManager(namespace string) *Manager {
	return &Manager{
		namespace: namespace,
		watched:   map[int32]string{},
		queue:     make(chan Item, queueSize),
		stop:      make(chan struct{}),
	}
}

// AddPublisher attaches a publisher.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	m.publishers = append(m.publishers, p)
	m.mu.Unlock()
}

// Start launches the distribution goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.distribute()
}

// Stop drains and stops the distribution goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// Watch registers the manager as the tag's event callback and publishes
// its completed reads and writes under the given name. Fails with
// ErrDuplicate when the tag already has a callback.
func (m *Manager) Watch(id int32, name string) status.Status {
	st := taglink.RegisterCallbackEx(id, m.onEvent, name)
	if st != status.OK {
		return st
	}

	m.mu.Lock()
	m.watched[id] = name
	m.mu.Unlock()
	return status.OK
}

// Unwatch removes the manager from the tag.
func (m *Manager) Unwatch(id int32) {
	m.mu.Lock()
	delete(m.watched, id)
	m.mu.Unlock()
	taglink.UnregisterCallback(id)
}

// onEvent is the tag event callback. Only completions publish; the other
// events are visible through the monitor API instead.
func (m *Manager) onEvent(id int32, event taglink.Event, st status.Status, userdata any) {
	switch event {
	case taglink.EventReadCompleted, taglink.EventWriteCompleted:
	case taglink.EventDestroyed:
		m.mu.Lock()
		delete(m.watched, id)
		m.mu.Unlock()
		return
	default:
		return
	}

	name, _ := userdata.(string)
	item := Item{
		Namespace: m.namespace,
		Tag:       name,
		Event:     event.String(),
		Status:    st.Name(),
		Timestamp: time.Now(),
	}
	if st == status.OK && event == taglink.EventReadCompleted {
		item.Value = DecodeValue(id)
	}

	select {
	case m.queue <- item:
	default:
		logging.Warn("push", "publish queue full, dropping %s for %s", item.Event, item.Tag)
	}
}

// distribute forwards queued items to every running publisher.
func (m *Manager) distribute() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		case item := <-m.queue:
			m.mu.RLock()
			pubs := make([]Publisher, len(m.publishers))
			copy(pubs, m.publishers)
			m.mu.RUnlock()

			for _, p := range pubs {
				if !p.IsRunning() {
					continue
				}
				if err := p.Publish(item); err != nil {
					logging.Warn("push", "publish to %s failed: %v", p.Name(), err)
				}
			}
		}
	}
}

// DecodeValue reads the tag buffer and decodes it into a Go value using
// the CIP type captured on first read. Arrays decode into slices;
// unknown types fall back to the raw bytes.
func DecodeValue(id int32) interface{} {
	typeBytes := make([]byte, 4)
	n, st := taglink.GetRawTagTypeBytes(id, typeBytes)
	if st != status.OK {
		return nil
	}

	var cipType uint16
	if n >= 2 {
		cipType = binary.LittleEndian.Uint16(typeBytes)
	}

	count := taglink.GetIntAttribute(id, "elem_count", 1)
	elemSize := taglink.GetIntAttribute(id, "elem_size", 0)

	if count <= 1 {
		return decodeElement(id, 0, cipType, elemSize)
	}

	out := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, decodeElement(id, i*elemSize, cipType, elemSize))
	}
	return out
}

func decodeElement(id int32, offset int, cipType uint16, elemSize int) interface{} {
	switch cipType {
	case 0x00C1: // BOOL
		v, _ := taglink.GetUint8(id, offset)
		return v != 0
	case 0x00C2: // SINT
		v, _ := taglink.GetInt8(id, offset)
		return v
	case 0x00C3: // INT
		v, _ := taglink.GetInt16(id, offset)
		return v
	case 0x00C4: // DINT
		v, _ := taglink.GetInt32(id, offset)
		return v
	case 0x00C5: // LINT
		v, _ := taglink.GetInt64(id, offset)
		return v
	case 0x00C6: // USINT
		v, _ := taglink.GetUint8(id, offset)
		return v
	case 0x00C7: // UINT
		v, _ := taglink.GetUint16(id, offset)
		return v
	case 0x00C8: // UDINT
		v, _ := taglink.GetUint32(id, offset)
		return v
	case 0x00C9: // ULINT
		v, _ := taglink.GetUint64(id, offset)
		return v
	case 0x00CA: // REAL
		v, _ := taglink.GetFloat32(id, offset)
		return v
	case 0x00CB: // LREAL
		v, _ := taglink.GetFloat64(id, offset)
		return v
	case 0x00D0, 0x00DA: // STRING variants
		v, _ := taglink.GetString(id, offset)
		return v
	default:
		switch elemSize {
		case 1:
			v, _ := taglink.GetUint8(id, offset)
			return v
		case 2:
			v, _ := taglink.GetInt16(id, offset)
			return v
		case 4:
			// Ambiguous without type info; integers are the common case.
			v, _ := taglink.GetInt32(id, offset)
			return v
		case 8:
			v, _ := taglink.GetInt64(id, offset)
			return v
		default:
			size, _ := taglink.GetSize(id)
			raw := make([]byte, size)
			taglink.GetRaw(id, 0, raw)
			return raw
		}
	}
}
