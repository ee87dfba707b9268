package protocol

import (
	"fmt"
	"log"
	"sync"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

type pendingEntry struct {
	connID uint32
	pkt    *m.Packet
}

// PendingBuffer parks packets read by one waiter on behalf of another. It is
// shared by every connection of the process, each entry is tagged with the
// connection it was read from and only that connection may claim it.
type PendingBuffer struct {
	logPrefix string
	capacity  int

	mutex   sync.Mutex
	entries []pendingEntry
	watch   chan struct{} // closed and replaced on every push
}

func NewPendingBuffer(logPrefix string, capacity int) *PendingBuffer {
	return &PendingBuffer{
		logPrefix: logPrefix,
		capacity:  capacity,

		mutex:   sync.Mutex{},
		entries: make([]pendingEntry, 0, capacity),
		watch:   make(chan struct{}),
	}
}

func (b *PendingBuffer) Capacity() int {
	return b.capacity
}

func (b *PendingBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.entries)
}

// Watch returns a channel closed on the next push. Take it before inspecting
// the buffer so a push in between is not missed.
func (b *PendingBuffer) Watch() <-chan struct{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.watch
}

func (b *PendingBuffer) Push(connID uint32, pkt *m.Packet) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.entries) >= b.capacity {
		err := fmt.Errorf("%s: connID=%d, %w, capacity=%d, dropping %s req_num=%d", b.logPrefix, connID, ErrPendingFull, b.capacity, pkt.Command, pkt.ReqNum)
		log.Printf("%s", err.Error())
		return err
	}

	b.entries = append(b.entries, pendingEntry{connID: connID, pkt: pkt})

	close(b.watch)
	b.watch = make(chan struct{})

	return nil
}

// TakeAck removes and returns the oldest ACK of connID that acknowledges sent.
func (b *PendingBuffer) TakeAck(connID uint32, sent *m.Packet) *m.Packet {
	return b.take(connID, func(pkt *m.Packet) bool {
		return sent.Matches(pkt)
	})
}

// TakeRequest removes and returns the oldest non-ACK packet of connID.
func (b *PendingBuffer) TakeRequest(connID uint32) *m.Packet {
	return b.take(connID, func(pkt *m.Packet) bool {
		return pkt.Command != m.CommandAck
	})
}

func (b *PendingBuffer) take(connID uint32, match func(*m.Packet) bool) *m.Packet {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, entry := range b.entries {
		if entry.connID != connID || !match(entry.pkt) {
			continue
		}

		// compact, preserving order
		copy(b.entries[i:], b.entries[i+1:])
		b.entries[len(b.entries)-1] = pendingEntry{}
		b.entries = b.entries[:len(b.entries)-1]

		return entry.pkt
	}

	return nil
}

// Purge drops every entry of connID, returning how many were dropped.
func (b *PendingBuffer) Purge(connID uint32) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	kept := b.entries[:0]
	for _, entry := range b.entries {
		if entry.connID != connID {
			kept = append(kept, entry)
		}
	}
	purged := len(b.entries) - len(kept)
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = pendingEntry{}
	}
	b.entries = kept

	return purged
}
