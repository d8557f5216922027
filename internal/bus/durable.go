package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/orgloop/orgloop/internal/envelope"
)

// DurableBus appends every published event as a line-delimited JSON
// record to an append-only WAL file, and tracks acknowledgement in a
// separate sidecar file (one event id per line) rather than rewriting
// WAL records — see DESIGN.md Open Question 1. On Open, the WAL is
// replayed to rebuild the in-memory index and the unacked set.
//
// Grounded on the append-only os.OpenFile(O_APPEND|O_CREATE|O_WRONLY)
// pattern used for operational event logs in the example pack, and on
// opstate.Store's "small file, upsert by key" style applied to the ack
// sidecar.
type DurableBus struct {
	fanout *fanout

	mu      sync.Mutex
	walFile *os.File
	ackFile *os.File

	entries map[string]*envelope.Event
	acked   map[string]bool
	order   []string
}

// OpenDurable opens (creating if needed) the WAL at walPath and the
// ack-index sidecar at ackPath, replaying both to rebuild state.
func OpenDurable(walPath, ackPath string) (*DurableBus, error) {
	b := &DurableBus{
		fanout:  newFanout(),
		entries: make(map[string]*envelope.Event),
		acked:   make(map[string]bool),
	}

	if err := b.replay(walPath, ackPath); err != nil {
		return nil, err
	}

	wal, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", walPath, err)
	}
	ack, err := os.OpenFile(ackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("open ack index %s: %w", ackPath, err)
	}

	b.walFile = wal
	b.ackFile = ack
	return b, nil
}

// replay reads any pre-existing WAL and ack-index files to rebuild
// b.entries/b.order/b.acked before the files are reopened for append.
func (b *DurableBus) replay(walPath, ackPath string) error {
	if f, err := os.Open(ackPath); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			id := scanner.Text()
			if id != "" {
				b.acked[id] = true
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("replay ack index %s: %w", ackPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("open ack index for replay %s: %w", ackPath, err)
	}

	f, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal for replay %s: %w", walPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		var e envelope.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("replay wal %s: decode record: %w", walPath, err)
		}
		if _, seen := b.entries[e.ID]; !seen {
			b.order = append(b.order, e.ID)
		}
		ec := e
		b.entries[e.ID] = &ec
	}
	return scanner.Err()
}

func (b *DurableBus) Publish(ctx context.Context, e *envelope.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("bus: marshal event %s: %w", e.ID, err)
	}
	data = append(data, '\n')

	b.mu.Lock()
	if _, err := b.walFile.Write(data); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("bus: append wal: %w", err)
	}
	if _, seen := b.entries[e.ID]; !seen {
		b.order = append(b.order, e.ID)
	}
	b.entries[e.ID] = e
	b.mu.Unlock()

	return b.fanout.dispatch(ctx, e)
}

func (b *DurableBus) Subscribe(filter Filter, handler Handler) func() {
	return b.fanout.subscribe(filter, handler)
}

func (b *DurableBus) Ack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[id]; !ok {
		return fmt.Errorf("bus: ack unknown event %s", id)
	}
	if b.acked[id] {
		return nil
	}
	if _, err := b.ackFile.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("bus: append ack index: %w", err)
	}
	b.acked[id] = true
	return nil
}

func (b *DurableBus) Unacked() ([]*envelope.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*envelope.Event
	for _, id := range b.order {
		if !b.acked[id] {
			out = append(out, b.entries[id])
		}
	}
	return out, nil
}

func (b *DurableBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	walErr := b.walFile.Close()
	ackErr := b.ackFile.Close()
	if walErr != nil {
		return walErr
	}
	return ackErr
}
