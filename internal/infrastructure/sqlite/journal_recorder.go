package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/zjrosen/tessera/internal/federation/events"
	"github.com/zjrosen/tessera/internal/log"
)

// JournalRecorder subscribes to the lifecycle broker and persists every slot
// transition it sees. Navigation and reconfiguration events pass through
// unrecorded.
type JournalRecorder struct {
	repo   *JournalRepository
	cancel context.CancelFunc
	done   chan struct{}
}

// StartJournalRecorder begins recording slot transitions from the broker.
// Recording stops when Stop is called or the broker closes.
func StartJournalRecorder(broker *events.Broker, repo *JournalRepository) *JournalRecorder {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &JournalRecorder{
		repo:   repo,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	ch := broker.Subscribe(ctx)
	log.SafeGo("journal-recorder", func() {
		defer close(rec.done)
		for ev := range ch {
			if ev.Payload.Type != events.TypeSlotTransition {
				continue
			}
			rec.record(ev.Payload, ev.Timestamp)
		}
	})
	return rec
}

// Stop ends recording and waits for the in-flight write to finish.
func (r *JournalRecorder) Stop() {
	r.cancel()
	<-r.done
}

func (r *JournalRecorder) record(ev events.Event, at time.Time) {
	// Slot ids are "frame/fragment"; transitions do not carry the frame
	// separately.
	frameID, _, _ := strings.Cut(ev.SlotID, "/")

	record := &TransitionRecord{
		SlotID:      ev.SlotID,
		FrameID:     frameID,
		FragmentID:  ev.FragmentID,
		InstanceID:  ev.InstanceID,
		From:        ev.From,
		To:          ev.To,
		ErrorKind:   string(ev.ErrorKind),
		ErrorDetail: ev.Error,
		OccurredAt:  at,
	}
	if err := r.repo.Append(record); err != nil {
		log.ErrorErr(log.CatDB, "Failed to record slot transition", err,
			"slot_id", ev.SlotID,
			"to", ev.To)
	}
}
