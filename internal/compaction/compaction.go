package compaction

import (
	"log"
	"sync"
	"time"

	"github.com/peercode/collab/internal/db"
	"github.com/peercode/collab/internal/ws"
)

type Config struct {
	Interval          time.Duration
	UpdateThreshold   int
	KeepRecentUpdates int
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		UpdateThreshold:   100,
		KeepRecentUpdates: 10,
	}
}

// Service periodically folds each room's relayed update log into a single
// stored snapshot, so reconnect replay starts from the snapshot instead of
// the full history.
type Service struct {
	hub      *ws.Hub
	database *db.Database
	config   Config
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(hub *ws.Hub, database *db.Database, config Config) *Service {
	return &Service{
		hub:      hub,
		database: database,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Compaction service started (interval: %v, threshold: %d updates)",
		s.config.Interval, s.config.UpdateThreshold)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		log.Println("Compaction service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms()
		}
	}
}

func (s *Service) compactAllRooms() {
	compactedCount := 0
	for roomID, state := range s.hub.RoomStates() {
		if state.Count() < s.config.UpdateThreshold {
			continue
		}
		if err := s.compactRoom(roomID, state); err != nil {
			log.Printf("Compaction failed for room %s: %v", roomID, err)
		} else {
			compactedCount++
		}
	}

	if compactedCount > 0 {
		log.Printf("Compacted %d rooms", compactedCount)
	}
}

// compactRoom folds the stored snapshot and the live log into a new snapshot,
// then trims the log to its most recent entries. Updates stay opaque
// throughout; replaying a few twice is harmless because merges are
// idempotent.
func (s *Service) compactRoom(roomID string, state *ws.RoomState) error {
	updates := state.GetUpdates()
	if len(updates) < s.config.UpdateThreshold {
		return nil
	}

	prev, prevCount, err := s.database.GetRelaySnapshot(roomID)
	if err != nil {
		return err
	}
	all := append(ws.SplitMergedUpdates(prev), updates...)

	merged := ws.MergeUpdates(all)
	if err := s.database.SaveRelaySnapshot(roomID, merged, prevCount+len(updates)); err != nil {
		return err
	}

	// Drop exactly the entries that were folded in; anything appended since
	// the read above stays in the live log.
	if drop := len(updates) - s.config.KeepRecentUpdates; drop > 0 {
		state.DropFirst(drop)
	}

	log.Printf("Compacted room %s: %d updates folded into snapshot, %d kept live",
		roomID, len(updates), s.config.KeepRecentUpdates)

	return nil
}

// CompactNow runs one compaction pass for a single room, bypassing the timer.
func (s *Service) CompactNow(roomID string) error {
	for id, state := range s.hub.RoomStates() {
		if id == roomID {
			return s.compactRoom(roomID, state)
		}
	}
	return nil
}
