package app

import (
	"ringplan/api/internal/saver"
)

// DocumentSession bundles the per-document save machinery: a debounced
// manager for metadata and structure edits, and a retrying queue for full
// snapshot saves. Both drive this service's persistence directly.
//
// The HTTP surface exposes one-shot saves only; sessions are meant to be
// owned by a long-lived edit connection (a websocket gateway or an
// embedding process) that holds one per open document, feeds edits to the
// manager and queue, and consults HasQueuedChanges before applying
// realtime payloads.
type DocumentSession struct {
	Manager *saver.Manager
	Queue   *saver.WheelQueue
}

func (s *Service) NewDocumentSession(documentID string, notifier saver.Notifier) *DocumentSession {
	manager := saver.NewManager(documentID, s, saver.Options{
		AutoSave:             true,
		MetadataDebounce:     s.cfg.MetadataDebounce,
		OrganizationDebounce: s.cfg.OrganizationDebounce,
	})
	return &DocumentSession{
		Manager: manager,
		Queue:   saver.NewWheelQueue(documentID, s, notifier, s.cfg.SaveMaxRetries),
	}
}

func (d *DocumentSession) Close() {
	d.Manager.Close()
	d.Queue.Close()
}
