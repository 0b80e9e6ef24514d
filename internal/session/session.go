// Package session holds per-annotator state: which record is on display,
// what has been tagged, and the save path that stamps the annotator's
// identity onto each record.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/catalog"
	"github.com/sells-group/tagging-cli/internal/ledger"
	"github.com/sells-group/tagging-cli/internal/model"
	"github.com/sells-group/tagging-cli/internal/monitoring"
	"github.com/sells-group/tagging-cli/internal/tagstore"
)

var (
	// ErrUnknownKey is returned when a payload names a key outside the catalog.
	ErrUnknownKey = eris.New("session: key is not in the master catalog")
	// ErrNoCurrent is returned when saving without a key and nothing is on display.
	ErrNoCurrent = eris.New("session: no record on display")
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Catalog *catalog.Catalog
	Store   *tagstore.Store
	Ledger  ledger.Ledger
	Metrics *monitoring.Metrics
	Alerter *monitoring.Alerter
}

// Item is the record on display.
type Item struct {
	Key    string             `json:"key"`
	Record model.MasterRecord `json:"record"`
	// Position is the item's index in the unseen sequence.
	Position  int      `json:"position"`
	Remaining int      `json:"remaining"`
	Progress  Progress `json:"progress"`
}

// Progress is the tagged share of the catalog.
type Progress struct {
	Tagged  int     `json:"tagged"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// SaveOutcome is what a successful save returns to the caller.
type SaveOutcome struct {
	Result *tagstore.SaveResult `json:"result"`
	Next   *Item                `json:"next,omitempty"`
}

// Session is one annotator's working context. All methods are safe for
// concurrent use; calls on one session are serialized.
type Session struct {
	ID        string
	Tagger    string
	StartedAt time.Time

	deps  Deps
	order *catalog.Order

	mu       sync.Mutex
	cursor   Cursor
	tagged   map[string]struct{}
	lastSeen time.Time
}

// New creates a session for tagger that walks the catalog in order, fixed
// for the session's lifetime. A nil order uses the catalog's own. Call
// Refresh before use.
func New(deps Deps, tagger string, order *catalog.Order) *Session {
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if order == nil {
		order = deps.Catalog.Default()
	}
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Tagger:    tagger,
		StartedAt: now,
		deps:      deps,
		order:     order,
		tagged:    map[string]struct{}{},
		lastSeen:  now,
	}
}

// Refresh reloads tagged keys from disk and revalidates the cursor, so
// records tagged by other sessions drop out of view.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	records, err := s.deps.Store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "session: refresh")
	}
	s.tagged = model.KeySet(records)
	s.cursor.Sync(s.order.Unseen(s.tagged))
	return nil
}

// Current refreshes and returns the record on display, or nil when every
// catalog record has been tagged.
func (s *Session) Current(ctx context.Context) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return s.itemLocked(), nil
}

// Skip passes on the current record and shows the next unseen one,
// wrapping around at the end.
func (s *Session) Skip(ctx context.Context) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	records, err := s.deps.Store.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "session: skip")
	}
	s.tagged = model.KeySet(records)
	s.cursor.Advance(s.order.Unseen(s.tagged))
	return s.itemLocked(), nil
}

// Save stamps payload with the session's tagger and persists it. An empty
// payload key means the record on display. Saving a key already tagged
// replaces the earlier row. Rejected saves are kept in the ledger.
func (s *Session) Save(ctx context.Context, payload model.TaggedRecord) (*SaveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	current, onDisplay := s.cursor.Current()
	payload.Key = strings.TrimSpace(payload.Key)
	if payload.Key == "" {
		if !onDisplay {
			return nil, ErrNoCurrent
		}
		payload.Key = current
	}
	master, ok := s.deps.Catalog.Lookup(payload.Key)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKey, "session: save %q", payload.Key)
	}
	if payload.StyleCode == "" {
		payload.StyleCode = master.StyleCode
	}
	payload.Tagger = s.Tagger

	start := time.Now()
	res, err := s.deps.Store.Save(ctx, payload)
	if err != nil {
		s.rejected(ctx, payload, err)
		return nil, err
	}
	s.deps.Metrics.ObserveSave(s.Tagger, res.Rows, time.Since(start))

	if err := s.deps.Ledger.RecordSave(ctx, ledger.SaveEvent{
		SessionID:  s.ID,
		Tagger:     s.Tagger,
		Key:        payload.Key,
		PrevRows:   res.PrevRows,
		Rows:       res.Rows,
		Replaced:   res.Replaced,
		BackupPath: res.BackupPath,
	}); err != nil {
		zap.L().Warn("session: record save event", zap.Error(err))
	}

	records, err := s.deps.Store.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "session: reload after save")
	}
	s.tagged = model.KeySet(records)
	unseen := s.order.Unseen(s.tagged)
	if onDisplay && payload.Key == current {
		s.cursor.OnSave(unseen, s.order.Position)
	} else {
		s.cursor.Sync(unseen)
	}

	return &SaveOutcome{Result: res, Next: s.itemLocked()}, nil
}

// rejected records a failed save in the ledger, metrics and alerts.
func (s *Session) rejected(ctx context.Context, payload model.TaggedRecord, cause error) {
	reason := RejectionReason(cause)
	s.deps.Metrics.ObserveRejected(reason)

	if err := s.deps.Ledger.RecordRejected(ctx, ledger.RejectedSave{
		SessionID: s.ID,
		Tagger:    s.Tagger,
		Key:       payload.Key,
		Reason:    reason,
		Error:     cause.Error(),
		Payload:   payload,
	}); err != nil {
		zap.L().Error("session: record rejected save", zap.String("key", payload.Key), zap.Error(err))
	}

	if reason != ledger.ReasonLocked {
		s.deps.Alerter.SendAlerts(ctx, monitoring.RejectionAlert(s.Tagger, payload.Key, reason, cause))
	}
}

// RejectionReason classifies a save error for the ledger and metrics.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, tagstore.ErrBelowFloor):
		return ledger.ReasonBelowFloor
	case errors.Is(err, tagstore.ErrLocked):
		return ledger.ReasonLocked
	default:
		return ledger.ReasonError
	}
}

// Progress reports how much of the catalog is tagged, as of the last
// refresh.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// Unseen returns the keys still to tag, in presentation order.
func (s *Session) Unseen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Unseen(s.tagged)
}

// Order returns the session's presentation order.
func (s *Session) Order() *catalog.Order {
	return s.order
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.lastSeen = time.Now().UTC()
}

func (s *Session) progressLocked() Progress {
	return ComputeProgress(s.deps.Catalog.CountTagged(s.tagged), s.deps.Catalog.Len())
}

// ComputeProgress builds a Progress from counts.
func ComputeProgress(tagged, total int) Progress {
	p := Progress{Tagged: tagged, Total: total}
	if total > 0 {
		p.Percent = float64(tagged) / float64(total) * 100
	}
	return p
}

func (s *Session) itemLocked() *Item {
	key, ok := s.cursor.Current()
	if !ok {
		return nil
	}
	rec, _ := s.deps.Catalog.Lookup(key)
	unseen := s.order.Unseen(s.tagged)
	return &Item{
		Key:       key,
		Record:    rec,
		Position:  s.cursor.idx,
		Remaining: len(unseen),
		Progress:  s.progressLocked(),
	}
}
