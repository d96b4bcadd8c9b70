package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/internal/tracing"
	"github.com/mirelabs/coda/pkg/chat"
)

// snapshot is the on-disk form of a session.
type snapshot struct {
	ID           string         `json:"id"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Messages     []chat.Message `json:"messages"`
	TokenState   tokenState     `json:"tokenState"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type tokenState struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	ConfirmedThrough int `json:"confirmedThrough"`
}

// IndexEntry is per-session metadata kept in the store index.
type IndexEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type index struct {
	Active   string       `json:"active,omitempty"`
	Sessions []IndexEntry `json:"sessions"`
}

// Store persists sessions as JSON snapshots under a directory, one file per
// session plus an index file. Writes go through a temp file and rename so a
// crash never leaves a torn snapshot behind.
type Store struct {
	dir        string
	limits     Limits
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

const indexFile = "index.json"

// NewStore creates the sessions directory if needed and returns a Store.
func NewStore(dir string, limits Limits) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".coda", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")

	return &Store{
		dir:        dir,
		limits:     limits,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateID rejects ids that could escape the store directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (st *Store) sessionPath(id string) string {
	return filepath.Join(st.dir, id+".json")
}

func (st *Store) writeLock(id string) *sync.Mutex {
	st.locksMu.Lock()
	defer st.locksMu.Unlock()
	if lock, ok := st.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	st.writeLocks[id] = lock
	return lock
}

// Save writes the session snapshot and refreshes the index entry.
func (st *Store) Save(ctx context.Context, s *Session) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, s.ID())
	ctx, span := tracing.StartSpan(
		ctx,
		"coda.session",
		"session.save",
		attribute.String("session_id", s.ID()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", s.ID()).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateID(s.ID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := st.writeLock(s.ID())
	lock.Lock()
	defer lock.Unlock()

	snap := snapshot{
		ID:           s.ID(),
		SystemPrompt: s.systemPrompt,
		Messages:     s.messages,
		TokenState: tokenState{
			PromptTokens:     s.promptTokens,
			CompletionTokens: s.completionTokens,
			ConfirmedThrough: s.confirmedThrough,
		},
		UpdatedAt: time.Now(),
	}
	if snap.Messages == nil {
		snap.Messages = []chat.Message{}
	}

	if err := st.writeAtomic(st.sessionPath(s.ID()), snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := st.updateIndex(s.ID(), titleFor(s.messages), len(s.messages), snap.UpdatedAt); err != nil {
		logger.Warn().Err(err).Msg("Failed to update session index")
	}

	logger.Debug().Int("messages", len(s.messages)).Msg("Session saved")
	return nil
}

// Load reads a session snapshot back into a Session.
func (st *Store) Load(ctx context.Context, id string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"coda.session",
		"session.load",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", id).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := os.ReadFile(st.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s does not exist", id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	s := &Session{
		id:               snap.ID,
		systemPrompt:     snap.SystemPrompt,
		messages:         snap.Messages,
		promptTokens:     snap.TokenState.PromptTokens,
		completionTokens: snap.TokenState.CompletionTokens,
		confirmedThrough: snap.TokenState.ConfirmedThrough,
		limits:           st.limits,
		logger:           log.Logger.With().Str("component", "session").Logger(),
	}
	if s.id == "" {
		s.id = id
	}
	if s.confirmedThrough > len(s.messages) {
		s.confirmedThrough = -1
		s.promptTokens = 0
		s.completionTokens = 0
	}

	// A crash mid-turn can leave unanswered tool calls behind.
	if removed := s.RepairMessages(); removed > 0 {
		logger.Warn().Int("removed", removed).Msg("Repaired session on load")
	}

	logger.Debug().Int("messages", len(s.messages)).Msg("Session loaded")
	return s, nil
}

// Delete removes a session snapshot and its index entry.
func (st *Store) Delete(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"coda.session",
		"session.delete",
		attribute.String("session_id", id),
	)
	defer span.End()

	if err := validateID(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := st.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(st.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	st.locksMu.Lock()
	delete(st.writeLocks, id)
	st.locksMu.Unlock()

	if err := st.removeFromIndex(id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Failed to update session index")
	}

	log.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List returns index entries sorted most recently updated first.
func (st *Store) List() ([]IndexEntry, error) {
	idx, err := st.readIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(idx.Sessions, func(i, j int) bool {
		return idx.Sessions[i].UpdatedAt.After(idx.Sessions[j].UpdatedAt)
	})
	return idx.Sessions, nil
}

// ActiveID returns the id recorded as active, empty when none.
func (st *Store) ActiveID() (string, error) {
	idx, err := st.readIndex()
	if err != nil {
		return "", err
	}
	return idx.Active, nil
}

// SetActive records which session a new turn should resume.
func (st *Store) SetActive(id string) error {
	if id != "" {
		if err := validateID(id); err != nil {
			return err
		}
	}
	idx, err := st.readIndex()
	if err != nil {
		return err
	}
	idx.Active = id
	return st.writeAtomic(filepath.Join(st.dir, indexFile), idx)
}

func (st *Store) readIndex() (index, error) {
	var idx index
	data, err := os.ReadFile(filepath.Join(st.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return index{Sessions: []IndexEntry{}}, nil
		}
		return idx, fmt.Errorf("failed to read session index: %w", err)
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		// A torn index is rebuilt from scratch rather than blocking saves.
		log.Warn().Err(err).Msg("Session index corrupt, resetting")
		return index{Sessions: []IndexEntry{}}, nil
	}
	if idx.Sessions == nil {
		idx.Sessions = []IndexEntry{}
	}
	return idx, nil
}

func (st *Store) updateIndex(id, title string, messageCount int, updatedAt time.Time) error {
	idx, err := st.readIndex()
	if err != nil {
		return err
	}
	entry := IndexEntry{ID: id, Title: title, MessageCount: messageCount, UpdatedAt: updatedAt}
	found := false
	for i := range idx.Sessions {
		if idx.Sessions[i].ID == id {
			idx.Sessions[i] = entry
			found = true
			break
		}
	}
	if !found {
		idx.Sessions = append(idx.Sessions, entry)
	}
	return st.writeAtomic(filepath.Join(st.dir, indexFile), idx)
}

func (st *Store) removeFromIndex(id string) error {
	idx, err := st.readIndex()
	if err != nil {
		return err
	}
	kept := idx.Sessions[:0]
	for _, entry := range idx.Sessions {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	idx.Sessions = kept
	if idx.Active == id {
		idx.Active = ""
	}
	return st.writeAtomic(filepath.Join(st.dir, indexFile), idx)
}

// writeAtomic marshals v and replaces path via temp file and rename.
func (st *Store) writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// titleFor derives a short display title from the first user message.
func titleFor(messages []chat.Message) string {
	for _, msg := range messages {
		if msg.Role != chat.RoleUser || msg.Content == "" {
			continue
		}
		title := msg.Content
		if idx := strings.IndexByte(title, '\n'); idx >= 0 {
			title = title[:idx]
		}
		if len(title) > 60 {
			title = title[:60]
		}
		return title
	}
	return "(empty session)"
}
