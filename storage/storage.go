// Package storage handles persistence of per-group blacklists.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// blacklistFile is the per-group file name under the group's directory.
const blacklistFile = "blacklist.json"

// Store persists one blacklist per group, as a sorted JSON array of user ids.
// It writes to the local filesystem in development and to Cloud Storage when
// a bucket is configured.
//
// Every read-modify-write sequence is serialized per group: the host may
// deliver events concurrently (HTTP push), and the file write is a full
// replacement with no coordination of its own.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	mu      sync.Mutex
	groupMu map[string]*sync.Mutex
}

// New creates a new blacklist store. client may be nil when localPath is set.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		groupMu:   make(map[string]*sync.Mutex),
	}
}

// BlacklistKey generates a stable object key from a group id.
// Returns "" for group ids that are empty or unsafe as a path element.
func BlacklistKey(groupID string) string {
	if !validGroupID(groupID) {
		return ""
	}
	return fmt.Sprintf("groups/%s/%s", groupID, blacklistFile)
}

// validGroupID rejects ids that could escape the data directory. Group ids
// on the platform are numeric, but ids arrive from untrusted payloads.
func validGroupID(groupID string) bool {
	if groupID == "" || len(groupID) > 64 {
		return false
	}
	for _, c := range groupID {
		ok := (c >= '0' && c <= '9') ||
			(c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// lockGroup acquires the per-group mutex and returns its unlock func.
func (s *Store) lockGroup(groupID string) func() {
	s.mu.Lock()
	m, ok := s.groupMu[groupID]
	if !ok {
		m = &sync.Mutex{}
		s.groupMu[groupID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Load reads the group's persisted blacklist. A missing file yields an empty
// set. A corrupt file is logged and also yields an empty set, so a parse
// failure degrades to "not blacklisted" instead of blocking moderation; the
// next save replaces the corrupt file wholesale.
func (s *Store) Load(ctx context.Context, groupID string) (map[string]struct{}, error) {
	key := BlacklistKey(groupID)
	if key == "" {
		return nil, errors.New("invalid group id")
	}

	data, err := s.read(ctx, groupID, key)
	if err != nil {
		if isNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn("Corrupt blacklist file, treating as empty", "group_id", groupID, "error", err)
		return map[string]struct{}{}, nil
	}

	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			members[id] = struct{}{}
		}
	}
	return members, nil
}

// Save serializes the full member set, sorted, as indented JSON and replaces
// the group's file contents.
func (s *Store) Save(ctx context.Context, groupID string, members map[string]struct{}) error {
	key := BlacklistKey(groupID)
	if key == "" {
		return errors.New("invalid group id")
	}

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blacklist: %w", err)
	}

	if err := s.write(ctx, groupID, key, data); err != nil {
		return err
	}

	s.logger.Info("Blacklist saved", "group_id", groupID, "member_count", len(ids))
	return nil
}

// Add loads the group's blacklist and, if the user is absent, adds and saves.
// Reports whether the user was newly added; adding a present member is an
// idempotent no-op.
func (s *Store) Add(ctx context.Context, groupID, userID string) (bool, error) {
	if userID == "" {
		return false, errors.New("empty user id")
	}

	unlock := s.lockGroup(groupID)
	defer unlock()

	members, err := s.Load(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("load blacklist: %w", err)
	}
	if _, ok := members[userID]; ok {
		return false, nil
	}

	members[userID] = struct{}{}
	if err := s.Save(ctx, groupID, members); err != nil {
		return false, fmt.Errorf("save blacklist: %w", err)
	}

	s.logger.Info("User added to blacklist", "group_id", groupID, "user_id", userID)
	return true, nil
}

// Contains reports whether the user is in the group's blacklist.
func (s *Store) Contains(ctx context.Context, groupID, userID string) (bool, error) {
	unlock := s.lockGroup(groupID)
	defer unlock()

	members, err := s.Load(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("load blacklist: %w", err)
	}
	_, ok := members[userID]
	return ok, nil
}

func (s *Store) localFile(groupID string) string {
	return filepath.Join(s.localPath, groupID, blacklistFile)
}

func (s *Store) read(ctx context.Context, groupID, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(s.localFile(groupID))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errNotExist)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, errNotExist
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, groupID, key string, data []byte) error {
	// Local filesystem storage, directory created lazily on first write
	if s.localPath != "" {
		dir := filepath.Join(s.localPath, groupID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create group directory: %w", err)
		}
		if err := os.WriteFile(s.localFile(groupID), data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// ListGroups returns the ids of all groups with a persisted blacklist.
// Used for status reporting only; moderation decisions never span groups.
func (s *Store) ListGroups(ctx context.Context) ([]string, error) {
	var groups []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || !validGroupID(entry.Name()) {
				continue
			}
			if _, err := os.Stat(s.localFile(entry.Name())); err != nil {
				continue
			}
			groups = append(groups, entry.Name())
		}
		return groups, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "groups/",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		rest, ok := strings.CutPrefix(attrs.Name, "groups/")
		if !ok {
			continue
		}
		groupID, ok := strings.CutSuffix(rest, "/"+blacklistFile)
		if !ok || !validGroupID(groupID) {
			continue
		}
		groups = append(groups, groupID)
	}
	return groups, nil
}

var errNotExist = errors.New("storage: object doesn't exist")

func isNotExist(err error) bool {
	return errors.Is(err, errNotExist)
}
