package account

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileRecord is the on-disk JSON shape. Secrets are persisted here (unlike the
// API serialization of Record) because this file is the credential source.
type fileRecord struct {
	ID               string       `json:"id"`
	SecureCookie     string       `json:"secure_1psid"`
	SecureCookieT    string       `json:"secure_1psidts"`
	ConfigID         string       `json:"config_id"`
	SessionIndex     string       `json:"session_index"`
	ExpiresAt        string       `json:"expires_at,omitempty"`
	MailProvider     MailProvider `json:"mail_provider,omitempty"`
	MailAddress      string       `json:"mail_address,omitempty"`
	MailPassword     string       `json:"mail_password,omitempty"`
	MailClientID     string       `json:"mail_client_id,omitempty"`
	MailRefreshToken string       `json:"mail_refresh_token,omitempty"`
	MailTenant       string       `json:"mail_tenant,omitempty"`
	Disabled         bool         `json:"disabled,omitempty"`
}

const fileTimeLayout = "2006-01-02 15:04:05"

// FileStore persists account records as a JSON array on disk and reloads the
// cached copy whenever the file changes externally, so operators can edit the
// account list without restarting the gateway.
type FileStore struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	records []Record

	done chan struct{}
}

// NewFileStore loads the JSON account file at path (creating an empty one if
// missing) and starts watching it for external edits.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	s := &FileStore{
		path: path,
		log:  log.With("component", "filestore"),
		done: make(chan struct{}),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[]\n"), 0600); err != nil {
			return nil, err
		}
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors often emit a burst of events per save.
			time.Sleep(100 * time.Millisecond)
			if err := s.reload(); err != nil {
				s.log.Warn("reload after file change failed", "error", err)
			} else {
				s.log.Info("account file reloaded", "path", s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("file watcher error", "error", err)
		}
	}
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var raw []fileRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	records := make([]Record, 0, len(raw))
	for _, fr := range raw {
		records = append(records, fr.toRecord())
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (fr fileRecord) toRecord() Record {
	r := Record{
		ID:               fr.ID,
		SecureCookie:     fr.SecureCookie,
		SecureCookieT:    fr.SecureCookieT,
		ConfigID:         fr.ConfigID,
		SessionIndex:     fr.SessionIndex,
		MailProvider:     fr.MailProvider,
		MailAddress:      fr.MailAddress,
		MailPassword:     fr.MailPassword,
		MailClientID:     fr.MailClientID,
		MailRefreshToken: fr.MailRefreshToken,
		MailTenant:       fr.MailTenant,
		Disabled:         fr.Disabled,
	}
	if fr.MailProvider == "" {
		// Legacy records: microsoft credentials imply the provider.
		if fr.MailClientID != "" || fr.MailRefreshToken != "" {
			r.MailProvider = MailMS
		} else {
			r.MailProvider = MailDuck
		}
	}
	if fr.ExpiresAt != "" {
		if t, err := time.ParseInLocation(fileTimeLayout, fr.ExpiresAt, time.Local); err == nil {
			r.ExpiresAt = t
		}
	}
	return r
}

func fromRecord(r Record) fileRecord {
	fr := fileRecord{
		ID:               r.ID,
		SecureCookie:     r.SecureCookie,
		SecureCookieT:    r.SecureCookieT,
		ConfigID:         r.ConfigID,
		SessionIndex:     r.SessionIndex,
		MailProvider:     r.MailProvider,
		MailAddress:      r.MailAddress,
		MailPassword:     r.MailPassword,
		MailClientID:     r.MailClientID,
		MailRefreshToken: r.MailRefreshToken,
		MailTenant:       r.MailTenant,
		Disabled:         r.Disabled,
	}
	if !r.ExpiresAt.IsZero() {
		fr.ExpiresAt = r.ExpiresAt.Local().Format(fileTimeLayout)
	}
	return fr
}

// Load returns the cached records.
func (s *FileStore) Load() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// ReplaceAll writes the records to a temp file and renames it into place.
func (s *FileStore) ReplaceAll(records []Record) error {
	raw := make([]fileRecord, 0, len(records))
	for _, r := range records {
		raw = append(raw, fromRecord(r))
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = append([]Record(nil), records...)
	s.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
