package checkpoint

import (
	"bytes"
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

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

const (
	fileSuffix    = ".ckpt"
	envelopeMagic = "warden-checkpoint"
)

// envelope wraps the payload with what is needed to reject a damaged or
// foreign file before decoding it.
type envelope struct {
	Magic     string `cbor:"1,keyasint"`
	Schema    int    `cbor:"2,keyasint"`
	Encrypted bool   `cbor:"3,keyasint,omitempty"`
	Digest    []byte `cbor:"4,keyasint"`
	Payload   []byte `cbor:"5,keyasint"`
}

// FileStore keeps one checkpoint file per session in a directory.
type FileStore struct {
	dir       string
	sessionID string
	logger    *slog.Logger
	now       func() time.Time

	recipients []age.Recipient
	identities []age.Identity

	mu sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithEncryption encrypts checkpoints to recipient and decrypts them with
// identity.
func WithEncryption(recipient age.Recipient, identity age.Identity) Option {
	return func(s *FileStore) {
		if recipient != nil {
			s.recipients = append(s.recipients, recipient)
		}
		if identity != nil {
			s.identities = append(s.identities, identity)
		}
	}
}

// WithLogger sets the logger used for discard notices.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore returns a store for sessionID under dir, creating dir.
func NewFileStore(dir, sessionID string, opts ...Option) (*FileStore, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("checkpoint: session id is required")
	}
	if strings.ContainsAny(sessionID, `/\`) {
		return nil, fmt.Errorf("checkpoint: invalid session id %q", sessionID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		sessionID: sessionID,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.sessionID+fileSuffix)
}

// Write atomically replaces the session's checkpoint with cp.
func (s *FileStore) Write(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint: nil checkpoint")
	}
	snapshot := *cp
	snapshot.SchemaVersion = SchemaVersion
	if snapshot.SessionID == "" {
		snapshot.SessionID = s.sessionID
	}
	if snapshot.WrittenAt.IsZero() {
		snapshot.WrittenAt = s.now().UTC()
	}

	payload, err := Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	digest := blake3.Sum256(payload)

	env := envelope{Magic: envelopeMagic, Schema: SchemaVersion, Digest: digest[:], Payload: payload}
	if len(s.recipients) > 0 {
		env.Payload, err = encrypt(payload, s.recipients)
		if err != nil {
			return fmt.Errorf("checkpoint: encrypt: %w", err)
		}
		env.Encrypted = true
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("checkpoint: encode envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.dir, s.Path(), data)
}

// Load reads and verifies the session's checkpoint. A missing file returns
// ErrNotFound. A file that cannot be trusted is removed and the error
// wraps ErrRecoveryFailed.
func (s *FileStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}

	cp, err := s.decode(data)
	if err != nil {
		s.logger.Warn("discarding unusable checkpoint", "path", s.Path(), "error", err)
		if rmErr := os.Remove(s.Path()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove checkpoint", "path", s.Path(), "error", rmErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	return cp, nil
}

func (s *FileStore) decode(data []byte) (*Checkpoint, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Magic != envelopeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if env.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, env.Schema)
	}

	payload := env.Payload
	if env.Encrypted {
		if len(s.identities) == 0 {
			return nil, fmt.Errorf("%w: encrypted checkpoint and no identity configured", ErrCorrupt)
		}
		plain, err := decrypt(payload, s.identities)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt: %v", ErrCorrupt, err)
		}
		payload = plain
	}

	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], env.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	cp, err := Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cp.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, cp.SchemaVersion)
	}
	if cp.SessionID != s.sessionID {
		return nil, fmt.Errorf("%w: checkpoint belongs to session %q", ErrCorrupt, cp.SessionID)
	}
	return cp, nil
}

// Delete removes the session's checkpoint. Deleting a missing checkpoint
// is not an error.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}

// Discover lists the session ids with a checkpoint in dir, most recently
// written first.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list dir: %w", err)
	}

	type found struct {
		id  string
		mod time.Time
	}
	var all []found
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, found{id: strings.TrimSuffix(name, fileSuffix), mod: info.ModTime()})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })

	ids := make([]string, len(all))
	for i, f := range all {
		ids[i] = f.id
	}
	return ids, nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("checkpoint: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func encrypt(plain []byte, recipients []age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decrypt(cipher []byte, identities []age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(cipher), identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
