package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const artifactRefPrefix = "blake3:"

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("backend: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("backend: zstd decoder initialization failed: " + err.Error())
	}
}

// ArtifactMeta is stored next to each artifact body.
type ArtifactMeta struct {
	Ref         string    `json:"ref"`
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id"`
	CallID      string    `json:"call_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// FilesystemArtifacts is a content-addressed artifact store. Bodies are
// zstd-compressed under <dir>/<hh>/<hash>.zst, addressed by the BLAKE3
// hash of the uncompressed bytes, so identical outputs are stored once.
type FilesystemArtifacts struct {
	Dir string
	now func() time.Time
}

// NewFilesystemArtifacts returns a store rooted at dir, creating it.
func NewFilesystemArtifacts(dir string) (*FilesystemArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FilesystemArtifacts{Dir: dir, now: time.Now}, nil
}

// ArtifactRef returns the reference for data.
func ArtifactRef(data []byte) string {
	sum := blake3.Sum256(data)
	return artifactRefPrefix + hex.EncodeToString(sum[:])
}

func (s *FilesystemArtifacts) paths(ref string) (body, meta string, err error) {
	digest, ok := strings.CutPrefix(ref, artifactRefPrefix)
	if !ok || len(digest) != 64 {
		return "", "", fmt.Errorf("%w: malformed reference %q", ErrArtifactNotFound, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("%w: malformed reference %q", ErrArtifactNotFound, ref)
	}
	dir := filepath.Join(s.Dir, digest[:2])
	return filepath.Join(dir, digest+".zst"), filepath.Join(dir, digest+".json"), nil
}

// PutArtifact stores a.Data and returns its reference.
func (s *FilesystemArtifacts) PutArtifact(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := ArtifactRef(a.Data)
	body, metaPath, err := s.paths(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(body), 0o755); err != nil {
		return "", fmt.Errorf("create artifact shard: %w", err)
	}

	if _, err := os.Stat(body); errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(body, zstdEncoder.EncodeAll(a.Data, nil)); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(a.Data).String()
	}
	meta, err := json.Marshal(ArtifactMeta{
		Ref:         ref,
		SessionID:   a.SessionID,
		TaskID:      a.TaskID,
		CallID:      a.CallID,
		Name:        a.Name,
		ContentType: contentType,
		Size:        len(a.Data),
		StoredAt:    s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(metaPath, meta); err != nil {
		return "", fmt.Errorf("write artifact metadata: %w", err)
	}
	return ref, nil
}

// GetArtifact returns the body and metadata of ref. The body is verified
// against the reference.
func (s *FilesystemArtifacts) GetArtifact(ref string) ([]byte, *ArtifactMeta, error) {
	body, metaPath, err := s.paths(ref)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := os.ReadFile(body)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress artifact %s: %w", ref, err)
	}
	if ArtifactRef(data) != ref {
		return nil, nil, fmt.Errorf("artifact %s failed verification", ref)
	}

	var meta ArtifactMeta
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode artifact metadata: %w", err)
	}
	return data, &meta, nil
}
