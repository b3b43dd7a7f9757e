package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/evidence/internal/safety"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
	metaSuffix = ".meta.json"

	defaultDirPerm  = 0o750
	defaultFilePerm = 0o640
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// objectMeta is the sidecar written next to every object.
type objectMeta struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Compression string    `json:"compression"`
	StoredAt    time.Time `json:"stored_at"`
}

// FS stores objects as files under root/objects with JSON sidecars under
// root/meta. Writes go through a temp file and a rename (or a hard link for
// Create) so readers never observe partial objects.
type FS struct {
	root        string
	compression string
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	logger      *slog.Logger
}

// FSOption configures an FS store.
type FSOption func(*FS)

// WithCompression selects at-rest compression: "none" (default) or "zstd".
func WithCompression(c string) FSOption {
	return func(f *FS) { f.compression = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) FSOption {
	return func(f *FS) { f.logger = l }
}

// NewFS opens (creating if needed) a filesystem store rooted at root.
func NewFS(root string, opts ...FSOption) (*FS, error) {
	if root == "" {
		return nil, errors.New("blob store root is empty")
	}
	f := &FS{root: root, compression: "none"}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	if f.compression == "" {
		f.compression = "none"
	}
	if f.compression != "none" && f.compression != "zstd" {
		return nil, fmt.Errorf("unsupported blob compression %q", f.compression)
	}

	for _, dir := range []string{objectsDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), defaultDirPerm); err != nil {
			return nil, fmt.Errorf("creating blob store directory: %w", err)
		}
	}

	// Decoding is always available so objects written before compression was
	// switched on or off stay readable.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	f.decoder = dec
	if f.compression == "zstd" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		f.encoder = enc
	}

	f.logger.Debug("blob store opened", "root", root, "compression", f.compression)
	return f, nil
}

// Close releases the zstd codec resources.
func (f *FS) Close() error {
	f.decoder.Close()
	if f.encoder != nil {
		return f.encoder.Close()
	}
	return nil
}

func (f *FS) objectPath(key string) (string, error) {
	return safety.SafeJoinUnder(filepath.Join(f.root, objectsDir), key)
}

func (f *FS) metaPath(key string) (string, error) {
	return safety.SafeJoinUnder(filepath.Join(f.root, metaDir), key+metaSuffix)
}

// List walks the objects tree and returns keys under prefix.
func (f *FS) List(ctx context.Context, prefix string) ([]Object, error) {
	base := filepath.Join(f.root, objectsDir)
	out := []Object{}

	// walk only the directory that can hold matching keys
	start := base
	if dir := path.Dir(prefix + "x"); prefix != "" && dir != "." {
		if _, err := safety.CleanKey(dir); err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", prefix, err)
		}
		start = filepath.Join(base, filepath.FromSlash(dir))
	}
	if _, err := os.Stat(start); errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		out = append(out, Object{Key: key, Size: f.sizeOf(key, d)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// sizeOf prefers the original size from the sidecar; compressed objects
// would otherwise report their on-disk size.
func (f *FS) sizeOf(key string, d fs.DirEntry) int64 {
	if meta, err := f.readMeta(key); err == nil {
		return meta.Size
	}
	if info, err := d.Info(); err == nil {
		return info.Size()
	}
	return 0
}

func (f *FS) readMeta(key string) (*objectMeta, error) {
	p, err := f.metaPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var meta objectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata for %s: %w", key, err)
	}
	return &meta, nil
}

// Get reads an object, transparently decompressing zstd frames.
func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	if meta, err := f.readMeta(key); err == nil && meta.Compression != "zstd" {
		return data, nil
	}
	out, err := f.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", key, err)
	}
	return out, nil
}

// Put writes or replaces an object.
func (f *FS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return f.write(ctx, key, data, contentType, false)
}

// Create writes an object only if the key does not exist yet.
func (f *FS) Create(ctx context.Context, key string, data []byte, contentType string) error {
	return f.write(ctx, key, data, contentType, true)
}

func (f *FS) write(ctx context.Context, key string, data []byte, contentType string, exclusive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.objectPath(key)
	if err != nil {
		return err
	}
	mp, err := f.metaPath(key)
	if err != nil {
		return err
	}

	stored := data
	if f.encoder != nil {
		stored = f.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	if err := os.MkdirAll(filepath.Dir(p), defaultDirPerm); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	tmp, err := writeTemp(filepath.Dir(p), stored)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	defer os.Remove(tmp)

	if exclusive {
		// Link fails if the destination exists, which makes the check-and-write atomic.
		if err := os.Link(tmp, p); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrExists
			}
			return fmt.Errorf("committing %s: %w", key, err)
		}
	} else if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}

	meta, err := json.Marshal(objectMeta{
		ContentType: contentType,
		Size:        int64(len(data)),
		Compression: f.compression,
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling metadata for %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(mp), defaultDirPerm); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := os.WriteFile(mp, meta, defaultFilePerm); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", key, err)
	}

	f.logger.Debug("blob stored", "key", key, "size", len(data), "stored_size", len(stored))
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, defaultFilePerm); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// Delete removes an object and its sidecar.
func (f *FS) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if mp, err := f.metaPath(key); err == nil {
		if err := os.Remove(mp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("failed to remove blob metadata", "key", key, "error", err)
		}
	}
	return nil
}
