package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"btrsync/internal/catalog"
	"btrsync/internal/compress"
	"btrsync/internal/encrypt"
	"btrsync/internal/model"
)

// RawFileEndpoint stores the send stream as an opaque file plus a `.meta`
// sidecar document, relaxing the same-filesystem-type invariant the native
// protocol depends on. It never mints a fresh volume
// snapshot, so CreateSnapshot always reports ErrProtocol — but it can still
// serve as a restore source: OpenSendStream reverses whatever compress/encrypt
// pipeline the sidecar recorded and hands back a plain btrfs stream. Unlike
// btrfsEndpoint it never shells out for the stream itself — the stream is
// written directly by this process — so it needs no transport.Transport.
type RawFileEndpoint struct {
	timestampFmt string
	decryptOpts  encrypt.Options
}

// NewRawFile returns a local raw-file Endpoint rooted nowhere in particular;
// every path it's given is already absolute.
func NewRawFile(timestampFmt string) *RawFileEndpoint {
	return &RawFileEndpoint{timestampFmt: timestampFmt}
}

// SetDecryptOpts supplies the secret material (GPG recipient, age identity,
// openssl passphrase env) OpenSendStream needs to reverse an encrypted raw
// backup during a restore. A plain (unencrypted) backup needs none of this.
func (e *RawFileEndpoint) SetDecryptOpts(opts encrypt.Options) {
	e.decryptOpts = opts
}

func sidecarPath(streamPath string) string {
	base := streamPath
	for _, ext := range []string{".age", ".gpg", ".enc", ".gz", ".zst", ".lz4", ".bz2", ".xz", ".lzo"} {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.TrimSuffix(base, ".btrfs")
	return base + ".meta"
}

func (e *RawFileEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error) {
	dir := filepath.Dir(prefix)
	base := filepath.Base(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, model.NewError(model.ErrEnumeration, "listing raw directory "+dir, err)
	}

	var snaps []model.Snapshot
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".meta") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".meta")
		if !strings.HasPrefix(name, base) {
			continue
		}
		meta, err := readMeta(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue // missing/corrupt sidecar: excluded, never deleted
		}
		ts, ok := catalog.ParseTimestamp(name, base, e.timestampFmt)
		if !ok {
			continue
		}
		snaps = append(snaps, model.Snapshot{
			Name:         name,
			Path:         filepath.Join(dir, name),
			Prefix:       base,
			Timestamp:    ts,
			UUID:         meta.UUID,
			ReceivedUUID: meta.ReceivedUUID,
			ParentUUID:   meta.ParentUUID,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Less(snaps[j]) })
	return snaps, nil
}

func (e *RawFileEndpoint) CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error) {
	return model.Snapshot{}, model.NewError(model.ErrProtocol, "raw endpoints cannot be a volume source", nil)
}

// OpenSendStream reopens a previously stored raw stream for restore:
// decrypt then decompress, the exact reverse of the order stream() applied
// them on the way in.
func (e *RawFileEndpoint) OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error) {
	meta, err := readMeta(sidecarPath(snap.Path))
	if err != nil {
		return nil, model.NewError(model.ErrSidecarMissing, "reading sidecar for "+snap.Path, err)
	}
	streamPath, err := findStreamFile(snap.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(streamPath)
	if err != nil {
		return nil, model.NewError(model.ErrIO, "opening raw stream file "+streamPath, err)
	}

	r, waits, err := decodeRawStream(ctx, f, meta, e.decryptOpts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rawSendStream{r: r, file: f, waits: waits}, nil
}

// decodeRawStream composes the decrypt and decompress stages a raw stream
// needs, in the reverse order they were applied when it was received.
func decodeRawStream(ctx context.Context, r io.Reader, meta RawMeta, decryptOpts encrypt.Options) (io.Reader, []func() error, error) {
	var waits []func() error

	if kind := model.EncryptKind(meta.Encryption); kind != model.EncryptNone && kind != "" {
		stage, err := encrypt.StartDecrypt(ctx, kind, r, decryptOpts)
		if err != nil {
			return nil, nil, err
		}
		r = stage.Stdout
		waits = append(waits, stage.Wait)
	}
	if kind := model.CompressKind(meta.Compression); kind != model.CompressNone && kind != "" {
		stage, err := compress.StartDecompress(ctx, kind, r)
		if err != nil {
			return nil, nil, err
		}
		r = stage.Stdout
		waits = append(waits, stage.Wait)
	}
	return r, waits, nil
}

// rawSendStream chains the decode stages' Wait()s onto Close so a caller
// reading it to EOF and closing it reaps every subprocess it spawned,
// mirroring how the forward pipeline's stream() reaps compress/encrypt
// stages via their own Wait after the copy completes. Exactly one of file
// (local raw) or closer (s3 object body) is set.
type rawSendStream struct {
	r      io.Reader
	file   *os.File
	closer io.Closer
	waits  []func() error
}

func (s *rawSendStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *rawSendStream) Close() error {
	var firstErr error
	for _, wait := range s.waits {
		if err := wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	var underlying io.Closer = s.closer
	if s.file != nil {
		underlying = s.file
	}
	if underlying != nil {
		if err := underlying.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// findStreamFile locates the on-disk stream file for a snapshot whose
// recorded Path is extension-agnostic (ListSnapshots strips every known
// compress/encrypt suffix when deriving a snapshot's name).
func findStreamFile(streamPath string) (string, error) {
	matches, err := filepath.Glob(streamPath + "*")
	if err != nil {
		return "", model.NewError(model.ErrIO, "globbing for raw stream file "+streamPath, err)
	}
	meta := sidecarPath(streamPath)
	for _, m := range matches {
		if m != meta {
			return m, nil
		}
	}
	return "", model.NewError(model.ErrSidecarMissing, "no raw stream file found for "+streamPath, nil)
}

// EstimateSendSize reports the byte count the sidecar recorded at write
// time: the size of the stored file, after any compression and encryption.
// It equals the size of the stream OpenSendStream yields only when neither
// was applied. A missing or unreadable sidecar reports ok=false.
func (e *RawFileEndpoint) EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (int64, bool, error) {
	meta, err := readMeta(sidecarPath(snap.Path))
	if err != nil {
		return 0, false, nil
	}
	return meta.Bytes, true, nil
}

func (e *RawFileEndpoint) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	meta := sidecarPath(snap.Path)
	if err := os.Remove(meta); err != nil && !os.IsNotExist(err) {
		return model.NewError(model.ErrIO, "removing sidecar "+meta, err)
	}
	matches, _ := filepath.Glob(snap.Path + "*")
	for _, m := range matches {
		if m == meta {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return model.NewError(model.ErrIO, "removing raw stream file "+m, err)
		}
	}
	return nil
}

// OpenReceiveStream writes the stream to destDir/destName atomically
// (temp file + fsync + rename) and writes the `.meta` sidecar once the stream is fully and
// durably on disk, since the sidecar's presence is the signal that a raw
// snapshot is complete.
func (e *RawFileEndpoint) OpenReceiveStream(ctx context.Context, destDir, destName string, meta RawMeta) (io.WriteCloser, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, model.NewError(model.ErrIO, "creating raw destination directory "+destDir, err)
	}
	finalPath := filepath.Join(destDir, destName)
	tmp, err := os.CreateTemp(destDir, "."+destName+".tmp-*")
	if err != nil {
		return nil, model.NewError(model.ErrIO, "creating temp raw file in "+destDir, err)
	}
	return &rawWriteSink{
		tmp:       tmp,
		finalPath: finalPath,
		metaPath:  sidecarPath(finalPath),
		meta:      meta,
	}, nil
}

type rawWriteSink struct {
	tmp       *os.File
	finalPath string
	metaPath  string
	meta      RawMeta
	written   int64
}

func (s *rawWriteSink) Write(p []byte) (int, error) {
	n, err := s.tmp.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *rawWriteSink) Close() error {
	if err := s.tmp.Sync(); err != nil {
		s.tmp.Close()
		os.Remove(s.tmp.Name())
		return model.NewError(model.ErrIO, "syncing raw stream file", err)
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(s.tmp.Name())
		return model.NewError(model.ErrIO, "closing raw stream file", err)
	}
	if err := os.Rename(s.tmp.Name(), s.finalPath); err != nil {
		os.Remove(s.tmp.Name())
		return model.NewError(model.ErrIO, "renaming raw stream file into place", err)
	}

	s.meta.Bytes = s.written
	if err := writeMeta(s.metaPath, s.meta); err != nil {
		return err
	}
	return nil
}

func writeMeta(path string, meta RawMeta) error {
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return model.NewError(model.ErrIO, "marshalling raw sidecar", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-tmp-*")
	if err != nil {
		return model.NewError(model.ErrIO, "creating temp sidecar file", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return model.NewError(model.ErrIO, "writing sidecar body", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return model.NewError(model.ErrIO, "syncing sidecar file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return model.NewError(model.ErrIO, "closing sidecar file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return model.NewError(model.ErrIO, "renaming sidecar into place", err)
	}
	return nil
}

func readMeta(path string) (RawMeta, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return RawMeta{}, err
	}
	var meta RawMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return RawMeta{}, err
	}
	return meta, nil
}

func (e *RawFileEndpoint) SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error) {
	meta, err := readMeta(sidecarPath(path))
	if err != nil {
		return model.SubvolumeInfo{}, model.NewError(model.ErrSidecarMissing, "reading sidecar for "+path, err)
	}
	return model.SubvolumeInfo{
		UUID:         meta.UUID,
		ReceivedUUID: meta.ReceivedUUID,
		ParentUUID:   meta.ParentUUID,
		ReadOnly:     true,
	}, nil
}

func (e *RawFileEndpoint) FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return model.SpaceInfo{}, model.NewError(model.ErrIO, "statfs "+path, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return model.SpaceInfo{FilesystemFree: free}, nil
}

func (e *RawFileEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return model.NewError(model.ErrIO, "ensure_directory "+path, err)
	}
	return nil
}

func (e *RawFileEndpoint) RequireMounted(ctx context.Context, path string) error {
	// Raw destinations relax the same-filesystem-type invariant; a
	// mount check still makes sense as a safety rail when require_mount is
	// configured, but there is no btrfs-specific signal to check here, so
	// this only verifies the directory exists and is reachable.
	if _, err := os.Stat(path); err != nil {
		return model.NewError(model.ErrNotMounted, fmt.Sprintf("%s is not reachable: %v", path, err), err)
	}
	return nil
}

var _ Endpoint = (*RawFileEndpoint)(nil)
var _ io.Writer = (*rawWriteSink)(nil)
