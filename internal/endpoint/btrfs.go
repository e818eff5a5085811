package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"btrsync/internal/catalog"
	"btrsync/internal/model"
	"btrsync/internal/transport"
)

// btrfsEndpoint implements Endpoint against the native filesystem protocol
// by building `btrfs` argv and driving it through a transport.
// LocalEndpoint and RemoteEndpoint are both this struct with a different
// transport.Transport, so neither duplicates the btrfs command
// construction.
type btrfsEndpoint struct {
	t           transport.Transport
	convertRW   bool
	sudoMkdir   bool
	timestampFmt string
}

func (e *btrfsEndpoint) exec(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) (transport.ExitStatus, string, error) {
	var stderr bytes.Buffer
	status, err := e.t.Exec(ctx, argv, stdin, stdout, &stderr)
	return status, stderr.String(), err
}

func (e *btrfsEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error) {
	var out bytes.Buffer
	dir := filepath.Dir(prefix)
	if dir == "." {
		dir = prefix
	}
	status, stderr, err := e.exec(ctx, []string{"find", dir, "-maxdepth", "1", "-mindepth", "1", "-printf", "%f\\n"}, nil, &out)
	if err != nil {
		return nil, model.NewError(model.ErrEnumeration, "listing snapshot directory "+dir, err)
	}
	if !status.Success() {
		return nil, model.NewError(model.ErrEnumeration, "listing snapshot directory "+dir+": "+stderr, nil)
	}

	base := filepath.Base(prefix)
	var snaps []model.Snapshot
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		name := scanner.Text()
		if !strings.HasPrefix(name, base) {
			continue
		}
		ts, ok := catalog.ParseTimestamp(name, base, e.timestampFmt)
		if !ok {
			continue // unparseable names are user-managed, never touched
		}
		path := filepath.Join(dir, name)
		info, err := e.SubvolumeShow(ctx, path)
		if err != nil {
			continue
		}
		snaps = append(snaps, model.Snapshot{
			Name:         name,
			Path:         path,
			Prefix:       base,
			Timestamp:    ts,
			UUID:         info.UUID,
			ReceivedUUID: info.ReceivedUUID,
			ParentUUID:   info.ParentUUID,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Less(snaps[j]) })
	return snaps, nil
}

func (e *btrfsEndpoint) CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error) {
	dest := filepath.Join(vol.SnapshotDir, name)
	status, stderr, err := e.exec(ctx, []string{"btrfs", "subvolume", "snapshot", "-r", vol.Path, dest}, nil, nil)
	if err != nil || !status.Success() {
		return model.Snapshot{}, model.NewError(model.ErrIO, "creating snapshot: "+stderr, err)
	}
	info, err := e.SubvolumeShow(ctx, dest)
	if err != nil {
		return model.Snapshot{}, err
	}
	ts, _ := catalog.ParseTimestamp(name, vol.SnapshotPrefix, vol.TimestampFormat)
	return model.Snapshot{
		Name:         name,
		Path:         dest,
		Prefix:       vol.SnapshotPrefix,
		Timestamp:    ts,
		UUID:         info.UUID,
		ReceivedUUID: info.ReceivedUUID,
		ParentUUID:   info.ParentUUID,
	}, nil
}

func (e *btrfsEndpoint) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	if e.convertRW {
		_, _, _ = e.exec(ctx, []string{"btrfs", "property", "set", "-f", snap.Path, "ro", "false"}, nil, nil)
	}
	status, stderr, err := e.exec(ctx, []string{"btrfs", "subvolume", "delete", snap.Path}, nil, nil)
	if err != nil {
		if strings.Contains(stderr, "No such file") || strings.Contains(stderr, "not found") {
			return nil // idempotent on "already gone"
		}
		return model.NewError(model.ErrIO, "destroying snapshot: "+stderr, err)
	}
	if !status.Success() && !strings.Contains(stderr, "No such file") {
		return model.NewError(model.ErrIO, "destroying snapshot: "+stderr, nil)
	}
	return nil
}

func (e *btrfsEndpoint) OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error) {
	argv := []string{"btrfs", "send"}
	if parent != nil {
		argv = append(argv, "-p", parent.Path)
	}
	argv = append(argv, snap.Path)

	pr, pw := io.Pipe()
	go func() {
		status, stderr, err := e.exec(ctx, argv, nil, pw)
		if err != nil {
			pw.CloseWithError(model.NewError(model.ErrSendFailed, "btrfs send: "+stderr, err))
			return
		}
		if !status.Success() {
			pw.CloseWithError(model.NewError(model.ErrSendFailed, "btrfs send exited nonzero: "+stderr, nil))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func (e *btrfsEndpoint) OpenReceiveStream(ctx context.Context, destDir, destName string, _ RawMeta) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		// btrfs receive must never be wrapped in a shell (see
		// transport.SecureRemoteTransport.noShellWrap); the local
		// transport has no such wrapping to begin with.
		status, stderr, err := e.exec(ctx, []string{"btrfs", "receive", destDir}, pr, nil)
		if err != nil {
			done <- model.NewError(model.ErrCorruptStream, "btrfs receive: "+stderr, err)
			return
		}
		if !status.Success() {
			done <- model.NewError(model.ErrCorruptStream, "btrfs receive exited nonzero: "+stderr, nil)
			return
		}
		done <- nil
	}()
	return &receiveSink{pw: pw, done: done}, nil
}

// receiveSink adapts the io.Pipe writer side plus the background
// `btrfs receive` subprocess's completion channel into an io.WriteCloser
// whose Close blocks until receive has actually finished and reports its
// exit status as an error.
type receiveSink struct {
	pw   *io.PipeWriter
	done chan error
}

func (s *receiveSink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *receiveSink) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	return <-s.done
}

func (e *btrfsEndpoint) SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error) {
	var out bytes.Buffer
	status, stderr, err := e.exec(ctx, []string{"btrfs", "subvolume", "show", path}, nil, &out)
	if err != nil || !status.Success() {
		return model.SubvolumeInfo{}, model.NewError(model.ErrNotSubvolume, "subvolume show "+path+": "+stderr, err)
	}
	return parseSubvolumeShow(out.String()), nil
}

// parseSubvolumeShow extracts UUID/Received UUID/Parent UUID/readonly flag
// from `btrfs subvolume show`'s human-readable key-value block.
func parseSubvolumeShow(text string) model.SubvolumeInfo {
	var info model.SubvolumeInfo
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "UUID:"):
			info.UUID = fieldValue(line)
		case strings.HasPrefix(line, "Received UUID:"):
			v := fieldValue(line)
			if v != "-" {
				info.ReceivedUUID = v
			}
		case strings.HasPrefix(line, "Parent UUID:"):
			v := fieldValue(line)
			if v != "-" {
				info.ParentUUID = v
			}
		case strings.HasPrefix(line, "Flags:"):
			info.ReadOnly = strings.Contains(line, "readonly")
		}
	}
	return info
}

func fieldValue(line string) string {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (e *btrfsEndpoint) FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error) {
	var out bytes.Buffer
	status, stderr, err := e.exec(ctx, []string{"df", "--output=avail", "-B1", path}, nil, &out)
	if err != nil || !status.Success() {
		return model.SpaceInfo{}, model.NewError(model.ErrIO, "free_bytes "+path+": "+stderr, err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		return model.SpaceInfo{}, model.NewError(model.ErrIO, "unexpected df output for "+path, nil)
	}
	free, err := strconv.ParseInt(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	if err != nil {
		return model.SpaceInfo{}, model.NewError(model.ErrIO, "parsing df output for "+path, err)
	}
	return model.SpaceInfo{FilesystemFree: free}, nil
}

func (e *btrfsEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	status, stderr, err := e.exec(ctx, []string{"mkdir", "-p", path}, nil, nil)
	if err != nil || !status.Success() {
		return model.NewError(model.ErrIO, "ensure_directory "+path+": "+stderr, err)
	}
	return nil
}

// EstimateSendSize runs `btrfs send --no-data` and counts the emitted bytes.
// This is a lower-bound approximation (the no-data stream carries headers
// and extent metadata but not file contents), used only to catch grossly
// insufficient destination space before committing to a real transfer.
func (e *btrfsEndpoint) EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (int64, bool, error) {
	argv := []string{"btrfs", "send", "--no-data"}
	if parent != nil {
		argv = append(argv, "-p", parent.Path)
	}
	argv = append(argv, snap.Path)

	var counter countingWriter
	status, stderr, err := e.exec(ctx, argv, nil, &counter)
	if err != nil || !status.Success() {
		return 0, false, model.NewError(model.ErrEnumeration, "estimating send size: "+stderr, err)
	}
	return counter.n, true, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func (e *btrfsEndpoint) RequireMounted(ctx context.Context, path string) error {
	status, stderr, err := e.exec(ctx, []string{"mountpoint", "-q", path}, nil, nil)
	if err != nil {
		return model.NewError(model.ErrIO, "checking mount status of "+path, err)
	}
	if !status.Success() {
		return model.NewError(model.ErrNotMounted, fmt.Sprintf("%s is not a mount point (%s)", path, stderr), nil)
	}
	return nil
}
