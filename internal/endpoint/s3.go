package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"path"
	"sort"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"btrsync/internal/catalog"
	"btrsync/internal/encrypt"
	"btrsync/internal/model"
)

// S3RawEndpoint stores the raw stream as an S3 object, with the `.meta`
// sidecar as a sibling key under the same prefix: a bucket is treated as a
// destination-only raw backend, the same role a local raw-file directory
// plays. It can also serve as a restore source: OpenSendStream streams the
// object straight back (no manager.Downloader — that type parallelises
// chunked downloads into a random-access sink, which doesn't fit a
// sequential decrypt/decompress pipe) and reverses whatever the sidecar
// recorded.
type S3RawEndpoint struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	timestampFmt string
	decryptOpts  encrypt.Options
}

// S3Options configures the client; an empty AccessKey/SecretKey pair falls
// back to the default AWS credential chain (environment, shared config,
// instance role), matching aws-sdk-go-v2's own default behaviour.
type S3Options struct {
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Raw builds an S3RawEndpoint for bucket/prefix.
func NewS3Raw(ctx context.Context, bucket, prefix string, opts S3Options, timestampFmt string) (*S3RawEndpoint, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, model.NewError(model.ErrAuthUnavailable, "loading AWS config for s3 raw endpoint", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3RawEndpoint{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		prefix:       strings.Trim(prefix, "/"),
		timestampFmt: timestampFmt,
	}, nil
}

// SetDecryptOpts supplies the secret material OpenSendStream needs to
// reverse an encrypted raw backup during a restore.
func (e *S3RawEndpoint) SetDecryptOpts(opts encrypt.Options) {
	e.decryptOpts = opts
}

func (e *S3RawEndpoint) key(name string) string {
	if e.prefix == "" {
		return name
	}
	return e.prefix + "/" + name
}

func (e *S3RawEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error) {
	base := path.Base(prefix)
	listPrefix := e.key(base)

	var keys []string
	var cont *string
	for {
		out, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &e.bucket,
			Prefix:            &listPrefix,
			ContinuationToken: cont,
		})
		if err != nil {
			return nil, model.NewError(model.ErrEnumeration, "listing s3://"+e.bucket+"/"+listPrefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		cont = out.NextContinuationToken
	}

	var snaps []model.Snapshot
	for _, key := range keys {
		if !strings.HasSuffix(key, ".meta") {
			continue
		}
		name := strings.TrimSuffix(path.Base(key), ".meta")
		if !strings.HasPrefix(name, base) {
			continue
		}
		meta, err := e.readMeta(ctx, name)
		if err != nil {
			continue
		}
		ts, ok := catalog.ParseTimestamp(name, base, e.timestampFmt)
		if !ok {
			continue
		}
		snaps = append(snaps, model.Snapshot{
			Name:         name,
			Path:         name,
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

func (e *S3RawEndpoint) CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error) {
	return model.Snapshot{}, model.NewError(model.ErrProtocol, "raw endpoints cannot be a volume source", nil)
}

// OpenSendStream reopens a previously stored object for restore, decrypting
// then decompressing in the reverse of the order OpenReceiveStream's
// caller applied them.
func (e *S3RawEndpoint) OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error) {
	meta, err := e.readMeta(ctx, snap.Name)
	if err != nil {
		return nil, model.NewError(model.ErrSidecarMissing, "reading s3 sidecar for "+snap.Name, err)
	}
	key, err := e.findStreamKey(ctx, snap.Name)
	if err != nil {
		return nil, err
	}
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &e.bucket, Key: &key})
	if err != nil {
		return nil, model.NewError(model.ErrIO, "fetching s3://"+e.bucket+"/"+key, err)
	}

	r, waits, err := decodeRawStream(ctx, out.Body, meta, e.decryptOpts)
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	return &rawSendStream{r: r, file: nil, closer: out.Body, waits: waits}, nil
}

// findStreamKey locates the object key carrying snap's stream bytes: the
// sidecar's key with whichever compress/encrypt suffix was appended when it
// was written, since the name recorded on the Snapshot itself is
// extension-agnostic.
func (e *S3RawEndpoint) findStreamKey(ctx context.Context, name string) (string, error) {
	listPrefix := e.key(name)
	out, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &e.bucket, Prefix: &listPrefix})
	if err != nil {
		return "", model.NewError(model.ErrEnumeration, "listing s3://"+e.bucket+"/"+listPrefix, err)
	}
	metaKey := listPrefix + ".meta"
	for _, obj := range out.Contents {
		if *obj.Key != metaKey {
			return *obj.Key, nil
		}
	}
	return "", model.NewError(model.ErrSidecarMissing, "no raw stream object found for "+listPrefix, nil)
}

// EstimateSendSize reports the byte count the sidecar recorded at write
// time: the size of the stored object, after any compression and
// encryption. It equals the size of the stream OpenSendStream yields only
// when neither was applied. A missing or unreadable sidecar reports ok=false.
func (e *S3RawEndpoint) EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (int64, bool, error) {
	meta, err := e.readMeta(ctx, snap.Name)
	if err != nil {
		return 0, false, nil
	}
	return meta.Bytes, true, nil
}

func (e *S3RawEndpoint) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	streamKey := e.key(snap.Name) // extension-agnostic: delete attempted against every plausible suffix below
	metaKey := e.key(snap.Name + ".meta")

	if _, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &e.bucket, Key: &metaKey}); err != nil {
		return model.NewError(model.ErrIO, "deleting s3 sidecar "+metaKey, err)
	}
	for _, ext := range []string{"", ".gz", ".zst", ".lz4", ".bz2", ".xz", ".lzo", ".age", ".gpg", ".enc"} {
		key := streamKey + ext
		_, _ = e.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &e.bucket, Key: &key})
	}
	return nil
}

// OpenReceiveStream uploads the stream via the multipart manager.Uploader,
// fed through an io.Pipe so the caller can write incrementally rather than
// buffering the whole stream in memory first.
func (e *S3RawEndpoint) OpenReceiveStream(ctx context.Context, destDir, destName string, meta RawMeta) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	counted := &countingReader{r: pr}
	key := e.key(destName)

	go func() {
		_, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &e.bucket,
			Key:    &key,
			Body:   counted,
		})
		done <- err
	}()

	return &s3WriteSink{pw: pw, done: done, counted: counted, endpoint: e, ctx: ctx, metaKey: e.key(destName + ".meta"), meta: meta}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type s3WriteSink struct {
	pw       *io.PipeWriter
	done     chan error
	counted  *countingReader
	endpoint *S3RawEndpoint
	ctx      context.Context
	metaKey  string
	meta     RawMeta
}

func (s *s3WriteSink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *s3WriteSink) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	if err := <-s.done; err != nil {
		return model.NewError(model.ErrIO, "uploading s3 raw stream", err)
	}

	s.meta.Bytes = s.counted.n
	body, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return model.NewError(model.ErrIO, "marshalling s3 sidecar", err)
	}
	if _, err := s.endpoint.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket: &s.endpoint.bucket,
		Key:    &s.metaKey,
		Body:   bytes.NewReader(body),
	}); err != nil {
		return model.NewError(model.ErrIO, "writing s3 sidecar", err)
	}
	return nil
}

func (e *S3RawEndpoint) readMeta(ctx context.Context, name string) (RawMeta, error) {
	key := e.key(name + ".meta")
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &e.bucket, Key: &key})
	if err != nil {
		return RawMeta{}, err
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return RawMeta{}, err
	}
	var meta RawMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return RawMeta{}, err
	}
	return meta, nil
}

func (e *S3RawEndpoint) SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error) {
	meta, err := e.readMeta(ctx, path)
	if err != nil {
		return model.SubvolumeInfo{}, model.NewError(model.ErrSidecarMissing, "reading s3 sidecar for "+path, err)
	}
	return model.SubvolumeInfo{
		UUID:         meta.UUID,
		ReceivedUUID: meta.ReceivedUUID,
		ParentUUID:   meta.ParentUUID,
		ReadOnly:     true,
	}, nil
}

// FreeBytes reports MaxInt64: object storage has no meaningful free-space
// concept for the pre-flight space check, so the check is a no-op rather
// than a falsely-alarming estimate.
func (e *S3RawEndpoint) FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error) {
	return model.SpaceInfo{FilesystemFree: math.MaxInt64}, nil
}

// EnsureDirectory is a no-op: S3 keys need no parent directory to exist.
func (e *S3RawEndpoint) EnsureDirectory(ctx context.Context, path string) error { return nil }

// RequireMounted is a no-op: the mount-point safety check has no
// analogue for an object-store destination.
func (e *S3RawEndpoint) RequireMounted(ctx context.Context, path string) error { return nil }

var _ Endpoint = (*S3RawEndpoint)(nil)
