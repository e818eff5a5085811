package model

// EndpointProto identifies which Endpoint/Transport variant a Destination
// (or a bare endpoint URL) resolves to.
type EndpointProto string

const (
	ProtoLocal   EndpointProto = "local"
	ProtoRemote  EndpointProto = "remote-shell"
	ProtoRaw     EndpointProto = "raw"
	ProtoRawSSH  EndpointProto = "raw+remote-shell"
	ProtoRawS3   EndpointProto = "raw+s3"
)

// CompressKind is the compression stage of the transfer pipeline.
type CompressKind string

const (
	CompressNone  CompressKind = "none"
	CompressGzip  CompressKind = "gzip"
	CompressZstd  CompressKind = "zstd"
	CompressLz4   CompressKind = "lz4"
	CompressPigz  CompressKind = "pigz"
	CompressLzop  CompressKind = "lzop"
	CompressBzip2 CompressKind = "bzip2"
	CompressXz    CompressKind = "xz"
)

// EncryptKind is the encryption stage of the transfer pipeline. Age is an
// in-process streaming option alongside the two subprocess-driven kinds.
type EncryptKind string

const (
	EncryptNone    EncryptKind = "none"
	EncryptGPG     EncryptKind = "gpg"
	EncryptOpenSSL EncryptKind = "openssl"
	EncryptAge     EncryptKind = "age"
)

// Destination is a location receiving streams for one volume. The
// Destination owns received snapshots.
type Destination struct {
	Name          string
	Proto         EndpointProto
	Path          string // absolute local path, or remote path component
	Host          string
	User          string
	Port          int
	SSHSudo       bool
	SSHKeyPath    string
	SSHPasswordOK bool

	Compress  CompressKind
	RateLimit int64 // bytes/sec, 0 = unlimited

	RequireMount bool

	Encrypt      EncryptKind
	GPGRecipient string

	S3Bucket string
	S3Prefix string
	S3Region string
}

// StreamKind is the wire shape a destination expects.
type StreamKind string

const (
	StreamNative StreamKind = "native"
	StreamRaw    StreamKind = "raw"
)

// Kind reports whether this destination materialises a subvolume (native) or
// stores an opaque stream file plus sidecar (raw).
func (d Destination) Kind() StreamKind {
	switch d.Proto {
	case ProtoRaw, ProtoRawSSH, ProtoRawS3:
		return StreamRaw
	default:
		return StreamNative
	}
}

// Remote reports whether operations against this destination cross a
// transport boundary rather than touching the local filesystem directly.
func (d Destination) Remote() bool {
	return d.Proto == ProtoRemote || d.Proto == ProtoRawSSH
}
