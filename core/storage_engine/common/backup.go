package common

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

const (
	// ManifestName is the digest list written into every snapshot directory.
	ManifestName = "MANIFEST"
	// CompressedSuffix is appended to file names copied with compression.
	CompressedSuffix = ".xz"
)

var ErrDigestMismatch = errors.New("snapshot digest mismatch")

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyOptions tunes CopyThrottled.
type CopyOptions struct {
	// RateBytesPerSec caps read throughput. Zero or negative means unthrottled.
	RateBytesPerSec int64
	// Compress writes the destination as an xz stream.
	Compress bool
	// LowPriority lowers the scheduling priority of the process first.
	LowPriority bool
}

// CopyResult describes a finished copy. Digest is the BLAKE3-256 hash of the
// source bytes, independent of compression.
type CopyResult struct {
	BytesRead    int64
	BytesWritten int64
	Digest       string
}

// CopyThrottled copies srcPath to dstPath at no more than the configured rate
// and syncs the destination before returning.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions) (CopyResult, error) {
	var res CopyResult
	if opts.LowPriority {
		// Best effort: a failure only means the copy competes at normal priority.
		_ = lowerPriority()
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return res, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	counted := &countingWriter{w: dst}
	var out io.Writer = counted
	var xzw *xz.Writer
	if opts.Compress {
		if xzw, err = xz.NewWriter(counted); err != nil {
			return res, fmt.Errorf("xz writer: %w", err)
		}
		out = xzw
	}

	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), chunkSize) // burst = chunkSize
	}

	hasher := blake3.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.ReadAt(buf[:chunkSize], res.BytesRead)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("write error: %w", err)
			}
			hasher.Write(buf[:n])
			res.BytesRead += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("read error: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	if xzw != nil {
		if err := xzw.Close(); err != nil {
			return res, fmt.Errorf("xz close: %w", err)
		}
	}
	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("sync error: %w", err)
	}
	res.BytesWritten = counted.n
	res.Digest = hex.EncodeToString(hasher.Sum(nil))
	return res, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// SnapshotFile is one entry of a snapshot manifest.
type SnapshotFile struct {
	Name   string // file name inside the snapshot directory
	Size   int64  // uncompressed size
	Digest string // BLAKE3-256 of the uncompressed bytes, hex
}

// Snapshot is a directory holding copies of a set of files plus a manifest.
type Snapshot struct {
	ID    uuid.UUID
	Dir   string
	Files []SnapshotFile
}

// Backup copies every path into a fresh directory under dir named by a random
// UUID and writes a manifest of their digests.
func Backup(ctx context.Context, dir string, paths []string, opts CopyOptions) (*Snapshot, error) {
	snap := &Snapshot{ID: uuid.New()}
	snap.Dir = filepath.Join(dir, snap.ID.String())
	if err := os.MkdirAll(snap.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", snap.Dir, err)
	}

	for _, path := range paths {
		name := filepath.Base(path)
		if opts.Compress {
			name += CompressedSuffix
		}
		res, err := CopyThrottled(ctx, path, filepath.Join(snap.Dir, name), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", path, err)
		}
		snap.Files = append(snap.Files, SnapshotFile{Name: name, Size: res.BytesRead, Digest: res.Digest})
	}

	if err := writeManifest(filepath.Join(snap.Dir, ManifestName), snap.Files); err != nil {
		return nil, err
	}
	return snap, nil
}

// Manifest line format: "<digest> <size> <name>".
func writeManifest(path string, files []SnapshotFile) error {
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "%s %d %s\n", f.Digest, f.Size, f.Name)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest parses the manifest of the snapshot in dir.
func ReadManifest(dir string) ([]SnapshotFile, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	var files []SnapshotFile
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.SplitN(scanner.Text(), " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("manifest line %d: expected 3 fields", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: bad size: %w", line, err)
		}
		files = append(files, SnapshotFile{Digest: fields[0], Size: size, Name: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return files, nil
}

// VerifySnapshot recomputes the digest of every file listed in the manifest
// of dir, decompressing xz copies, and reports the first mismatch.
func VerifySnapshot(dir string) error {
	files, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	for _, entry := range files {
		digest, size, err := digestFile(filepath.Join(dir, entry.Name), strings.HasSuffix(entry.Name, CompressedSuffix))
		if err != nil {
			return err
		}
		if digest != entry.Digest || size != entry.Size {
			return fmt.Errorf("%w: %s has %s (%d bytes), manifest says %s (%d bytes)",
				ErrDigestMismatch, entry.Name, digest, size, entry.Digest, entry.Size)
		}
	}
	return nil
}

func digestFile(path string, compressed bool) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		xr, err := xz.NewReader(f)
		if err != nil {
			return "", 0, fmt.Errorf("xz reader for %s: %w", path, err)
		}
		r = xr
	}
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
