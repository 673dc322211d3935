package rpc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
)

// DefaultChunkSize is the uncompressed artifact chunk size.
const DefaultChunkSize = 256 * 1024

const partialSuffix = ".partial"

// SendArtifacts streams files (slash paths relative to dir) as
// artifact.chunk messages followed by artifact.done, all tagged with
// attempt.
func SendArtifacts(c *Conn, dir string, files []string, attempt, chunkSize int, compression string) (ArtifactDone, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	done := ArtifactDone{Files: []string{}, Attempt: attempt}
	buf := make([]byte, chunkSize)
	for _, rel := range files {
		n, err := sendFile(c, dir, rel, buf, attempt, compression)
		if err != nil {
			return done, err
		}
		done.Files = append(done.Files, rel)
		done.Bytes += n
	}
	if err := c.Send(TypeArtifactDone, done); err != nil {
		return done, err
	}
	return done, nil
}

func sendFile(c *Conn, dir, rel string, buf []byte, attempt int, compression string) (int64, error) {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return 0, fmt.Errorf("open artifact %s: %w", rel, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat artifact %s: %w", rel, err)
	}
	size := info.Size()

	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return offset, fmt.Errorf("read artifact %s: %w", rel, err)
		}
		chunk := buf[:n]
		data, used, cerr := CompressChunk(chunk, compression)
		if cerr != nil {
			return offset, cerr
		}
		final := offset+int64(n) >= size || n < len(buf)
		msg := ArtifactChunk{
			Path:        rel,
			Offset:      offset,
			Size:        n,
			Compression: used,
			Data:        data,
			Digest:      Digest(chunk),
			Final:       final,
			Attempt:     attempt,
		}
		if err := c.Send(TypeArtifactChunk, msg); err != nil {
			return offset, err
		}
		offset += int64(n)
		if final {
			return offset, nil
		}
	}
}

// Receiver writes artifact chunks under a directory. Files are written
// to a .partial sibling and renamed on the final chunk, so a repeated
// transfer overwrites earlier attempts instead of appending to them.
type Receiver struct {
	dir     string
	partial map[string]*partialFile
	files   []string
	bytes   int64
}

type partialFile struct {
	f      *os.File
	target string
	next   int64
}

// NewReceiver creates a Receiver rooted at dir.
func NewReceiver(dir string) *Receiver {
	return &Receiver{dir: dir, partial: make(map[string]*partialFile)}
}

// Chunk applies one chunk.
func (r *Receiver) Chunk(ch ArtifactChunk) error {
	rel := filepath.FromSlash(ch.Path)
	if !filepath.IsLocal(rel) {
		return TransportError(fmt.Sprintf("artifact path %q escapes the artifact directory", ch.Path), nil)
	}
	data, err := DecompressChunk(ch.Data, ch.Compression, ch.Size)
	if err != nil {
		return TransportError("artifact "+ch.Path, err)
	}
	if Digest(data) != ch.Digest {
		return TransportError(fmt.Sprintf("artifact %s: digest mismatch at offset %d", ch.Path, ch.Offset), nil)
	}

	p, ok := r.partial[ch.Path]
	if ch.Offset == 0 {
		if ok {
			p.f.Close()
		}
		target := filepath.Join(r.dir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target+partialSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		p = &partialFile{f: f, target: target}
		r.partial[ch.Path] = p
	} else if !ok || p.next != ch.Offset {
		return TransportError(fmt.Sprintf("artifact %s: unexpected chunk offset %d", ch.Path, ch.Offset), nil)
	}

	if _, err := p.f.Write(data); err != nil {
		return err
	}
	p.next += int64(len(data))
	if !ch.Final {
		return nil
	}

	delete(r.partial, ch.Path)
	if err := p.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(p.f.Name(), p.target); err != nil {
		return err
	}
	if !slices.Contains(r.files, ch.Path) {
		r.files = append(r.files, ch.Path)
		r.bytes += p.next
	}
	return nil
}

// Done checks the transfer summary against what was received.
func (r *Receiver) Done(d ArtifactDone) error {
	if len(r.partial) > 0 {
		return TransportError(fmt.Sprintf("%d artifacts incomplete at artifact.done", len(r.partial)), nil)
	}
	for _, f := range d.Files {
		if !slices.Contains(r.files, f) {
			return TransportError(fmt.Sprintf("artifact %s announced but not received", f), nil)
		}
	}
	return nil
}

// Abort closes and removes incomplete files.
func (r *Receiver) Abort() {
	for path, p := range r.partial {
		p.f.Close()
		os.Remove(p.f.Name())
		delete(r.partial, path)
	}
}

// Files returns the completed files, sorted.
func (r *Receiver) Files() []string {
	return slices.Sorted(slices.Values(r.files))
}

// Bytes is the total size of completed files.
func (r *Receiver) Bytes() int64 {
	return r.bytes
}
