package collector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// MaxFileLineBytes bounds a single tailed line (§4.2, §5 resource caps).
const MaxFileLineBytes = 64 * 1024

// FileBatchSize is the maximum number of lines read per wake (§4.2).
const FileBatchSize = 1000

// fileIdentity identifies a file across rotations by device and inode.
type fileIdentity struct {
	dev, ino uint64
}

func statIdentity(fi os.FileInfo) (fileIdentity, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fileIdentity{}, false
	}
	return fileIdentity{dev: uint64(st.Dev), ino: st.Ino}, true
}

// ValidatePath rejects relative paths and any path containing a
// parent-directory traversal token ("..") among its segments. The path is
// checked as written, without cleaning; callers run it once at startup.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("collector: path %q must be absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("collector: path %q contains a traversal token", p)
		}
	}
	return nil
}

// FileCollector tails an ordered list of absolute paths into a Buffer,
// reopening on rotation (identity change or truncation) and dropping
// oversized lines.
type FileCollector struct {
	paths        []string
	buf          *Buffer
	log          *zap.Logger
	pollInterval time.Duration
	onCollected  func(source string)
	onDropped    func(source, reason string)
}

// NewFileCollector validates every path up front; an invalid path is a
// ConfigError (fatal at startup per §7), not a per-file runtime error.
func NewFileCollector(paths []string, buf *Buffer, log *zap.Logger, onCollected func(string), onDropped func(source, reason string)) (*FileCollector, error) {
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return nil, err
		}
	}
	return &FileCollector{
		paths:        paths,
		buf:          buf,
		log:          log,
		pollInterval: 200 * time.Millisecond,
		onCollected:  onCollected,
		onDropped:    onDropped,
	}, nil
}

// Run tails every configured path until ctx is cancelled.
func (f *FileCollector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range f.paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			f.tail(ctx, path)
		}(p)
	}
	wg.Wait()
	return nil
}

func (f *FileCollector) tail(ctx context.Context, path string) {
	source := "file:" + path
	var (
		file     *os.File
		reader   *bufio.Reader
		identity fileIdentity
		offset   int64
	)

	open := func() {
		if file != nil {
			_ = file.Close()
			file = nil
		}
		fh, err := os.Open(path)
		if err != nil {
			f.log.Warn("file collector: open failed", zap.String("path", path), zap.Error(err))
			return
		}
		fi, err := fh.Stat()
		if err != nil {
			f.log.Warn("file collector: stat failed", zap.String("path", path), zap.Error(err))
			_ = fh.Close()
			return
		}
		identity, _ = statIdentity(fi)
		file = fh
		reader = bufio.NewReaderSize(file, MaxFileLineBytes+16)
		offset = 0
	}

	open()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if file == nil {
				open()
				continue
			}
			fi, err := os.Stat(path)
			if err != nil {
				// Rotated out from under us or removed; retry opening.
				open()
				continue
			}
			newIdentity, _ := statIdentity(fi)
			if newIdentity != identity || fi.Size() < offset {
				f.log.Info("file collector: rotation detected", zap.String("path", path))
				open()
				continue
			}

			n := f.drainLines(reader, source, &offset)
			_ = n
		}
	}
}

// drainLines reads up to FileBatchSize lines, pushing each into the
// buffer and dropping any line exceeding MaxFileLineBytes.
func (f *FileCollector) drainLines(r *bufio.Reader, source string, offset *int64) int {
	var accum []byte
	oversize := false
	count := 0

	for i := 0; i < FileBatchSize; i++ {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			if err != io.EOF {
				f.log.Warn("file collector: read error", zap.String("source", source), zap.Error(err))
			}
			break
		}
		*offset += int64(len(frag))

		if !oversize {
			if len(accum)+len(frag) > MaxFileLineBytes {
				oversize = true
				accum = nil
			} else {
				accum = append(accum, frag...)
			}
		}

		if isPrefix {
			continue
		}

		if oversize {
			if f.onDropped != nil {
				f.onDropped(source, "oversize_line")
			}
		} else if len(accum) > 0 {
			if rl, err := NewRawLog(source, append([]byte(nil), accum...)); err == nil {
				f.buf.Push(rl)
				count++
				if f.onCollected != nil {
					f.onCollected(source)
				}
			}
		}
		accum = nil
		oversize = false
	}
	return count
}
