package records

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	journalMaxBytes = 4 << 20
	journalMaxAge   = time.Minute
)

// Journal is the on-disk overflow for jobs that could not reach the
// durable store: append-only JSONL, zstd-compressed, rotated into
// sealed segments that Drain replays oldest first. Replay relies on
// Store.Apply being idempotent, so a crash mid-drain double-applies
// nothing.
type Journal struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	maxAge   time.Duration
	w        *segmentWriter
}

func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = "journal"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Journal{dir: dir, maxBytes: journalMaxBytes, maxAge: journalMaxAge}, nil
}

// Append writes one job to the open segment, rotating it once it
// crosses the size or age bound.
func (j *Journal) Append(job Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.w == nil {
		w, err := newSegmentWriter(j.dir)
		if err != nil {
			return fmt.Errorf("failed to open journal segment: %w", err)
		}
		j.w = w
	}

	line, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ts := job.Record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := j.w.writeLine(line, ts); err != nil {
		return fmt.Errorf("failed to write journal line: %w", err)
	}

	if j.w.bytesIn >= j.maxBytes || time.Since(j.w.openedAt) >= j.maxAge {
		err := j.w.close()
		j.w = nil
		if err != nil {
			return fmt.Errorf("failed to rotate journal segment: %w", err)
		}
	}
	return nil
}

// Seal closes the open segment so its jobs become drainable.
func (j *Journal) Seal() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	err := j.w.close()
	j.w = nil
	return err
}

// Pending reports how many sealed segments await replay.
func (j *Journal) Pending() int {
	segs, err := listSegments(j.dir)
	if err != nil {
		return 0
	}
	return len(segs)
}

// Empty reports whether the journal holds nothing to replay, counting
// jobs still sitting in the open segment.
func (j *Journal) Empty() bool {
	j.mu.Lock()
	open := j.w != nil && j.w.count > 0
	j.mu.Unlock()
	return !open && j.Pending() == 0
}

// Drain replays sealed segments oldest first, deleting each one after
// every job in it applied. It stops at the first apply error, leaving
// the remaining segments for the next attempt.
func (j *Journal) Drain(ctx context.Context, apply func(context.Context, Job) error) (int, error) {
	if err := j.Seal(); err != nil {
		return 0, fmt.Errorf("failed to seal journal: %w", err)
	}

	segs, err := listSegments(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list journal segments: %w", err)
	}

	replayed := 0
	for _, seg := range segs {
		jobs, err := readSegment(seg.path)
		if err != nil {
			return replayed, fmt.Errorf("failed to read segment %s: %w", seg.path, err)
		}
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			if err := apply(ctx, job); err != nil {
				return replayed, fmt.Errorf("failed to replay job %s: %w", job.Record.ID, err)
			}
			replayed++
		}
		if err := os.Remove(seg.path); err != nil {
			return replayed, fmt.Errorf("failed to remove drained segment: %w", err)
		}
	}
	return replayed, nil
}

// Close seals the open segment. Safe to call more than once.
func (j *Journal) Close() error {
	return j.Seal()
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	bytesIn  int64
	openedAt time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	ts = ts.UTC()
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	w.bytesIn += int64(len(line) + 1)
	return nil
}

func (w *segmentWriter) close() error {
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", w.minTs.Unix(), w.maxTs.Unix(), w.seq))
	return os.Rename(w.pathTmp, final)
}

type segmentMeta struct {
	path string
	min  time.Time
	seq  int64
}

func listSegments(dir string) ([]segmentMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]segmentMeta, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) != 3 {
			continue
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		seq, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, segmentMeta{path: filepath.Join(dir, name), min: time.Unix(minUnix, 0).UTC(), seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].seq < out[j].seq
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func readSegment(path string) ([]Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var jobs []Job
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(line), &job); err != nil {
			// A torn tail line from a crash is not worth losing the
			// rest of the segment over.
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, sc.Err()
}
