// Package segmentstore implements a crash-safe on-disk segment index.
// Commits use write-then-rename with a write-ahead index record flushed
// before the rename, the same pattern a manifest-then-upload pipeline
// uses for durable ordering and local file handling uses for atomic
// renames.
package segmentstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/logging"
)

var log = logging.L("segmentstore")

const (
	writingSuffix   = ".writing"
	finalSuffix     = ".dat"
	indexFileName   = "index.log"
	segNameFormat   = "seg-%08d"
	minFreeBytes    = 10 * 1024 * 1024 // refuse new segment writes below this
)

// indexRecord is one newline-delimited JSON line in index.log, the
// write-ahead record committed before a segment's rename becomes durable.
type indexRecord struct {
	Seq        int       `json:"seq"`
	StartTS    time.Time `json:"startTs"`
	EndTS      time.Time `json:"endTs"`
	FrameCount int       `json:"frameCount"`
	Committed  bool      `json:"committed"`
}

// ErrDiskFull is returned by BeginSegment when free space is below the
// resource-exhaustion threshold.
var ErrDiskFull = errors.New("segmentstore: insufficient free disk space")

// Handle identifies an in-flight (uncommitted) segment write.
type Handle struct {
	seq      int
	path     string
	startTS  time.Time
	file     *os.File
}

// SegmentStore owns the per-session on-disk directory and its write-ahead
// index. The encoder queue is the index's single writer; the uploader
// queue only reads entries and updates per-segment upload state.
type SegmentStore struct {
	mu        sync.Mutex
	baseDir   string
	sessionID core.SessionID
	dir       string
	index     map[int]*core.Segment
}

// Open creates (or reuses) the per-session directory pending/{sessionId}/.
func Open(baseDir string, sessionID core.SessionID) (*SegmentStore, error) {
	dir := filepath.Join(baseDir, "pending", sessionID.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("segmentstore: open: %w", err)
	}
	s := &SegmentStore{
		baseDir:   baseDir,
		sessionID: sessionID,
		dir:       dir,
		index:     make(map[int]*core.Segment),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SegmentStore) loadIndex() error {
	path := filepath.Join(s.dir, indexFileName)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("segmentstore: load index: %w", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		var rec indexRecord
		if err := json.Unmarshal(scan.Bytes(), &rec); err != nil {
			log.Warn("skipping malformed index record", "error", err)
			continue
		}
		seg := &core.Segment{
			SessionID:  s.sessionID,
			Seq:        rec.Seq,
			StartTS:    rec.StartTS,
			EndTS:      rec.EndTS,
			FrameCount: rec.FrameCount,
			Finalized:  rec.Committed,
			Path:       s.finalPath(rec.Seq),
			State:      core.Pending,
		}
		s.index[rec.Seq] = seg
	}
	return scan.Err()
}

func (s *SegmentStore) appendIndexRecord(rec indexRecord) error {
	path := filepath.Join(s.dir, indexFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("segmentstore: append index: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *SegmentStore) writingPath(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf(segNameFormat, seq)+writingSuffix)
}

func (s *SegmentStore) finalPath(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf(segNameFormat, seq)+finalSuffix)
}

// BeginSegment opens a new .writing file for seq. Returns ErrDiskFull
// when free space is too low.
func (s *SegmentStore) BeginSegment(seq int, startTS time.Time) (*Handle, error) {
	if ok, err := hasFreeSpace(s.dir); err != nil {
		log.Warn("disk usage check failed, proceeding optimistically", "error", err)
	} else if !ok {
		return nil, ErrDiskFull
	}

	f, err := os.OpenFile(s.writingPath(seq), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("segmentstore: begin segment: %w", err)
	}
	return &Handle{seq: seq, path: s.writingPath(seq), startTS: startTS, file: f}, nil
}

// AppendFrame writes one encoded frame's bytes to the in-flight segment
// file behind a 4-byte little-endian length prefix. Nothing in this
// package reads the prefix back; commit and recovery go by the index.
func (h *Handle) AppendFrame(data []byte) error {
	var lenBuf [4]byte
	n := uint32(len(data))
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	if _, err := h.file.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := h.file.Write(data)
	return err
}

// CommitSegment syncs and closes the .writing file, appends the write-ahead
// index record, then atomically renames the file to its finalized name.
// The index record is durable before the rename, so after a crash between
// them ListRecoverable finds a .writing file with a committed record,
// finishes the rename and reports the segment as recoverable.
func (s *SegmentStore) CommitSegment(h *Handle, endTS time.Time, frameCount int) (core.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := h.file.Sync(); err != nil {
		return core.Segment{}, fmt.Errorf("segmentstore: sync before commit: %w", err)
	}
	if err := h.file.Close(); err != nil {
		return core.Segment{}, fmt.Errorf("segmentstore: close before commit: %w", err)
	}

	rec := indexRecord{Seq: h.seq, StartTS: h.startTS, EndTS: endTS, FrameCount: frameCount, Committed: true}
	if err := s.appendIndexRecord(rec); err != nil {
		return core.Segment{}, err
	}

	finalPath := s.finalPath(h.seq)
	if err := os.Rename(h.path, finalPath); err != nil {
		return core.Segment{}, fmt.Errorf("segmentstore: commit rename: %w", err)
	}

	seg := core.Segment{
		SessionID:  s.sessionID,
		Seq:        h.seq,
		StartTS:    h.startTS,
		EndTS:      endTS,
		FrameCount: frameCount,
		Path:       finalPath,
		Finalized:  true,
		State:      core.Pending,
	}
	s.index[h.seq] = &seg
	return seg, nil
}

// EmergencyCommit is the synchronous, non-allocating counterpart called
// from a pre-crash callback (FrameEncoder.emergency_flush_sync). It must
// not allocate, so it reuses a pre-sized buffer supplied by the caller and
// skips the JSON index path, instead writing a hand-built marker line
// directly.
func (s *SegmentStore) EmergencyCommit(h *Handle, endTS time.Time, frameCount int, scratch []byte) error {
	_ = h.file.Sync()
	_ = h.file.Close()

	line := appendEmergencyMarker(scratch[:0], h.seq, endTS, frameCount)
	f, err := os.OpenFile(filepath.Join(s.dir, indexFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// appendEmergencyMarker builds `{"seq":N,"endTs":"...","frameCount":N,"committed":true}\n`
// without using encoding/json, so EmergencyCommit performs no allocation
// beyond what the caller's scratch buffer already provides. endTs is an
// RFC 3339 string, the form loadIndex decodes into indexRecord.EndTS.
func appendEmergencyMarker(buf []byte, seq int, endTS time.Time, frameCount int) []byte {
	buf = append(buf, `{"seq":`...)
	buf = appendInt(buf, int64(seq))
	buf = append(buf, `,"endTs":"`...)
	buf = endTS.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","frameCount":`...)
	buf = appendInt(buf, int64(frameCount))
	buf = append(buf, `,"committed":true}`+"\n"...)
	return buf
}

func appendInt(buf []byte, v int64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		buf = append(buf, '-')
	}
	return append(buf, tmp[i:]...)
}

// ListRecoverable scans the session directory at startup: finalized files
// with a committed index record are recoverable, and .writing files with a
// committed record are renamed and recovered; any other segment file is
// deleted as an orphan.
func (s *SegmentStore) ListRecoverable() ([]core.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("segmentstore: list recoverable: %w", err)
	}

	var recoverable []core.Segment
	for _, e := range entries {
		name := e.Name()
		switch {
		case filepath.Ext(name) == finalSuffix:
			seq, ok := parseSeq(name, finalSuffix)
			if !ok {
				continue
			}
			seg, ok := s.index[seq]
			if !ok {
				// finalized file exists without a matching committed index
				// record: the index is the source of truth, so this file
				// did not have its commit durably recorded. Treat as an
				// orphan and remove it per the crash-safety invariant.
				_ = os.Remove(filepath.Join(s.dir, name))
				continue
			}
			recoverable = append(recoverable, *seg)
		case filepath.Ext(name) == writingSuffix:
			seq, ok := parseSeq(name, writingSuffix)
			if ok {
				if seg, committed := s.index[seq]; committed {
					// An emergency-flush trailer committed this segment
					// before the crash: finish the rename now and treat it
					// as recovered.
					finalPath := s.finalPath(seq)
					if err := os.Rename(filepath.Join(s.dir, name), finalPath); err == nil {
						seg.Path = finalPath
						recoverable = append(recoverable, *seg)
						continue
					}
				}
			}
			log.Info("deleting orphaned in-flight segment", "file", name)
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}

	sort.Slice(recoverable, func(i, j int) bool { return recoverable[i].Seq < recoverable[j].Seq })
	return recoverable, nil
}

func parseSeq(name, suffix string) (int, bool) {
	base := name[:len(name)-len(suffix)]
	if len(base) < len("seg-") {
		return 0, false
	}
	digits := base[len("seg-"):]
	var seq int
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		seq = seq*10 + int(c-'0')
	}
	return seq, true
}

// MarkUploaded and MarkFailed are compare-and-swap style transitions the
// uploader queue applies to the in-memory index; the uploader queue never
// writes index.log directly, preserving its single-writer rule.
func (s *SegmentStore) MarkUploaded(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg, ok := s.index[seq]; ok {
		seg.State = core.Uploaded
	}
}

func (s *SegmentStore) MarkFailed(seq int, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg, ok := s.index[seq]; ok {
		seg.State = core.Failed
		seg.Attempts = attempts
	}
}

func hasFreeSpace(path string) (bool, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return true, err
	}
	return usage.Free >= minFreeBytes, nil
}
