package spool

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

const (
	fileMagic     = "FIQS"
	fileVersion   = 1
	headerLen     = 16 // magic(4) version(1) flags(1) reserved(2) len(4) crc(4)
	flagZstd      = 0x01
	filePrefix    = "spool-"
	fileSuffix    = ".fiq"
	tmpSuffix     = ".tmp"
	corruptSuffix = ".corrupt"
)

var (
	ErrCorrupt = errors.New("spool file corrupt")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// Options configures a FileSpool.
type Options struct {
	Dir string
	// MaxBytes caps the spool size on disk; 0 disables the cap.
	MaxBytes int64
	// Compression is "none" or "zstd".
	Compression string
	Obs         ports.Observability
}

// batchRecord is the self-describing payload of one spool file.
type batchRecord struct {
	Version int             `cbor:"1,keyasint"`
	BatchID string          `cbor:"2,keyasint"`
	Created time.Time       `cbor:"3,keyasint"`
	Samples []domain.Sample `cbor:"4,keyasint"`
}

type fileEntry struct {
	seq  ports.SpoolSeq
	size int64
}

// FileSpool keeps one file per batch in Dir. Files are written to a
// temporary name, fsynced and renamed, so a crash leaves either the whole
// batch or nothing. Sequence numbers in the file names define replay order.
type FileSpool struct {
	mu        sync.Mutex
	dir       string
	opts      Options
	obs       ports.Observability
	files     []fileEntry
	sizeBytes int64
	nextSeq   ports.SpoolSeq
	dropped   uint64

	encMode cbor.EncMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	entropy *ulid.MonotonicEntropy
}

func NewFileSpool(opts Options) (*FileSpool, error) {
	if opts.Dir == "" {
		return nil, errors.New("spool dir is required")
	}
	switch opts.Compression {
	case "", "none", "zstd":
	default:
		return nil, fmt.Errorf("unknown spool compression %q", opts.Compression)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("spool cbor enc mode: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("spool zstd decoder: %w", err)
	}

	s := &FileSpool{
		dir:     opts.Dir,
		opts:    opts,
		obs:     opts.Obs,
		nextSeq: 1,
		encMode: encMode,
		zdec:    zdec,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if s.obs == nil {
		s.obs = observability.NewNop()
	}
	if opts.Compression == "zstd" {
		s.zenc, err = zstd.NewWriter(nil)
		if err != nil {
			zdec.Close()
			return nil, fmt.Errorf("spool zstd encoder: %w", err)
		}
	}

	if err := s.bootstrap(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSpool) bootstrap() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			// Interrupted append: the batch was never acknowledged.
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return err
			}
			continue
		}
		seq, ok := parseSeq(name)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		s.files = append(s.files, fileEntry{seq: seq, size: info.Size()})
		s.sizeBytes += info.Size()
		if seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
	}
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].seq < s.files[j].seq })
	if len(s.files) > 0 {
		s.obs.LogInfo("spool_recovered",
			ports.Field{Key: "files", Value: len(s.files)},
			ports.Field{Key: "bytes", Value: s.sizeBytes})
	}
	return nil
}

// Append writes samples as a new batch file and fsyncs it before returning.
func (s *FileSpool) Append(samples []*domain.Sample) (ports.SpoolSeq, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := batchRecord{
		Version: fileVersion,
		BatchID: ulid.MustNew(ulid.Now(), s.entropy).String(),
		Created: time.Now().UTC(),
		Samples: make([]domain.Sample, len(samples)),
	}
	for i, smp := range samples {
		rec.Samples[i] = *smp
	}
	payload, err := s.encMode.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("spool encode: %w", err)
	}

	var flags byte
	if s.zenc != nil {
		payload = s.zenc.EncodeAll(payload, nil)
		flags |= flagZstd
	}

	// file format: [magic 4][version 1][flags 1][reserved 2][len 4][crc32c 4][payload]
	var hdr [headerLen]byte
	copy(hdr[0:4], fileMagic)
	hdr[4] = fileVersion
	hdr[5] = flags
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.Checksum(payload, crcTable))

	seq := s.nextSeq
	final := s.path(seq)
	tmp := final + tmpSuffix
	if err := writeFileSync(tmp, hdr[:], payload); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("spool write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("spool rename: %w", err)
	}

	// The file is renamed and its data synced, so it is part of the spool
	// from here on whether or not the directory sync succeeds.
	size := int64(headerLen + len(payload))
	s.nextSeq++
	s.files = append(s.files, fileEntry{seq: seq, size: size})
	s.sizeBytes += size
	if err := syncDir(s.dir); err != nil {
		s.obs.LogError("spool_dir_sync_failed", err, ports.Field{Key: "seq", Value: seq})
	}
	s.enforceCapLocked()
	return seq, nil
}

// enforceCapLocked drops the oldest batches until the spool fits its cap.
// The newest batch is always kept.
func (s *FileSpool) enforceCapLocked() {
	if s.opts.MaxBytes <= 0 {
		return
	}
	for s.sizeBytes > s.opts.MaxBytes && len(s.files) > 1 {
		victim := s.files[0]
		if err := os.Remove(s.path(victim.seq)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.obs.LogError("spool_drop_failed", err, ports.Field{Key: "seq", Value: victim.seq})
			return
		}
		s.files = s.files[1:]
		s.sizeBytes -= victim.size
		s.dropped++
		s.obs.IncCounter(ports.MetricSpoolDroppedFiles, 1)
		s.obs.LogWarn("spool_cap_exceeded_dropping_oldest", nil,
			ports.Field{Key: "seq", Value: victim.seq},
			ports.Field{Key: "bytes", Value: victim.size},
			ports.Field{Key: "max_bytes", Value: s.opts.MaxBytes})
	}
}

// Oldest decodes the lowest-sequence batch. Unreadable files are renamed
// aside so they cannot block replay forever.
func (s *FileSpool) Oldest() (ports.SpoolBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.files) > 0 {
		entry := s.files[0]
		rec, err := s.readLocked(entry.seq)
		if err == nil {
			batch := ports.SpoolBatch{
				Seq:     entry.seq,
				BatchID: rec.BatchID,
				Samples: make([]*domain.Sample, len(rec.Samples)),
			}
			for i := range rec.Samples {
				batch.Samples[i] = &rec.Samples[i]
			}
			return batch, true, nil
		}
		if !errors.Is(err, ErrCorrupt) {
			return ports.SpoolBatch{}, false, err
		}

		s.obs.LogCritical("spool_file_quarantined", err, ports.Field{Key: "seq", Value: entry.seq})
		path := s.path(entry.seq)
		if rerr := os.Rename(path, path+corruptSuffix); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return ports.SpoolBatch{}, false, fmt.Errorf("quarantine %s: %w", path, rerr)
		}
		s.files = s.files[1:]
		s.sizeBytes -= entry.size
	}
	return ports.SpoolBatch{}, false, nil
}

func (s *FileSpool) readLocked(seq ports.SpoolSeq) (*batchRecord, error) {
	data, err := os.ReadFile(s.path(seq))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: seq %d vanished", ErrCorrupt, seq)
		}
		return nil, err
	}
	if len(data) < headerLen || !bytes.Equal(data[0:4], []byte(fileMagic)) {
		return nil, fmt.Errorf("%w: seq %d bad header", ErrCorrupt, seq)
	}
	if data[4] != fileVersion {
		return nil, fmt.Errorf("%w: seq %d unsupported version %d", ErrCorrupt, seq, data[4])
	}
	flags := data[5]
	length := binary.BigEndian.Uint32(data[8:12])
	sum := binary.BigEndian.Uint32(data[12:16])
	payload := data[headerLen:]
	if uint32(len(payload)) != length {
		return nil, fmt.Errorf("%w: seq %d truncated (%d of %d bytes)", ErrCorrupt, seq, len(payload), length)
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return nil, fmt.Errorf("%w: seq %d checksum mismatch", ErrCorrupt, seq)
	}
	if flags&flagZstd != 0 {
		payload, err = s.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: seq %d zstd: %v", ErrCorrupt, seq, err)
		}
	}

	var rec batchRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: seq %d decode: %v", ErrCorrupt, seq, err)
	}
	return &rec, nil
}

// Ack deletes a replayed batch. Acking an unknown sequence is a no-op: the
// batch may have been dropped by the size cap while it was being replayed.
func (s *FileSpool) Ack(seq ports.SpoolSeq) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, f := range s.files {
		if f.seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if err := os.Remove(s.path(seq)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.sizeBytes -= s.files[idx].size
	s.files = append(s.files[:idx], s.files[idx+1:]...)
	return nil
}

func (s *FileSpool) Stats() ports.SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ports.SpoolStats{
		Files:        len(s.files),
		SizeBytes:    s.sizeBytes,
		LatestSeq:    s.nextSeq - 1,
		DroppedFiles: s.dropped,
	}
	if len(s.files) > 0 {
		st.OldestSeq = s.files[0].seq
	}
	return st
}

// Close releases the compression codecs.
func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zenc != nil {
		_ = s.zenc.Close()
		s.zenc = nil
	}
	if s.zdec != nil {
		s.zdec.Close()
		s.zdec = nil
	}
	return nil
}

func (s *FileSpool) path(seq ports.SpoolSeq) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", filePrefix, uint64(seq), fileSuffix))
}

func parseSeq(name string) (ports.SpoolSeq, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	u, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || u == 0 {
		return 0, false
	}
	return ports.SpoolSeq(u), true
}

func writeFileSync(path string, parts ...[]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := f.Write(p); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

var _ ports.Spool = (*FileSpool)(nil)
