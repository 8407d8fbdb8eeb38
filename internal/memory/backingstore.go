package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// BackingStore is the persistent, text-based swap file every evicted
// dirty page is written to and every page fault reads from. One
// mutex serializes every access; each update rewrites the whole file
// (read-modify-write then atomic rename) rather than seeking into it.
// Each line is one resident-on-disk page: "PID=<n> VPN=<n>
// DATA=<words>".
type BackingStore struct {
	mu   sync.Mutex
	path string
	log  *logrus.Entry
}

func NewBackingStore(path string, log *logrus.Entry) *BackingStore {
	return &BackingStore{path: path, log: log}
}

type pageRecord struct {
	pid, vpn int
	words    []uint16
}

// PageOut persists words as the on-disk image of (pid, vpn),
// replacing any prior record for that page.
func (bs *BackingStore) PageOut(pid, vpn int, words map[int]uint16, pageBytes int) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	records, err := bs.readAll()
	if err != nil {
		return err
	}
	rec := pageRecord{pid: pid, vpn: vpn, words: flattenPage(words, vpn, pageBytes)}
	replaced := false
	for i := range records {
		if records[i].pid == pid && records[i].vpn == vpn {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	if err := bs.writeAll(records); err != nil {
		return err
	}
	bs.log.WithFields(logrus.Fields{"pid": pid, "vpn": vpn}).Debug("page written to backing store")
	return nil
}

// PageIn returns the on-disk image of (pid, vpn) as a byte-address ->
// word map covering the stored page's bytes starting at
// vpn*pageBytes, where pageBytes is twice the record's word count.
// found is false on a first touch (the page was
// never paged out before), which the caller treats as zero-fill.
func (bs *BackingStore) PageIn(pid, vpn int) (words map[int]uint16, found bool, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	records, err := bs.readAll()
	if err != nil {
		return nil, false, err
	}
	for _, r := range records {
		if r.pid == pid && r.vpn == vpn {
			bs.log.WithFields(logrus.Fields{"pid": pid, "vpn": vpn}).Debug("page read from backing store")
			return unflattenPage(r.words, vpn), true, nil
		}
	}
	return nil, false, nil
}

// ReleaseProcess drops every record belonging to pid, called once the
// process terminates and its backing-store footprint is reclaimed.
func (bs *BackingStore) ReleaseProcess(pid int) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	records, err := bs.readAll()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.pid != pid {
			kept = append(kept, r)
		}
	}
	return bs.writeAll(kept)
}

func flattenPage(words map[int]uint16, vpn, pageBytes int) []uint16 {
	n := pageBytes / 2
	out := make([]uint16, n)
	base := vpn * pageBytes
	for addr, v := range words {
		idx := (addr - base) / 2
		if idx >= 0 && idx < n {
			out[idx] = v
		}
	}
	return out
}

func unflattenPage(words []uint16, vpn int) map[int]uint16 {
	out := make(map[int]uint16, len(words))
	base := vpn * len(words) * 2
	for i, v := range words {
		out[base+i*2] = v
	}
	return out
}

func (bs *BackingStore) readAll() ([]pageRecord, error) {
	f, err := os.Open(bs.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backing store: open %s: %w", bs.path, err)
	}
	defer f.Close()

	var records []pageRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := parseRecordLine(line)
		if err != nil {
			return nil, fmt.Errorf("backing store: %s: %w", bs.path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("backing store: read %s: %w", bs.path, err)
	}
	return records, nil
}

func (bs *BackingStore) writeAll(records []pageRecord) error {
	dir := filepath.Dir(bs.path)
	tmp, err := os.CreateTemp(dir, ".backing-store-*.tmp")
	if err != nil {
		return fmt.Errorf("backing store: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, r := range records {
		if _, err := fmt.Fprintln(w, formatRecordLine(r)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("backing store: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("backing store: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backing store: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, bs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backing store: rename: %w", err)
	}
	return nil
}

func formatRecordLine(r pageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID=%d VPN=%d DATA=", r.pid, r.vpn)
	for i, w := range r.words {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%04X", w)
	}
	return b.String()
}

func parseRecordLine(line string) (pageRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return pageRecord{}, fmt.Errorf("malformed record: %q", line)
	}
	var rec pageRecord
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "PID="):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "PID="))
			if err != nil {
				return pageRecord{}, fmt.Errorf("bad PID in %q: %w", line, err)
			}
			rec.pid = n
		case strings.HasPrefix(f, "VPN="):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "VPN="))
			if err != nil {
				return pageRecord{}, fmt.Errorf("bad VPN in %q: %w", line, err)
			}
			rec.vpn = n
		case strings.HasPrefix(f, "DATA="):
			first := strings.TrimPrefix(f, "DATA=")
			if first != "" {
				v, err := strconv.ParseUint(first, 16, 16)
				if err != nil {
					return pageRecord{}, fmt.Errorf("bad DATA word in %q: %w", line, err)
				}
				rec.words = append(rec.words, uint16(v))
			}
		default:
			v, err := strconv.ParseUint(f, 16, 16)
			if err != nil {
				return pageRecord{}, fmt.Errorf("bad DATA word in %q: %w", line, err)
			}
			rec.words = append(rec.words, uint16(v))
		}
	}
	return rec, nil
}
