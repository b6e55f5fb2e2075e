package keystore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	openingLine = "{"
	closingLine = "}"

	// DefaultBackupsKept is the number of timestamped backup files
	// retained after flushes.
	DefaultBackupsKept = 5
)

// FileBackendOptions configures a FileBackend.
type FileBackendOptions struct {
	// RequiredFields is the exact field set every record must carry.
	RequiredFields []string
	// MaxExpiryDays bounds a new record's exp at today+MaxExpiryDays.
	MaxExpiryDays int
	// FlushThreshold is the queued-operation count at which IsFull
	// becomes true.
	FlushThreshold int
	// AutoFlush flushes automatically when the threshold is crossed.
	AutoFlush bool
	// BackupsKept overrides DefaultBackupsKept when positive.
	BackupsKept int
	Logger      *slog.Logger
}

// FileBackend stores key records in a JWKS-shaped JSON file: an opening "{"
// line, one `"kid":{...},` pair per line (the last without the trailing
// comma), and a closing "}" line. Inserts and removals are queued in memory
// and applied by Flush, which streams the live file into a side file and
// atomically renames it into place after moving the old file to a
// timestamped backup. Readers always open the current file path afresh, so
// a concurrent reader sees either the pre- or post-flush set, never a torn
// file. A single writer per file is assumed.
type FileBackend struct {
	path     string
	required map[string]struct{}
	maxDays  int
	thresh   int
	auto     bool
	backups  int
	logger   *slog.Logger

	mu   sync.Mutex
	adds map[string]Record
	dels map[string]struct{}

	now func() time.Time // test seam
}

// NewFileBackend opens (creating if necessary) the key file at path.
func NewFileBackend(path string, opts FileBackendOptions) (*FileBackend, error) {
	if len(opts.RequiredFields) == 0 {
		return nil, fmt.Errorf("file backend: required field set must not be empty")
	}
	required := make(map[string]struct{}, len(opts.RequiredFields))
	for _, f := range opts.RequiredFields {
		required[f] = struct{}{}
	}
	backups := opts.BackupsKept
	if backups <= 0 {
		backups = DefaultBackupsKept
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &FileBackend{
		path:     path,
		required: required,
		maxDays:  opts.MaxExpiryDays,
		thresh:   opts.FlushThreshold,
		auto:     opts.AutoFlush,
		backups:  backups,
		logger:   logger.With(slog.String("component", "keystore_file"), slog.String("path", path)),
		adds:     make(map[string]Record),
		dels:     make(map[string]struct{}),
		now:      time.Now,
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(openingLine+"\n"+closingLine+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("create key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	return b, nil
}

// Path returns the live file path.
func (b *FileBackend) Path() string { return b.path }

// Set queues the insert of a new record under kid.
func (b *FileBackend) Set(kid string, rec Record) error {
	if err := b.validate(kid, rec); err != nil {
		return err
	}

	b.mu.Lock()
	if _, ok := b.adds[kid]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, kid)
	}
	b.mu.Unlock()

	exists := false
	err := b.KeyIDs(func(existing string) error {
		if existing == kid {
			exists = true
			return SkipRest
		}
		return nil
	})
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, kid)
	}

	b.mu.Lock()
	b.adds[kid] = rec.Clone()
	full := b.auto && b.pendingLocked() >= b.thresh
	b.mu.Unlock()

	if full {
		return b.Flush()
	}
	return nil
}

// Remove queues the deletion of the given key IDs. Removing a key that was
// queued for insert but never flushed simply cancels the insert.
func (b *FileBackend) Remove(kids []string) {
	b.mu.Lock()
	for _, kid := range kids {
		if _, ok := b.adds[kid]; ok {
			delete(b.adds, kid)
			continue
		}
		b.dels[kid] = struct{}{}
	}
	full := b.auto && b.pendingLocked() >= b.thresh
	b.mu.Unlock()

	if full {
		if err := b.Flush(); err != nil {
			b.logger.Error("auto-flush failed", slog.String("error", err.Error()))
		}
	}
}

// EvictExpired queues the deletion of every record expiring before limit
// and returns descriptors of the evicted keys, without their material.
func (b *FileBackend) EvictExpired(limit time.Time) ([]Descriptor, error) {
	var evicted []Descriptor
	err := b.Items([]string{"exp", "alg"}, func(kid string, rec Record) error {
		exp, err := rec.Expiry()
		if err != nil {
			return fmt.Errorf("%w: %s has unparseable expiry", ErrCorrupt, kid)
		}
		if exp.Before(limit) {
			evicted = append(evicted, Descriptor{Kid: kid, Alg: rec["alg"], Exp: rec["exp"]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	for kid, rec := range b.adds {
		exp, err := rec.Expiry()
		if err != nil {
			continue // validated on insert, should not happen
		}
		if exp.Before(limit) {
			evicted = append(evicted, Descriptor{Kid: kid, Alg: rec["alg"], Exp: rec["exp"]})
			delete(b.adds, kid)
		}
	}
	b.mu.Unlock()

	kids := make([]string, 0, len(evicted))
	for _, d := range evicted {
		kids = append(kids, d.Kid)
	}
	b.Remove(kids)
	return evicted, nil
}

// Items streams committed records projected to the requested fields.
func (b *FileBackend) Items(fields []string, fn func(kid string, rec Record) error) error {
	err := b.scanEntries(func(kid string, raw json.RawMessage) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: record for %s: %v", ErrCorrupt, kid, err)
		}
		if fields != nil {
			proj := make(Record, len(fields))
			for _, f := range fields {
				if v, ok := rec[f]; ok {
					proj[f] = v
				}
			}
			rec = proj
		}
		return fn(kid, rec)
	})
	if errors.Is(err, SkipRest) {
		return nil
	}
	return err
}

// KeyIDs streams committed key IDs.
func (b *FileBackend) KeyIDs(fn func(kid string) error) error {
	err := b.scanEntries(func(kid string, _ json.RawMessage) error {
		return fn(kid)
	})
	if errors.Is(err, SkipRest) {
		return nil
	}
	return err
}

// Get returns a copy of the committed record for kid. A key ID appearing
// more than once in the file is reported as corruption.
func (b *FileBackend) Get(kid string) (Record, error) {
	var found Record
	seen := 0
	err := b.Items(nil, func(k string, rec Record) error {
		if k == kid {
			seen++
			if seen > 1 {
				return fmt.Errorf("%w: duplicate key id %s", ErrCorrupt, kid)
			}
			found = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kid)
	}
	return found.Clone(), nil
}

// RandomPick returns one key drawn uniformly at random from the current
// set (committed entries minus queued deletions, plus queued inserts),
// using single-pass reservoir sampling over the stream.
func (b *FileBackend) RandomPick() (string, Record, error) {
	b.mu.Lock()
	dels := make(map[string]struct{}, len(b.dels))
	for kid := range b.dels {
		dels[kid] = struct{}{}
	}
	adds := make(map[string]Record, len(b.adds))
	for kid, rec := range b.adds {
		adds[kid] = rec
	}
	b.mu.Unlock()

	var (
		n         int
		chosenKid string
		chosen    Record
	)
	consider := func(kid string, rec Record) {
		n++
		if rand.IntN(n) == 0 {
			chosenKid, chosen = kid, rec
		}
	}
	err := b.Items(nil, func(kid string, rec Record) error {
		if _, gone := dels[kid]; gone {
			return nil
		}
		consider(kid, rec)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	for kid, rec := range adds {
		consider(kid, rec.Clone())
	}
	if n == 0 {
		return "", nil, ErrEmpty
	}
	return chosenKid, chosen, nil
}

// Pending reports the number of queued, unflushed operations.
func (b *FileBackend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

// IsFull reports whether the pending queue has reached the threshold.
func (b *FileBackend) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thresh > 0 && b.pendingLocked() >= b.thresh
}

func (b *FileBackend) pendingLocked() int {
	return len(b.adds) + len(b.dels)
}

// Flush applies queued inserts and removals. The live file is streamed
// line-by-line into a side file (dropping deleted entries and fixing the
// trailing comma of the last retained one), queued inserts are appended,
// the live file is renamed to a timestamped backup, and the side file is
// renamed over the live path.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.adds) == 0 && len(b.dels) == 0 {
		return nil
	}

	src, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer src.Close()

	side := b.path + ".swap"
	dst, err := os.OpenFile(side, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open side file: %w", err)
	}
	defer dst.Close()

	w := bufio.NewWriter(dst)
	if _, err := w.WriteString(openingLine + "\n"); err != nil {
		return fmt.Errorf("write side file: %w", err)
	}

	hasAdds := len(b.adds) > 0

	// One-line lookahead: a retained entry is written only once the next
	// retained entry is known, so the final one can drop its comma when
	// no new entries follow.
	var held string
	writeHeld := func(last bool) error {
		if held == "" {
			return nil
		}
		line := held
		if last && !hasAdds {
			line = strings.TrimSuffix(line, ",")
		} else if !strings.HasSuffix(line, ",") {
			line += ","
		}
		_, err := w.WriteString(line + "\n")
		return err
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		if lineNo == 1 {
			if line != openingLine {
				return fmt.Errorf("%w: missing opening line", ErrCorrupt)
			}
			continue
		}
		if line == closingLine {
			break
		}
		kid, _, err := parseEntryLine(line)
		if err != nil {
			return err
		}
		if _, gone := b.dels[kid]; gone {
			continue
		}
		if err := writeHeld(false); err != nil {
			return fmt.Errorf("write side file: %w", err)
		}
		held = line
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	if err := writeHeld(true); err != nil {
		return fmt.Errorf("write side file: %w", err)
	}

	// Append queued inserts, last entry without the trailing comma.
	kids := make([]string, 0, len(b.adds))
	for kid := range b.adds {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	for i, kid := range kids {
		line, err := formatEntryLine(kid, b.adds[kid], i < len(kids)-1)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write side file: %w", err)
		}
	}

	if _, err := w.WriteString(closingLine + "\n"); err != nil {
		return fmt.Errorf("write side file: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush side file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync side file: %w", err)
	}

	backup := filepath.Join(filepath.Dir(b.path),
		fmt.Sprintf("old_%s_%s", b.now().UTC().Format("2006-01-02T15:04:05.000000000Z"), filepath.Base(b.path)))
	if err := os.Rename(b.path, backup); err != nil {
		return fmt.Errorf("rename key file to backup: %w", err)
	}
	if err := os.Rename(side, b.path); err != nil {
		return fmt.Errorf("rename side file: %w", err)
	}
	b.pruneBackups()

	b.logger.Debug("key file flushed",
		slog.Int("added", len(b.adds)),
		slog.Int("removed", len(b.dels)),
	)
	b.adds = make(map[string]Record)
	b.dels = make(map[string]struct{})
	return nil
}

// pruneBackups unlinks the oldest backups beyond the retention count. The
// UTC timestamp in the name sorts lexically in chronological order.
func (b *FileBackend) pruneBackups() {
	dir := filepath.Dir(b.path)
	base := filepath.Base(b.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "old_") && strings.HasSuffix(name, "_"+base) {
			backups = append(backups, name)
		}
	}
	if len(backups) <= b.backups {
		return
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-b.backups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			b.logger.Warn("failed to remove old backup", slog.String("backup", name), slog.String("error", err.Error()))
		}
	}
}

func (b *FileBackend) validate(kid string, rec Record) error {
	if !printable(kid) {
		return fmt.Errorf("%w: key id", ErrUnprintable)
	}
	if len(rec) != len(b.required) {
		return fmt.Errorf("%w: got %d fields, want %d", ErrBadShape, len(rec), len(b.required))
	}
	for f, v := range rec {
		if _, ok := b.required[f]; !ok {
			return fmt.Errorf("%w: unexpected field %q", ErrBadShape, f)
		}
		if !printable(v) {
			return fmt.Errorf("%w: field %q", ErrUnprintable, f)
		}
	}
	exp, err := rec.Expiry()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExpiryOutOfRange, err)
	}
	today := b.now().UTC().Truncate(24 * time.Hour)
	if exp.Before(today) {
		return fmt.Errorf("%w: %s is in the past", ErrExpiryOutOfRange, rec["exp"])
	}
	if b.maxDays > 0 && exp.After(today.AddDate(0, 0, b.maxDays)) {
		return fmt.Errorf("%w: %s exceeds today+%dd", ErrExpiryOutOfRange, rec["exp"], b.maxDays)
	}
	return nil
}

// scanEntries opens the live file and streams its entry lines.
func (b *FileBackend) scanEntries(fn func(kid string, raw json.RawMessage) error) error {
	f, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		if lineNo == 1 {
			if line != openingLine {
				return fmt.Errorf("%w: missing opening line", ErrCorrupt)
			}
			continue
		}
		if line == closingLine {
			return nil
		}
		kid, raw, err := parseEntryLine(line)
		if err != nil {
			return err
		}
		if err := fn(kid, raw); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	return fmt.Errorf("%w: missing closing line", ErrCorrupt)
}

// parseEntryLine decodes one `"kid":{...},` line.
func parseEntryLine(line string) (string, json.RawMessage, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(line), ",")
	var pair map[string]json.RawMessage
	if err := json.Unmarshal([]byte("{"+trimmed+"}"), &pair); err != nil {
		return "", nil, fmt.Errorf("%w: bad entry line: %v", ErrCorrupt, err)
	}
	if len(pair) != 1 {
		return "", nil, fmt.Errorf("%w: entry line holds %d pairs", ErrCorrupt, len(pair))
	}
	for kid, raw := range pair {
		return kid, raw, nil
	}
	return "", nil, fmt.Errorf("%w: empty entry line", ErrCorrupt)
}

// formatEntryLine encodes one record as a `"kid":{...}` line, with a
// trailing comma when more entries follow.
func formatEntryLine(kid string, rec Record, comma bool) (string, error) {
	k, err := json.Marshal(kid)
	if err != nil {
		return "", fmt.Errorf("encode key id: %w", err)
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	line := string(k) + ":" + string(v)
	if comma {
		line += ","
	}
	return line, nil
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
