package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// FileKind selects which of a device's two files a batch goes to
type FileKind uint8

const (
	FileLive FileKind = iota
	FileStored
)

func (k FileKind) String() string {
	if k == FileStored {
		return "stored"
	}
	return "live"
}

// Metadata is the JSON object appended to the header row
type Metadata struct {
	DeviceType  string `json:"Device_Type"`
	DeviceID    string `json:"Device_ID"`
	DeviceNVMID uint32 `json:"Device_NVM_ID"`
	Firmware    string `json:"Firmware"`
	AppVersion  string `json:"App_Version"`
	SessionID   string `json:"Session_ID,omitempty"`
}

// CSVWriter appends decoded packets of one device to its live and stored files.
// Each file path is resolved once, on the first write of that kind.
type CSVWriter struct {
	mu      sync.Mutex
	dir     string
	name    string
	family  nirs.Family
	meta    Metadata
	started time.Time
	files   [2]*csvFile
}

type csvFile struct {
	path  string
	index int
}

// NewCSVWriter creates a writer for one device session rooted at dir
func NewCSVWriter(dir, deviceName string, family nirs.Family, meta Metadata, started time.Time) *CSVWriter {
	return &CSVWriter{
		dir:     dir,
		name:    SanitizeName(deviceName),
		family:  family,
		meta:    meta,
		started: started,
	}
}

// SetMetadata replaces the metadata used for files not created yet
func (w *CSVWriter) SetMetadata(family nirs.Family, meta Metadata) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.family = family
	w.meta = meta
}

// Path returns the resolved path of a file kind, empty until the first write
func (w *CSVWriter) Path(kind FileKind) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f := w.files[kind]; f != nil {
		return f.path
	}
	return ""
}

// Write appends one row per packet and returns the number of rows written.
// Packets of families without a column layout are skipped.
func (w *CSVWriter) Write(kind FileKind, packets []nirs.Packet) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(packets) == 0 {
		return 0, nil
	}

	columns := Columns(w.family)
	if columns == nil {
		return 0, fmt.Errorf("csv %s: %w", w.family, nirs.ErrUnsupportedFamily)
	}

	f := w.files[kind]
	if f == nil {
		path, err := w.resolvePath(kind)
		if err != nil {
			return 0, err
		}
		f = &csvFile{path: path}
		w.files[kind] = f
	}

	created := false
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		created = true
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	cw := csv.NewWriter(file)
	cw.Comma = ';'

	if created {
		header, err := w.header(columns)
		if err != nil {
			return 0, err
		}
		if err := cw.Write(header); err != nil {
			return 0, fmt.Errorf("write header: %w", err)
		}
	}

	// an index is spent once its row is handed to the writer, so a failed
	// flush leaves a gap instead of repeating indices
	written := 0
	for _, p := range packets {
		row, ok := packetRow(f.index+1, p)
		if !ok {
			continue
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("write row: %w", err)
		}
		f.index++
		written++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", f.path, err)
	}

	return written, nil
}

func (w *CSVWriter) header(columns []string) ([]string, error) {
	meta, err := json.Marshal(w.meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	header := make([]string, 0, len(columns)+1)
	header = append(header, columns...)
	return append(header, string(meta)), nil
}

func (w *CSVWriter) resolvePath(kind FileKind) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create documents dir: %w", err)
	}

	base := w.name + "_" + fileStamp(w.started)
	if kind == FileStored {
		base = w.name + "_stored"
	}

	path := filepath.Join(w.dir, base+".csv")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(w.dir, fmt.Sprintf("%s_%d.csv", base, i))
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SanitizeName keeps letters, digits, '-' and '_' of a device name
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "device"
	}
	return b.String()
}
