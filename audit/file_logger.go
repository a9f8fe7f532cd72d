package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var _ Logger = (*FileLogger)(nil)

// FileLogger appends events as JSON lines and keeps the most recent ones in
// memory for cheap time-bounded queries.
type FileLogger struct {
	profile    string
	file       *os.File
	mu         sync.RWMutex
	eventCache []Event
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath string `json:"file_path"`
	// CacheSize bounds the in-memory event cache. Defaults to 1000.
	CacheSize int `json:"cache_size,omitempty"`
}

// NewFileLogger opens (or creates) the file named by the file_path option.
func NewFileLogger(config *Config) (*FileLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.CacheSize <= 0 {
		fileOpts.CacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		profile:    config.Profile,
		file:       file,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  fileOpts.CacheSize,
	}, nil
}

func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(fl.profile, action, success, metadata))
}

func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// A previous vault sharing this logger may have closed it.
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}

	return nil
}

func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return paginate(fl.filter(fl.eventCache, options), len(fl.eventCache), options), nil
	}

	return fl.queryFromFile(options)
}

// canUseCacheForQuery is true when the cache covers the requested window.
func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 || options.Since == nil {
		return false
	}
	return !options.Since.Before(fl.eventCache[0].Timestamp)
}

func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return QueryResult{Events: []Event{}}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err = scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error reading audit log file: %w", err)
	}

	return paginate(fl.filter(events, options), len(events), options), nil
}

func (fl *FileLogger) filter(events []Event, options QueryOptions) []Event {
	var filtered []Event
	for _, event := range events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// paginate sorts newest first then applies offset and limit.
func paginate(events []Event, totalCount int, options QueryOptions) QueryResult {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	start := options.Offset
	if start > len(events) {
		start = len(events)
	}
	end := len(events)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	page := make([]Event, end-start)
	copy(page, events[start:end])

	return QueryResult{
		Events:     page,
		TotalCount: totalCount,
		Filtered:   len(events),
		HasMore:    end < len(events),
	}
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}

func generateEventID() string {
	return uuid.NewString()
}
