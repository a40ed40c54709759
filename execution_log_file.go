package campaign

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileExecutionLogger is an implementation of ExecutionLogger that logs to a
// file. A file is created per run. The file is formatted as newline-delimited
// JSON.
type FileExecutionLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileExecutionLogger(directory string) *FileExecutionLogger {
	return &FileExecutionLogger{directory: directory}
}

func (l *FileExecutionLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileExecutionLogger) GetExecutionHistory(ctx context.Context, runID string) ([]*ExecutionLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*ExecutionLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry ExecutionLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileExecutionLogger) LogExecution(ctx context.Context, entry *ExecutionLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// NullExecutionLogger is a no-op implementation of ExecutionLogger.
type NullExecutionLogger struct{}

func NewNullExecutionLogger() *NullExecutionLogger {
	return &NullExecutionLogger{}
}

func (l *NullExecutionLogger) LogExecution(ctx context.Context, entry *ExecutionLogEntry) error {
	return nil
}

func (l *NullExecutionLogger) GetExecutionHistory(ctx context.Context, runID string) ([]*ExecutionLogEntry, error) {
	return nil, nil
}
