package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	mu     sync.Mutex
	calls  int
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogField はJSONログの各行から指定キーを持つ最初の値を返す。
func findLogField(buf *bytes.Buffer, key string) (interface{}, bool) {
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestCleanupJob_Run_DeletesExpiredEntries(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if mock.callCount() != 1 {
		t.Fatalf("ExecContext calls = %d, want 1", mock.callCount())
	}
	if !strings.Contains(mock.query, "DELETE FROM session_entries") {
		t.Errorf("クエリに 'DELETE FROM session_entries' が含まれていない: %s", mock.query)
	}
	// 書き込み側と同じくデータベースの時計で判定する
	if !strings.Contains(mock.query, "expires_at <= now()") {
		t.Errorf("クエリに 'expires_at <= now()' 条件が含まれていない: %s", mock.query)
	}
	if len(mock.args) != 0 {
		t.Errorf("args = %v, want none", mock.args)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	tests := []struct {
		name string
		rows int64
	}{
		{"削除あり", 42},
		{"0件でもログを出す", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{result: &fakeResult{rowsAffected: tt.rows}}
			job := NewCleanupJob(mock, newTestLogger(&buf))

			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() がエラーを返した: %v", err)
			}

			count, ok := findLogField(&buf, "deleted_count")
			if !ok || count != float64(tt.rows) {
				t.Errorf("deleted_count = %v, want %d. log: %s", count, tt.rows, buf.String())
			}
			if _, ok := findLogField(&buf, "duration_ms"); !ok {
				t.Errorf("ログに duration_ms が記録されていない: %s", buf.String())
			}
		})
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("run %d: Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 1}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Start did not run the job immediately")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCleanupJob_Start_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	job.Start(ctx, 20*time.Millisecond)

	if mock.callCount() < 2 {
		t.Errorf("calls = %d, want at least 2 (retry on next tick)", mock.callCount())
	}
}
