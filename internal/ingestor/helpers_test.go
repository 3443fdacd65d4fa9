package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
)

const (
	testBucket   = "lake"
	testDatabase = "analytics"
)

var testClock = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// journal records object store calls and engine statements in the order they
// happened.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.entries...)
}

// index returns the position of the first entry starting with prefix, or -1.
func (j *journal) index(prefix string) int {
	return slices.IndexFunc(j.all(), func(e string) bool { return strings.HasPrefix(e, prefix) })
}

func (j *journal) count(prefix string) int {
	n := 0

	for _, e := range j.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}

	return n
}

// recordingStore wraps a MemoryStore and journals every call.
type recordingStore struct {
	*objectstore.MemoryStore

	journal *journal

	// putHook, when set, runs inside Put after the body was drained.
	putHook func(key string)

	// failPut, when set, may reject a Put before anything is stored.
	failPut func(key string) error
}

func (s *recordingStore) Put(ctx context.Context, key string, r io.Reader) error {
	if s.failPut != nil {
		if err := s.failPut(key); err != nil {
			_, _ = io.Copy(io.Discard, r)
			s.journal.add("put failed %s", key)

			return err
		}
	}

	if s.putHook == nil {
		err := s.MemoryStore.Put(ctx, key, r)
		s.journal.add("put %s", key)

		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.putHook(key)

	err = s.MemoryStore.Put(ctx, key, strings.NewReader(string(data)))
	s.journal.add("put %s", key)

	return err
}

func (s *recordingStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.journal.add("list %s", prefix)

	return s.MemoryStore.List(ctx, prefix)
}

func (s *recordingStore) Remove(ctx context.Context, key string) error {
	s.journal.add("remove %s", key)

	return s.MemoryStore.Remove(ctx, key)
}

// fixture is one ingestor's worth of in-memory collaborators.
type fixture struct {
	store   *recordingStore
	engine  *query.MemoryEngine
	journal *journal
}

func newFixture() *fixture {
	j := &journal{}
	engine := query.NewMemoryEngine()
	engine.OnStatement = func(stmt string) {
		j.add("sql %s", stmt)
	}

	return &fixture{
		store:   &recordingStore{MemoryStore: objectstore.NewMemoryStore(), journal: j},
		engine:  engine,
		journal: j,
	}
}

// parquetRecords decodes a Parquet object into one map per row, keyed by
// lowercased column name.
func parquetRecords(t *testing.T, data []byte) []map[string]any {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	pf, err := local.NewLocalFileReader(path)
	require.NoError(t, err)

	defer func() { _ = pf.Close() }()

	pr, err := reader.NewParquetReader(pf, nil, 1)
	require.NoError(t, err)

	defer pr.ReadStop()

	rows, err := pr.ReadByNumber(int(pr.GetNumRows()))
	require.NoError(t, err)

	encoded, err := json.Marshal(rows)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	records := make([]map[string]any, 0, len(decoded))

	for _, row := range decoded {
		record := make(map[string]any, len(row))
		for name, value := range row {
			record[strings.ToLower(name)] = value
		}

		records = append(records, record)
	}

	return records
}

func (fx *fixture) stores() objectstore.Opener {
	return func(context.Context, string) (objectstore.Store, error) {
		return fx.store, nil
	}
}

func (fx *fixture) engines() query.Opener {
	return func(context.Context, string) (query.Engine, error) {
		return fx.engine, nil
	}
}

func (fx *fixture) ingestor(t *testing.T, req *ingestion.Request, opts ...Option) *FileIngestor {
	t.Helper()

	opts = append([]Option{WithClock(func() time.Time { return testClock })}, opts...)
	ing := New(req, fx.stores(), fx.engines(), opts...)
	require.NoError(t, ing.Init(t.Context()))

	return ing
}

func newRequest(files ...ingestion.FileTask) *ingestion.Request {
	return &ingestion.Request{
		RunID:    "run-1",
		ClientID: "c1",
		ModelID:  "m1",
		Bucket:   testBucket,
		Database: testDatabase,
		Files:    files,
	}
}

// trackedBody is a task body that remembers whether it was closed.
type trackedBody struct {
	io.Reader

	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)

	return nil
}

func body(content string) *trackedBody {
	return &trackedBody{Reader: strings.NewReader(content)}
}

func task(table string, op ingestion.Operation, content string) ingestion.FileTask {
	t := ingestion.FileTask{TableName: table, FileName: table + ".csv", Operation: op}
	if op != ingestion.OperationDelete {
		t.Body = body(content)
	}

	return t
}

func statuses(result *ingestion.Result) []ingestion.TaskStatus {
	out := make([]ingestion.TaskStatus, 0, len(result.Tasks))
	for _, tr := range result.Tasks {
		out = append(out, tr.Status)
	}

	return out
}
