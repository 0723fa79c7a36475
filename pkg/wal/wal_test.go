package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Seq  int    `json:"seq"`
	Note string `json:"note"`
}

func readRecords(t *testing.T, w *WAL) []record {
	t.Helper()
	var out []record
	_, err := w.ReadAll(func(raw []byte) error {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWAL_WriteAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.Write(record{Seq: 1, Note: "a"}))
	require.NoError(t, w.Write(record{Seq: 2, Note: "b"}))
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()

	got := readRecords(t, w)
	assert.Equal(t, []record{{Seq: 1, Note: "a"}, {Seq: 2, Note: "b"}}, got)

	// 讀完後繼續 append
	require.NoError(t, w.Write(record{Seq: 3, Note: "c"}))
	assert.Len(t, readRecords(t, w), 3)
}

func TestWAL_TornTailIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(record{Seq: 1, Note: "ok"}))
	require.NoError(t, w.Close())

	// 模擬 crash: 最後一筆只寫了一半
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"no`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []record{{Seq: 1, Note: "ok"}}, readRecords(t, w))

	require.NoError(t, w.Write(record{Seq: 2, Note: "again"}))
	assert.Equal(t, []record{{Seq: 1, Note: "ok"}, {Seq: 2, Note: "again"}}, readRecords(t, w))
}

func TestWAL_EmptyFile(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, err)
	defer w.Close()

	n, err := w.ReadAll(func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWAL_WriteBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.WriteBatch([]any{record{Seq: 1}, record{Seq: 2}, record{Seq: 3}}))
	require.NoError(t, w.WriteBatch(nil))

	// 無法編碼的紀錄讓整批都不寫入
	err = w.WriteBatch([]any{record{Seq: 4}, make(chan int)})
	require.Error(t, err)

	got := readRecords(t, w)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[2].Seq)
}
