package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// FileModePrivate rw------- (只有擁有者可讀寫)，帳本資料用
const FileModePrivate fs.FileMode = 0600

// WAL 是 JSON lines 格式的 Write-Ahead Log，每筆紀錄寫入後立即 fsync
type WAL struct {
	file *os.File
	mu   sync.Mutex
	// size: 最後一筆完整紀錄的結尾位置
	size int64
}

// Open 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModePrivate)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &WAL{file: file, size: info.Size()}, nil
}

// Write 寫入一筆紀錄並刷入硬碟
//
// 寫入失敗時把檔案截回寫入前的長度，不留下半筆紀錄。
func (w *WAL) Write(v any) error {
	return w.WriteBatch([]any{v})
}

// WriteBatch 依序寫入多筆紀錄，只做一次 fsync (group commit)
//
// 任何一筆編碼失敗時整批都不寫入；寫入失敗時整批一起截掉。
func (w *WAL) WriteBatch(vs []any) error {
	var data []byte
	for _, v := range vs {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = append(data, line...)
		data = append(data, '\n')
	}
	if len(data) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(data); err != nil {
		w.rollback()
		return fmt.Errorf("wal write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.rollback()
		return fmt.Errorf("wal sync: %w", err)
	}
	w.size += int64(len(data))
	return nil
}

func (w *WAL) rollback() {
	_ = w.file.Truncate(w.size)
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll 從頭依序讀取所有紀錄
//
// callback 收到每筆紀錄的原始 JSON，回傳 error 會中止讀取。
// 結尾若是 crash 造成的半筆紀錄，會被截掉並忽略。
//
// 回傳:
//
//	int: 讀到的完整紀錄數
//	error: 讀取或 callback 錯誤
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	decoder := json.NewDecoder(w.file)
	count := 0
	var good int64
	for {
		var raw json.RawMessage
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// 半筆紀錄 (torn write)，截斷到最後一筆完整紀錄
			if truncErr := w.file.Truncate(good); truncErr != nil {
				return count, truncErr
			}
			break
		}
		if err != nil {
			return count, err
		}
		if err := callback(raw); err != nil {
			return count, err
		}
		count++
		good = decoder.InputOffset()
	}
	end, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return count, err
	}
	w.size = end
	return count, nil
}
