package memory

import (
	"errors"
	"sync"

	"github.com/JoeShih716/go-wallet-ledger/pkg/wal"
)

var errJournalClosed = errors.New("journal closed")

// journalRequest 一筆待寫入的 commit record，append 等待 result
type journalRequest struct {
	rec    *commitRecord
	result chan error
}

// journal 單一 writer goroutine 負責 WAL 寫入
//
// 同時到達的 commit record 合併成一批，只做一次 fsync。
// requests 是無緩衝 channel，run 結束後 append 不會卡住。
//
// append(等待) -> requests -> run loop -> WAL WriteBatch -> result -> append(收到結果)
type journal struct {
	wal      *wal.WAL
	maxBatch int

	requests    chan *journalRequest
	requestPool sync.Pool

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newJournal(w *wal.WAL, maxBatch int) *journal {
	if maxBatch <= 0 {
		maxBatch = 128
	}
	j := &journal{
		wal:      w,
		maxBatch: maxBatch,
		requests: make(chan *journalRequest),
		requestPool: sync.Pool{
			New: func() any {
				return &journalRequest{result: make(chan error, 1)}
			},
		},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go j.run()
	return j
}

// append 送出 commit record 並等待 fsync 完成
func (j *journal) append(rec *commitRecord) error {
	req := j.requestPool.Get().(*journalRequest)
	req.rec = rec

	select {
	case j.requests <- req:
	case <-j.done:
		req.rec = nil
		j.requestPool.Put(req)
		return errJournalClosed
	}
	err := <-req.result
	req.rec = nil
	j.requestPool.Put(req)
	return err
}

func (j *journal) run() {
	defer close(j.stopped)
	batch := make([]*journalRequest, 0, j.maxBatch)
	records := make([]any, 0, j.maxBatch)
	for {
		select {
		case <-j.done:
			return
		case req := <-j.requests:
			batch = append(batch[:0], req)
		collect:
			for len(batch) < j.maxBatch {
				select {
				case req := <-j.requests:
					batch = append(batch, req)
				default:
					break collect
				}
			}
			records = records[:0]
			for _, r := range batch {
				records = append(records, r.rec)
			}
			err := j.wal.WriteBatch(records)
			for _, r := range batch {
				r.result <- err
			}
			clear(records)
		}
	}
}

// close 停止 writer，已送進 run 的請求會先完成
func (j *journal) close() {
	j.closeOnce.Do(func() { close(j.done) })
	<-j.stopped
}
