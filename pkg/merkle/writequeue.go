package merkle

// writeQueue assigns absolute positions to payloads during the TOC walk and
// streams them out afterwards in queue order. Positions are assigned at
// enqueue time from a running offset, so headers can reference payloads that
// have not been written yet.
type writeQueue struct {
	next  uint64
	items []queuedItem
}

type queuedItem struct {
	position uint64
	file     *FileContents
	fileHash HashInfo
	dir      *DirectoryContents
	dirSize  uint64
}

func newWriteQueue(start uint64) *writeQueue {
	return &writeQueue{next: start}
}

func (q *writeQueue) addFile(f FileContents, hi HashInfo) uint64 {
	position := q.next
	q.next += hi.Size
	q.items = append(q.items, queuedItem{position: position, file: &f, fileHash: hi})
	return position
}

func (q *writeQueue) addDirectory(d *DirectoryContents, tocSize uint64) uint64 {
	position := q.next
	q.next += tocSize
	q.items = append(q.items, queuedItem{position: position, dir: d, dirSize: tocSize})
	return position
}

// drain writes queued payloads in FIFO order. Directory TOCs queue their own
// children as they are written, extending the queue in flight.
func (q *writeQueue) drain(w *countingWriter, verify bool) error {
	for i := 0; i < len(q.items); i++ {
		item := q.items[i]
		if item.file != nil {
			if err := item.file.copyTo(w, verify, item.fileHash.Hash, item.fileHash.Size); err != nil {
				return err
			}
			continue
		}
		if err := item.dir.serializeTOC(q, w); err != nil {
			return err
		}
	}
	return nil
}
