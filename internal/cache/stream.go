package cache

import (
	"io"
	"os"
	"sync"
)

// ByteRange is a half-open slice of an item. End <= 0 means "to the end".
type ByteRange struct {
	Begin int64
	End   int64
}

func (br *ByteRange) clamp(size int64) (int64, int64) {
	begin, end := int64(0), size

	if br != nil {
		if br.End > 0 && br.End < end {
			end = br.End
		}
		if br.Begin > 0 {
			begin = br.Begin
		}
		if begin > end {
			begin = end
		}
	}

	return begin, end
}

// An Iterator opens one reader over a cached entry. It may be invoked
// multiple times, once per client request.
type Iterator func(br *ByteRange) io.ReadCloser

// streamChunkSize bounds how long a reader holds an entry lock per read.
const streamChunkSize = 64 * 1024

// StreamFromFile serves ranges of a fully materialized file. Reads go
// through ReadAt on a shared descriptor, serialized by mu so concurrent
// clients do not interleave seeks.
func StreamFromFile(mu *sync.Mutex, f *os.File, size int64, onStart, onFinish func()) Iterator {
	return func(br *ByteRange) io.ReadCloser {
		begin, end := br.clamp(size)

		if onStart != nil {
			onStart()
		}

		return &fileReader{
			mu:       mu,
			f:        f,
			pos:      begin,
			end:      end,
			onFinish: onFinish,
		}
	}
}

type fileReader struct {
	mu       *sync.Mutex
	f        *os.File
	pos      int64
	end      int64
	onFinish func()
	closed   bool
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}

	n := int64(len(p))
	if n > streamChunkSize {
		n = streamChunkSize
	}
	if remain := r.end - r.pos; n > remain {
		n = remain
	}

	r.mu.Lock()
	read, err := r.f.ReadAt(p[:n], r.pos)
	r.mu.Unlock()

	r.pos += int64(read)
	if err == io.EOF && r.pos < r.end {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return read, err
}

func (r *fileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.onFinish != nil {
		r.onFinish()
	}
	return nil
}

// StreamFromBuffer serves ranges of a memory mapped entry. Each read copies
// at most one chunk while holding mu, so a slow client cannot starve other
// readers of the same entry.
func StreamFromBuffer(mu *sync.Mutex, data []byte, onStart, onFinish func()) Iterator {
	return func(br *ByteRange) io.ReadCloser {
		begin, end := br.clamp(int64(len(data)))

		if onStart != nil {
			onStart()
		}

		return &bufferReader{
			mu:       mu,
			data:     data,
			pos:      begin,
			end:      end,
			onFinish: onFinish,
		}
	}
}

type bufferReader struct {
	mu       *sync.Mutex
	data     []byte
	pos      int64
	end      int64
	onFinish func()
	closed   bool
}

func (r *bufferReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}

	n := int64(len(p))
	if n > streamChunkSize {
		n = streamChunkSize
	}
	if remain := r.end - r.pos; n > remain {
		n = remain
	}

	r.mu.Lock()
	copy(p, r.data[r.pos:r.pos+n])
	r.mu.Unlock()

	r.pos += n
	return int(n), nil
}

func (r *bufferReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.onFinish != nil {
		r.onFinish()
	}
	return nil
}

// A remoteStream owns a download in progress. One goroutine drains the
// origin response into a temporary file and publishes its progress; any
// number of readers follow that progress through their own descriptors,
// so the rename to the final path does not invalidate them.
type remoteStream struct {
	tempPath  string
	finalPath string

	mu      sync.Mutex
	cond    *sync.Cond
	written int64
	done    bool
	err     error
}

// newRemoteStream starts fetching body into tempPath. When the body is
// exhausted the file is renamed to finalPath and onDone is invoked with the
// byte count; on error the partial file is removed first. Closing a reader
// never interrupts the download.
func newRemoteStream(body io.ReadCloser, tempPath, finalPath string, onDone func(size int64, err error)) (*remoteStream, error) {
	f, err := os.Create(tempPath)
	if err != nil {
		body.Close()
		return nil, err
	}

	rs := &remoteStream{
		tempPath:  tempPath,
		finalPath: finalPath,
	}
	rs.cond = sync.NewCond(&rs.mu)

	go rs.download(body, f, onDone)

	return rs, nil
}

func (rs *remoteStream) download(body io.ReadCloser, f *os.File, onDone func(int64, error)) {
	defer body.Close()

	var written int64
	buf := make([]byte, streamChunkSize)

	fail := func(err error) {
		f.Close()
		os.Remove(rs.tempPath)

		rs.mu.Lock()
		rs.err = err
		rs.done = true
		rs.cond.Broadcast()
		rs.mu.Unlock()

		onDone(written, err)
	}

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				fail(werr)
				return
			}
			written += int64(n)

			rs.mu.Lock()
			rs.written = written
			rs.cond.Broadcast()
			rs.mu.Unlock()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fail(rerr)
			return
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(rs.tempPath)

		rs.mu.Lock()
		rs.err = err
		rs.done = true
		rs.cond.Broadcast()
		rs.mu.Unlock()

		onDone(written, err)
		return
	}
	if err := os.Rename(rs.tempPath, rs.finalPath); err != nil {
		os.Remove(rs.tempPath)

		rs.mu.Lock()
		rs.err = err
		rs.done = true
		rs.cond.Broadcast()
		rs.mu.Unlock()

		onDone(written, err)
		return
	}

	rs.mu.Lock()
	rs.done = true
	rs.cond.Broadcast()
	rs.mu.Unlock()

	onDone(written, nil)
}

// Iterator returns a factory for readers that stream the entry while it is
// still downloading. A reader that outpaces the download blocks until more
// bytes arrive; if the download fails, readers end at the last byte written.
func (rs *remoteStream) Iterator() Iterator {
	return func(br *ByteRange) io.ReadCloser {
		begin := int64(0)
		end := int64(-1)
		if br != nil {
			begin = br.Begin
			if br.End > 0 {
				end = br.End
			}
		}
		return &remoteReader{rs: rs, pos: begin, end: end}
	}
}

type remoteReader struct {
	rs     *remoteStream
	f      *os.File
	pos    int64
	end    int64
	closed bool
}

func (r *remoteReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}

	rs := r.rs

	rs.mu.Lock()
	for rs.written <= r.pos && !rs.done {
		rs.cond.Wait()
	}
	avail, done := rs.written, rs.done
	rs.mu.Unlock()

	if r.end >= 0 && r.pos >= r.end {
		return 0, io.EOF
	}
	if r.pos >= avail {
		// Download finished, possibly short of the requested range.
		if done {
			return 0, io.EOF
		}
		return 0, nil
	}

	if r.f == nil {
		// The temporary file may already have been renamed.
		f, err := os.Open(rs.tempPath)
		if os.IsNotExist(err) {
			f, err = os.Open(rs.finalPath)
		}
		if err != nil {
			if done {
				return 0, io.EOF
			}
			return 0, err
		}
		r.f = f
	}

	n := int64(len(p))
	if n > streamChunkSize {
		n = streamChunkSize
	}
	if remain := avail - r.pos; n > remain {
		n = remain
	}
	if r.end >= 0 {
		if remain := r.end - r.pos; n > remain {
			n = remain
		}
	}

	read, err := r.f.ReadAt(p[:n], r.pos)
	r.pos += int64(read)
	if err == io.EOF {
		err = nil
	}
	return read, err
}

func (r *remoteReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	return nil
}
