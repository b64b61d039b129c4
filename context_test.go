package douk_downloader

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

func TestReaderContext(t *testing.T) {
	assert := assert_.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	r := ReaderContext(ctx, strings.NewReader("hello"))
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	assert.NoError(err)
	assert.Equal(2, n)

	cancel()
	_, err = r.Read(buf)
	assert.ErrorIs(err, context.Canceled)
}

// blockingReader serves one payload immediately, then blocks until released.
type blockingReader struct {
	payload []byte
	release chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if len(r.payload) > 0 {
		n := copy(p, r.payload)
		r.payload = r.payload[n:]
		return n, nil
	}
	<-r.release
	return 0, io.ErrUnexpectedEOF
}

func TestIdleTimeoutReader(t *testing.T) {
	assert := assert_.New(t)

	inner := &blockingReader{payload: []byte("data"), release: make(chan struct{})}
	aborted := make(chan struct{})
	r := IdleTimeoutReader(inner, 10*time.Millisecond, func() {
		close(aborted)
		close(inner.release)
	})

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	assert.NoError(err)
	assert.Equal(4, n)

	_, err = r.Read(buf)
	assert.ErrorIs(err, context.DeadlineExceeded)
	select {
	case <-aborted:
	default:
		t.Fatal("abort was not invoked")
	}

	// Once expired the reader stays failed.
	_, err = r.Read(buf)
	assert.ErrorIs(err, context.DeadlineExceeded)
}
