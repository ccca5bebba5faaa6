package blobscan

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.BlobscanConfig{URL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 2}, 1, quietLogger())
	require.NoError(t, err)
	c.retryInterval = time.Millisecond
	return c
}

func TestBlobData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blobs/0x01ab" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"versionedHash":"0x01ab","data":"0x00ff10"}`)
	})

	data, err := c.BlobData(context.Background(), "0x01ab")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, data)
}

func TestBlobDataNotFound(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.BlobData(context.Background(), "0x01cd")
	require.ErrorIs(t, err, types.ErrNotFound)
	require.Equal(t, int32(1), calls.Load())
}

func TestBlobDataRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"data":"0x01"}`)
	})

	data, err := c.BlobData(context.Background(), "0x01ef")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, data)
	require.Equal(t, int32(2), calls.Load())
}

func TestBaseURLForChain(t *testing.T) {
	logger := quietLogger()
	require.Equal(t, MainnetURL, BaseURLForChain(1, logger))
	require.Equal(t, SepoliaURL, BaseURLForChain(11155111, logger))
	require.Equal(t, MainnetURL, BaseURLForChain(8453, logger))
}
