package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPullerPull(t *testing.T) {
	self := uuid.New()

	t.Run("returns_the_staged_payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, PullPath, r.URL.Path)
			require.Equal(t, "42", r.URL.Query().Get("query"))
			require.Equal(t, "7", r.URL.Query().Get("sink"))
			require.Equal(t, self.String(), r.URL.Query().Get("node"))
			_, _ = w.Write([]byte("staged payload"))
		}))
		t.Cleanup(srv.Close)

		puller := NewPuller(self)
		payload, err := puller.Pull(context.Background(), strings.TrimPrefix(srv.URL, "http://"), 42, 7)
		require.NoError(t, err)
		require.Equal(t, []byte("staged payload"), payload)
	})

	t.Run("reports_a_drained_transfer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		t.Cleanup(srv.Close)

		puller := NewPuller(self)
		_, err := puller.Pull(context.Background(), strings.TrimPrefix(srv.URL, "http://"), 42, 7)
		require.ErrorIs(t, err, ErrNoChunk)
	})

	t.Run("retries_server_errors_until_the_chunk_arrives", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("finally"))
		}))
		t.Cleanup(srv.Close)

		puller := NewPuller(self)
		payload, err := puller.Pull(context.Background(), strings.TrimPrefix(srv.URL, "http://"), 42, 7)
		require.NoError(t, err)
		require.Equal(t, []byte("finally"), payload)
		require.GreaterOrEqual(t, hits.Load(), int32(3))
	})

	t.Run("reports_protocol_errors", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.NotFound(w, r)
		}))
		t.Cleanup(srv.Close)

		puller := NewPuller(self)
		_, err := puller.Pull(context.Background(), strings.TrimPrefix(srv.URL, "http://"), 42, 7)
		require.ErrorIs(t, err, ErrCommunication)
		require.EqualValues(t, 1, hits.Load())
	})
}
