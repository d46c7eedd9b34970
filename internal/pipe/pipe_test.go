package pipe

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const pipeBufferSize int = 128

const messageCount uint64 = 1000

type item struct{}

func feed(p *Pipe[item]) {
	for range messageCount {
		p.Send(item{})
	}
}

func consume(p *Pipe[item], count *atomic.Uint64) {
	for {
		var msg item
		ok := p.Recv(&msg)
		if !ok {
			break
		}
		count.Add(1)
	}
}

func TestPipe(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("rejects_sizes_that_are_not_powers_of_two", func(t *testing.T) {
		for _, n := range []int{-1, 0, 3, 100} {
			_, err := New[item](n)
			require.ErrorIs(t, err, ErrInvalidSize)
		}
	})

	t.Run("single_producer_single_consumer", func(t *testing.T) {
		p := Must[item](pipeBufferSize)

		var count atomic.Uint64
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			feed(p)
			p.Close()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(p, &count)
		}()

		wg.Wait()

		require.Equal(t, messageCount, count.Load())
	})

	t.Run("multiple_producer_multiple_consumer", func(t *testing.T) {
		p := Must[item](pipeBufferSize)

		var count atomic.Uint64
		var swg sync.WaitGroup
		var cwg sync.WaitGroup

		for range 4 {
			swg.Add(1)
			go func() {
				defer swg.Done()
				feed(p)
			}()
		}

		for range 4 {
			cwg.Add(1)
			go func() {
				defer cwg.Done()
				consume(p, &count)
			}()
		}

		swg.Wait()
		p.Close()
		cwg.Wait()

		require.Equal(t, messageCount*4, count.Load())
	})

	t.Run("send_after_close_fails", func(t *testing.T) {
		p := Must[item](2)
		require.NoError(t, p.Close())
		require.False(t, p.Send(item{}))
	})

	t.Run("recv_drains_buffered_items_after_close", func(t *testing.T) {
		p := Must[int](4)
		require.True(t, p.Send(1))
		require.True(t, p.Send(2))
		require.NoError(t, p.Close())

		var got []int
		var v int
		for p.Recv(&v) {
			got = append(got, v)
		}
		require.Equal(t, []int{1, 2}, got)
	})

	t.Run("full_buffer_blocks_producer_until_consumed", func(t *testing.T) {
		p := Must[int](2)
		require.True(t, p.Send(1))
		require.True(t, p.Send(2))

		unblocked := make(chan struct{})
		go func() {
			p.Send(3)
			close(unblocked)
		}()

		select {
		case <-unblocked:
			t.Fatal("send should have blocked on a full pipe")
		default:
		}

		var v int
		require.True(t, p.Recv(&v))
		<-unblocked
		p.Close()
	})

	t.Run("seq_closes_pipe_on_early_break", func(t *testing.T) {
		p := Must[int](4)
		require.True(t, p.Send(1))
		require.True(t, p.Send(2))

		for range p.Seq() {
			break
		}

		require.False(t, p.Send(3))
	})

	t.Run("close_releases_blocked_producer", func(t *testing.T) {
		p := Must[int](2)
		require.True(t, p.Send(1))
		require.True(t, p.Send(2))

		blocked := make(chan bool)
		go func() {
			blocked <- p.Send(3)
		}()

		p.Close()
		require.False(t, <-blocked)
	})

	t.Run("static_rx_yields_items_once", func(t *testing.T) {
		rx := StaticRx(1, 2, 3)

		var got []int
		for v := range rx.Seq() {
			got = append(got, v)
		}
		require.Equal(t, []int{1, 2, 3}, got)

		var v int
		require.False(t, rx.Recv(&v))
	})
}
