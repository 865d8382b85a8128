package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codewiresh/esrpc/internal/protocol"
	"github.com/codewiresh/esrpc/internal/rpc"
)

const pingIDHeader = "ping-id"

func pingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect and measure connection-level ping round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			t, err := resolveTarget()
			if err != nil {
				return err
			}

			pongs := make(chan uuid.UUID, count)
			lost := make(chan struct{})
			var lostOnce sync.Once
			start := time.Now()
			conn, err := connect(cmd.Context(), t, rpc.LifecycleFuncs{
				Disconnect:   func(error) { lostOnce.Do(func() { close(lost) }) },
				PingResponse: collectPongs(pongs),
			})
			if err != nil {
				return err
			}
			defer closeGracefully(conn, lost)
			fmt.Printf("connected to %s in %s\n", t.entry.URL, time.Since(start).Round(time.Millisecond))

			received := 0
			for seq := 1; seq <= count; seq++ {
				if seq > 1 {
					select {
					case <-time.After(interval):
					case <-cmd.Context().Done():
						return nil
					}
				}
				id := uuid.New()
				sent := time.Now()
				hdrs := []protocol.Header{
					protocol.UUIDHeader(pingIDHeader, id),
					protocol.TimestampHeader("sent-at", sent),
				}
				if _, err := conn.Ping(hdrs, nil).Wait(cmd.Context()); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
				if waitPong(cmd, pongs, lost, id, timeout) {
					received++
					fmt.Printf("pong from %s: seq=%d time=%s\n", t.name, seq, time.Since(sent).Round(time.Microsecond))
				} else {
					fmt.Printf("no pong from %s: seq=%d\n", t.name, seq)
				}
			}
			if received < count {
				return fmt.Errorf("%d of %d pings unanswered", count-received, count)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "Number of pings")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Time between pings")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for each pong")
	return cmd
}

func waitPong(cmd *cobra.Command, pongs <-chan uuid.UUID, lost <-chan struct{}, id uuid.UUID, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-pongs:
			if got == id {
				return true
			}
		case <-deadline:
			return false
		case <-lost:
			return false
		case <-cmd.Context().Done():
			return false
		}
	}
}

// collectPongs forwards ping ids from PingResponse frames to pongs. It runs
// on the transport read loop, so pongs beyond the buffer are dropped.
func collectPongs(pongs chan<- uuid.UUID) func([]protocol.Header, []byte) {
	return func(headers []protocol.Header, _ []byte) {
		for _, h := range headers {
			if h.Name != pingIDHeader {
				continue
			}
			if id, ok := h.Value.(uuid.UUID); ok {
				select {
				case pongs <- id:
				default:
				}
			}
		}
	}
}
