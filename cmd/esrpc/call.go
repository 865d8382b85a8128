package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/codewiresh/esrpc/internal/config"
	"github.com/codewiresh/esrpc/internal/rpc"
	"github.com/codewiresh/esrpc/internal/servicemodel"
	"github.com/codewiresh/esrpc/internal/store"
)

// ---------------------------------------------------------------------------
// callCmd
// ---------------------------------------------------------------------------

func callCmd() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "call <operation> [json]",
		Short: "Invoke an operation and print its response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(args, requestFile)
			if err != nil {
				return err
			}
			return runInvoke(cmd.Context(), invokeOptions{operation: args[0], body: body})
		},
	}
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "Read the request JSON from a file (- for stdin)")
	return cmd
}

// ---------------------------------------------------------------------------
// streamCmd
// ---------------------------------------------------------------------------

func streamCmd() *cobra.Command {
	var (
		requestFile string
		sendStdin   bool
	)

	cmd := &cobra.Command{
		Use:   "stream <operation> [json]",
		Short: "Invoke a streaming operation and print events until it closes",
		Long: `Invoke a streaming operation and print the response followed by every
stream event. Interrupt closes the stream. With --stdin each input line is
sent to the server as a stream event.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sendStdin && requestFile == "-" {
				return fmt.Errorf("--stdin and --file - both read standard input")
			}
			body, err := requestBody(args, requestFile)
			if err != nil {
				return err
			}
			return runInvoke(cmd.Context(), invokeOptions{
				operation: args[0],
				body:      body,
				stream:    true,
				sendStdin: sendStdin,
			})
		},
	}
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "Read the request JSON from a file (- for stdin)")
	cmd.Flags().BoolVar(&sendStdin, "stdin", false, "Send each stdin line as a stream event")
	return cmd
}

func requestBody(args []string, file string) ([]byte, error) {
	var body []byte
	switch {
	case file == "-":
		data, err := readAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading request: %w", err)
		}
		body = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading request: %w", err)
		}
		body = data
	case len(args) > 1:
		body = []byte(args[1])
	default:
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("request is not valid JSON")
	}
	return body, nil
}

func readAll(f *os.File) ([]byte, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		sb.Write(scanner.Bytes())
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), scanner.Err()
}

type invokeOptions struct {
	operation string
	body      []byte
	stream    bool
	sendStdin bool
}

func runInvoke(ctx context.Context, o invokeOptions) error {
	t, err := resolveTarget()
	if err != nil {
		return err
	}
	model, err := loadModel(t.cfg)
	if err != nil {
		return err
	}
	op, ok := model.Operation(o.operation)
	if !ok {
		return fmt.Errorf("unknown operation %q in service %s", o.operation, model.Name())
	}
	if o.stream && !op.Streaming {
		return fmt.Errorf("%s is not a streaming operation (use call)", op.Name)
	}
	if o.sendStdin && op.StreamingRequestType == "" {
		return fmt.Errorf("%s takes no stream events", op.Name)
	}
	out, err := newPrinter(os.Stdout, outputFlag)
	if err != nil {
		return err
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	conn, err := connect(ctx, t, rpc.LifecycleFuncs{
		Disconnect: func(reason error) {
			if reason != nil {
				slog.Debug("disconnected", "reason", reason)
			}
			lostOnce.Do(func() { close(lost) })
		},
		Error: func(err error) bool {
			slog.Warn("connection error", "err", err)
			return true
		},
	})
	if err != nil {
		return err
	}
	defer closeGracefully(conn, lost)

	journal := openJournal()
	if journal != nil {
		defer journal.Close()
	}
	call := &store.Call{Server: t.name, Operation: op.Name, Streaming: op.Streaming, Request: o.body}
	if journal != nil {
		if err := journal.CallStart(ctx, call); err != nil {
			slog.Warn("journal", "err", err)
		}
	}

	var events atomic.Int64
	closed := make(chan struct{})
	var closedOnce sync.Once
	var handler rpc.StreamHandler
	if op.Streaming {
		handler = rpc.StreamHandlerFuncs{
			Event: func(m servicemodel.Message) {
				events.Add(1)
				if o.stream {
					if err := out.print(m); err != nil {
						slog.Warn("printing event", "err", err)
					}
				}
			},
			Error: func(err error) bool {
				slog.Warn("stream error", "err", err)
				return false
			},
			Closed: func() { closedOnce.Do(func() { close(closed) }) },
		}
	}

	client := rpc.NewClient(conn, model)
	resp, err := client.Invoke(op, servicemodel.RawMessage{Type: op.RequestType, Data: o.body}, handler)
	if err != nil {
		finishCall(journal, call, nil, 0, err)
		return err
	}

	m, err := resp.Get(ctx)
	if err != nil {
		resp.CloseStream()
		finishCall(journal, call, nil, 0, err)
		return describe(err)
	}
	result := journalBody(m)
	if err := out.print(m); err != nil {
		return err
	}

	if !o.stream {
		resp.CloseStream()
		finishCall(journal, call, result, 0, nil)
		return nil
	}

	if o.sendStdin {
		go pumpStdin(resp, op.StreamingRequestType)
	}

	var streamErr error
	select {
	case <-closed:
	case <-lost:
		streamErr = fmt.Errorf("connection lost")
	case <-ctx.Done():
		resp.CloseStream()
	}
	finishCall(journal, call, result, int(events.Load()), streamErr)
	return streamErr
}

// pumpStdin sends each stdin line as a stream event until EOF.
func pumpStdin(resp *rpc.OperationResponse, typeID string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			slog.Warn("skipping line that is not JSON", "line", line)
			continue
		}
		ev := servicemodel.RawMessage{Type: typeID, Data: []byte(line)}
		if _, err := resp.SendStreamEvent(ev).Wait(context.Background()); err != nil {
			slog.Warn("sending stream event", "err", err)
			return
		}
	}
}

// journalBody encodes a response for the journal. An unencodable response
// is journaled without a body.
func journalBody(m servicemodel.Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		slog.Warn("encoding response for the journal", "err", err)
		return nil
	}
	return b
}

func finishCall(journal store.Store, call *store.Call, response []byte, events int, callErr error) {
	if journal == nil || call.ID == "" {
		return
	}
	if err := journal.CallFinish(context.Background(), call.ID, response, events, callErr); err != nil {
		slog.Warn("journal", "err", err)
	}
}

// describe adds a hint for errors a user can act on.
func describe(err error) error {
	var se *rpc.ServiceError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, rpc.ErrUnmappedData):
		return fmt.Errorf("%w (is the service description up to date?)", err)
	case errors.Is(err, rpc.ErrClosedBeforeResponse):
		return fmt.Errorf("%w (the server ended the call without answering)", err)
	}
	return err
}

// ---------------------------------------------------------------------------
// operationsCmd
// ---------------------------------------------------------------------------

func operationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "operations",
		Aliases: []string{"ops"},
		Short:   "List the operations of the service description",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(dataDir())
			if err != nil {
				return err
			}
			model, err := loadModel(cfg)
			if err != nil {
				return err
			}
			for _, op := range model.Operations() {
				kind := "unary"
				if op.Streaming {
					kind = "streaming"
				}
				fmt.Printf("%-24s %-10s %s -> %s", op.Name, kind, op.RequestType, op.ResponseType)
				if op.StreamingResponseType != "" {
					fmt.Printf(" (events: %s)", op.StreamingResponseType)
				}
				if op.StreamingRequestType != "" {
					fmt.Printf(" (sends: %s)", op.StreamingRequestType)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
