package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/signalwatch/proto"
)

// WatchClient handles the gRPC connection to the signal watch service
type WatchClient struct {
	serverAddr string
	logger     *zap.Logger
	conn       *grpc.ClientConn
	client     proto.WatcherClient
}

// NewWatchClient creates a new client
func NewWatchClient(serverAddr string, logger *zap.Logger) *WatchClient {
	return &WatchClient{serverAddr: serverAddr, logger: logger}
}

// Connect establishes the connection to the service
func (c *WatchClient) Connect() error {
	conn, err := grpc.NewClient(c.serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.conn = conn
	c.client = proto.NewWatcherClient(conn)
	return nil
}

// Close closes the connection
func (c *WatchClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ListSymbols returns the symbols the service holds candle state for
func (c *WatchClient) ListSymbols(ctx context.Context) (map[string]bool, error) {
	resp, err := c.client.ListSymbols(ctx, &structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	out := make(map[string]bool)
	for _, v := range resp.GetFields()["symbols"].GetListValue().GetValues() {
		out[v.GetStringValue()] = true
	}
	return out, nil
}

// WatchPrices streams price updates for symbols until ctx ends
func (c *WatchClient) WatchPrices(ctx context.Context, symbols []string) (<-chan *structpb.Struct, error) {
	list := make([]any, len(symbols))
	for i, s := range symbols {
		list[i] = s
	}
	req, err := structpb.NewStruct(map[string]any{"symbols": list})
	if err != nil {
		return nil, err
	}

	stream, err := c.client.WatchPrices(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to watch prices: %w", err)
	}

	out := make(chan *structpb.Struct)
	go func() {
		defer close(out)
		for {
			msg, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Stream receive error", zap.Error(err))
				}
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Printer renders price updates
type Printer struct {
	w      io.Writer
	format string
	tw     *tabwriter.Writer
}

// NewPrinter creates a printer for "table" or "json" output
func NewPrinter(w io.Writer, format string) *Printer {
	p := &Printer{w: w, format: format}
	if format == "table" {
		p.tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(p.tw, "SYMBOL\tPRICE\tPREVIOUS\tMOVE\tUPDATED")
	}
	return p
}

// Print writes one update
func (p *Printer) Print(msg *structpb.Struct) error {
	if p.format == "json" {
		raw, err := json.Marshal(msg.AsMap())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(raw))
		return err
	}

	f := msg.GetFields()
	fmt.Fprintf(p.tw, "%s\t%.8g\t%.8g\t%s\t%s\n",
		f["symbol"].GetStringValue(),
		f["price"].GetNumberValue(),
		f["previous_price"].GetNumberValue(),
		arrow(f["direction"].GetStringValue()),
		f["updated_at"].GetStringValue())
	return p.tw.Flush()
}

func arrow(direction string) string {
	switch direction {
	case "up":
		return "▲"
	case "down":
		return "▼"
	default:
		return "-"
	}
}
