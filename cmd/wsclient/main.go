// wsclient subscribes to a running relay and prints what it receives.
// Usage: go run ./cmd/wsclient -url ws://localhost:9002/ws BTC-PERPETUAL ETH-PERPETUAL
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/protocol"
	"github.com/igefined/orderbook-relay/pkg/logger"
)

func main() {
	url := flag.String("url", "ws://localhost:9002/ws", "relay WebSocket URL")
	levels := flag.Int("levels", 1, "order book levels to print per side")
	flag.Parse()

	log, err := logger.NewLogger(config.LogConfig{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	symbols := flag.Args()
	if len(symbols) == 0 {
		symbols = []string{"BTC-PERPETUAL"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *url, symbols, *levels, os.Stdout); err != nil {
		log.Error("Client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, url string, symbols []string, levels int, out io.Writer) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()
	log.Info("Connected", zap.String("url", url))

	for _, symbol := range symbols {
		frame, err := protocol.EncodeRequest(protocol.ActionSubscribe, symbol)
		if err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	go func() {
		<-ctx.Done()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info("Disconnected")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			log.Warn("Unreadable frame", zap.ByteString("frame", data), zap.Error(err))
			continue
		}
		printResponse(out, resp, levels)
	}
}

func printResponse(out io.Writer, resp protocol.Response, levels int) {
	switch resp.Type {
	case protocol.TypeSuccess:
		fmt.Fprintf(out, "ok: %s\n", resp.Message)
	case protocol.TypeError:
		fmt.Fprintf(out, "error: %s\n", resp.Message)
	case protocol.TypeOrderBook:
		book := resp.Data
		fmt.Fprintf(out, "%s  bids=%d asks=%d\n", resp.Symbol, len(book.Bids), len(book.Asks))
		for i := 0; i < levels; i++ {
			bid, ask := "-", "-"
			if i < len(book.Bids) {
				bid = fmt.Sprintf("%s x %s", book.Bids[i].Price, book.Bids[i].Amount)
			}
			if i < len(book.Asks) {
				ask = fmt.Sprintf("%s x %s", book.Asks[i].Price, book.Asks[i].Amount)
			}
			if bid == "-" && ask == "-" {
				break
			}
			fmt.Fprintf(out, "  %-28s | %s\n", bid, ask)
		}
	}
}
