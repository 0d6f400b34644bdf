// Command chatclient is a minimal reference client for the chat relay:
// it connects, prints every packet it receives to stdout, writes incoming
// files under a downloads directory, and reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/chatrelay/chatrelay/client"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/protocol"
)

func main() {
	cfg := config.DefaultClient()

	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&cfg.DownloadsDir, "downloads", cfg.DownloadsDir, "directory incoming files are written to")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "outbound file chunk size in bytes")
	flag.Parse()

	logger := slog.Default()

	sess, err := client.Dial(cfg.ServerAddr, cfg, logger)
	if err != nil {
		slog.Error("failed to connect", "addr", cfg.ServerAddr, "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		slog.Error("failed to create downloads directory", "dir", cfg.DownloadsDir, "error", err)
		os.Exit(1)
	}

	writer := &downloadWriter{dir: cfg.DownloadsDir, files: make(map[string]*os.File)}
	sender := client.NewSender(sess, cfg.ChunkSize)

	sess.OnPacket(func(p protocol.Packet) {
		printPacket(p)
		if p.TypeCode == protocol.FileSendRequest {
			var body protocol.FileSendRequestBody
			if err := protocol.Unmarshal(p, &body); err == nil {
				writer.open(body.TransferID, body.FileName)
			}
		}
	})
	sess.OnChunk(func(transferID string, seq int32, data []byte, done bool) {
		writer.write(transferID, data)
		if done {
			writer.close(transferID)
		}
	})
	sess.OnFileCommand(sender.Send)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	go sess.RunCommands(ctx, stdinCommandSource())

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("connection closed with error", "error", err)
		os.Exit(1)
	}
}

// stdinCommandSource is the bufio.Scanner-backed client.CommandSource the
// reference client reads operator commands from.
func stdinCommandSource() client.CommandSource {
	scanner := bufio.NewScanner(os.Stdin)
	return func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		return scanner.Text(), true
	}
}

func printPacket(p protocol.Packet) {
	var pretty map[string]interface{}
	if err := json.Unmarshal(p.Body, &pretty); err != nil {
		fmt.Printf("[%s] %s\n", p.TypeCode, string(p.Body))
		return
	}
	fmt.Printf("[%s] %v\n", p.TypeCode, pretty)
}

// downloadWriter is the reference implementation of the out-of-scope
// file-persistence policy: one os.File per open transferId, named
// "<transferId>-<fileName>" under the downloads directory.
type downloadWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func (d *downloadWriter) open(transferID, fileName string) {
	path := filepath.Join(d.dir, transferID+"-"+filepath.Base(fileName))
	f, err := os.Create(path)
	if err != nil {
		slog.Error("failed to create download file", "path", path, "error", err)
		return
	}
	d.mu.Lock()
	d.files[transferID] = f
	d.mu.Unlock()
}

func (d *downloadWriter) write(transferID string, data []byte) {
	d.mu.Lock()
	f := d.files[transferID]
	d.mu.Unlock()
	if f == nil {
		return
	}
	if _, err := f.Write(data); err != nil {
		slog.Error("failed to write download chunk", "transferId", transferID, "error", err)
	}
}

func (d *downloadWriter) close(transferID string) {
	d.mu.Lock()
	f := d.files[transferID]
	delete(d.files, transferID)
	d.mu.Unlock()
	if f != nil {
		f.Close()
	}
}
