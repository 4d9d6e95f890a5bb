package acp

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StdioConn frames messages as newline-delimited JSON.
type StdioConn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func NewStdioConn(r io.Reader, w io.Writer) *StdioConn {
	return &StdioConn{r: bufio.NewReaderSize(r, 1024*1024), w: bufio.NewWriter(w)}
}

func (c *StdioConn) ReadMessage() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

func (c *StdioConn) WriteMessage(data []byte) error {
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// WSConn carries one message per websocket text frame.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSConn(c *websocket.Conn) *WSConn { return &WSConn{conn: c} }

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func isClosed(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler serves every upgraded connection with its own Server.
func WebSocketHandler(ctx context.Context, r Runner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		logger.Info("websocket client connected", "remote", req.RemoteAddr)
		if err := NewServer(r, logger).Serve(ctx, NewWSConn(conn)); err != nil && ctx.Err() == nil {
			logger.Warn("websocket session ended", "error", err)
		}
	})
}

// ListenWebSocket serves ACP on ws://addr/ws until ctx ends.
func ListenWebSocket(ctx context.Context, addr string, r Runner, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", WebSocketHandler(ctx, r, logger))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("acp websocket server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
