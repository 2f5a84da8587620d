package nostr

import (
	"context"
	"fmt"
	"io"
	"net/http"

	ws "github.com/coder/websocket"
)

const userAgent = "nostr-bunker"

// Connection is a websocket to a relay that only deals in text frames.
type Connection struct {
	conn *ws.Conn
}

// NewConnection dials url. Extra headers replace the default User-Agent one.
func NewConnection(ctx context.Context, url string, header http.Header) (*Connection, error) {
	if header == nil {
		header = http.Header{"User-Agent": {userAgent}}
	}
	c, _, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader:      header,
		CompressionMode: ws.CompressionContextTakeover,
	})
	if err != nil {
		return nil, err
	}

	// nip46 payloads are small but relays may still push big events at us
	c.SetReadLimit(2 << 24)

	return &Connection{conn: c}, nil
}

func (c *Connection) WriteMessage(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Connection) ReadMessage(ctx context.Context, buf io.Writer) error {
	_, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get reader: %w", err)
	}
	if _, err := io.Copy(buf, reader); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	return nil
}

func (c *Connection) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *Connection) Close() error { return c.conn.Close(ws.StatusNormalClosure, "") }
