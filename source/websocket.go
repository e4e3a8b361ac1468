package source

import (
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ineyio/chatquota"
)

const closeGracePeriod = time.Second

// WebSocket decodes wire events from JSON text frames on conn. Closing the
// source sends a normal close frame and closes the connection.
func WebSocket(conn *websocket.Conn) *Events {
	return newEvents(func() (chatquota.WireEvent, error) {
		var ev chatquota.WireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return chatquota.WireEvent{}, io.ErrUnexpectedEOF
			}
			return chatquota.WireEvent{}, fmt.Errorf("source: read websocket: %w", err)
		}
		return ev, nil
	}, wsCloser{conn})
}

type wsCloser struct {
	conn *websocket.Conn
}

func (c wsCloser) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}
