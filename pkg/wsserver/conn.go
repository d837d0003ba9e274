package wsserver

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connection is one accepted socket. The server owns it exclusively;
// writeMu serialises writers because the socket library allows only one
// concurrent writer per connection.
type connection struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	created    time.Time
	writeMu    sync.Mutex
}

// generateConnectionID returns conn_<millisecond-epoch>_<6-digit-random>.
// Uniqueness is probabilistic, sufficient for dashboard scale.
func generateConnectionID() string {
	return fmt.Sprintf("conn_%d_%d", time.Now().UnixMilli(), 100000+rand.Intn(900000))
}

// writeJSON sends one text frame under the write lock with the
// configured send deadline.
func (c *connection) writeJSON(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}
