// internal/realtime/conn_test.go
package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/markb/rentrt/internal/wire"
)

func testConn(endpoint string) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		endpoint: endpoint,
		send:     make(chan []byte, 2),
		done:     make(chan struct{}),
	}
}

func TestConnSendBuffers(t *testing.T) {
	conn := testConn(wire.EndpointMessaging)
	env, _ := wire.NewEnvelope(wire.TypePong, nil)

	assert.True(t, conn.Send(env))
	assert.True(t, conn.Send(env))
	assert.False(t, conn.Send(env), "full buffer drops")
}

func TestConnClose(t *testing.T) {
	conn := testConn(wire.EndpointMessaging)

	// Close should be idempotent
	conn.Close()
	conn.Close()

	env, _ := wire.NewEnvelope(wire.TypePong, nil)
	assert.False(t, conn.Send(env))
}
