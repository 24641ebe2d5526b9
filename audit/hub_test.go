package audit

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/present-run/agentqueue/taskstore"
)

func TestHubRegisterRejectsBeyondCapacity(t *testing.T) {
	h := NewHub(NewService(taskstore.NewMemoryStore()), zerolog.Nop())
	for i := 0; i < maxWSConnections; i++ {
		h.clients[&websocket.Conn{}] = struct{}{}
	}
	if h.ClientCount() != maxWSConnections {
		t.Fatalf("expected %d pre-seeded clients, got %d", maxWSConnections, h.ClientCount())
	}
	if h.Register(&websocket.Conn{}) {
		t.Fatal("expected Register to reject a new connection once at capacity")
	}
	if h.ClientCount() != maxWSConnections {
		t.Fatal("expected a rejected registration to not change the client count")
	}
}
