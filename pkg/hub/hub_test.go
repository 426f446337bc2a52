package hub

import (
	"context"
	"testing"
	"time"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func waitCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", h.ClientCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, _ := runHub(t)

	a := newClient(h)
	b := newClient(h)
	waitCount(t, h, 2)

	if err := h.BroadcastJSON(map[string]string{"caption": "hi"}); err != nil {
		t.Fatalf("BroadcastJSON error: %v", err)
	}

	for _, c := range []*Client{a, b} {
		m := recv(t, c)
		if m.Type != JSONMessage || string(m.Data) != `{"caption":"hi"}` {
			t.Errorf("message = %+v", m)
		}
	}
}

func TestInitialMessagesComeFirst(t *testing.T) {
	h, _ := runHub(t)

	c := newClient(h, NewJSONMessage([]byte(`"first"`)))
	h.Broadcast(NewBinaryMessage([]byte{1, 2}))

	if m := recv(t, c); string(m.Data) != `"first"` {
		t.Errorf("first message = %q", m.Data)
	}
	if m := recv(t, c); m.Type != BinaryMessage {
		t.Errorf("second message type = %v, want binary", m.Type)
	}
}

func TestLeaveClosesQueue(t *testing.T) {
	h, _ := runHub(t)

	c := newClient(h)
	waitCount(t, h, 1)

	h.leave(c)
	waitCount(t, h, 0)

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h, _ := runHub(t)

	slow := newClient(h)
	waitCount(t, h, 1)

	for i := 0; i < clientBuffer+1; i++ {
		h.Broadcast(NewJSONMessage([]byte("{}")))
		time.Sleep(100 * time.Microsecond)
	}
	waitCount(t, h, 0)

	n := 0
	for range slow.send {
		n++
	}
	if n != clientBuffer {
		t.Errorf("slow client received %d messages, want %d", n, clientBuffer)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h, cancel := runHub(t)

	c := newClient(h)
	waitCount(t, h, 1)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := <-c.send; ok {
		t.Error("client queue should be closed on shutdown")
	}

	// Joining or leaving a stopped hub must not block.
	late := newClient(h)
	h.leave(late)
	if _, ok := <-late.send; ok {
		t.Error("late client queue should be closed")
	}
}
