package stream_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasa-jpl/stemsync/generichttp/stream"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/xdata"
)

var (
	_ synchro.DataChannel          = (*stream.Hub)(nil)
	_ synchro.UpdatePeriodProvider = (*stream.Hub)(nil)
)

func ExampleReduce() {
	xd := xdata.Zeros(1, 2, 2)
	xd.CollectionRank = 2
	copy(xd.Data, []float64{1, 2, 3, 4})
	shape, image := stream.Reduce(xd)
	fmt.Println(shape, image)
	// Output: [1 2] [3 7]
}

func TestHubBroadcast(t *testing.T) {
	hub := stream.NewHub(50 * time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client got %d", hub.Clients())
	}

	xd := xdata.Zeros(2, 2, 3)
	xd.CollectionRank = 2
	for i := range xd.Data {
		xd.Data[i] = 1
	}
	hub.Start()
	hub.Update(xd, "partial", geom.IntSize{H: 4, W: 2}, geom.RectFromTLHW(2, 0, 2, 2), geom.RectFromTLHW(0, 0, 2, 2), "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m := stream.Message{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.State != stream.StateStarted {
		t.Errorf("expected %v got %v", stream.StateStarted, m.State)
	}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.State != "partial" || m.DestSubArea.Top() != 2 || m.FullShape != (geom.IntSize{H: 4, W: 2}) {
		t.Errorf("unexpected message %+v", m)
	}
	if len(m.Image) != 4 || m.Image[0] != 3 {
		t.Errorf("expected four sums of 3 got %v", m.Image)
	}
	if hub.UpdatePeriod() != 50*time.Millisecond {
		t.Errorf("expected %v got %v", 50*time.Millisecond, hub.UpdatePeriod())
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub := stream.NewHub(time.Second)
	hub.Stop()
	if hub.Dropped() != 0 {
		t.Errorf("expected nothing dropped got %d", hub.Dropped())
	}
}
