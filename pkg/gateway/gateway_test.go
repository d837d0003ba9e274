package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/store"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
	"github.com/ultima-robotics/backend-datalink/pkg/wsserver"
)

func startTestGateway(t *testing.T) (*Gateway, *store.Store, string) {
	t.Helper()

	pool := threadpool.NewManager(nil)
	t.Cleanup(func() { pool.Shutdown() })

	st, err := store.NewStore(common.DatabaseConfig{
		Path:           filepath.Join(t.TempDir(), "runtime-data.db"),
		Enabled:        true,
		LogConnections: true,
		LogMessages:    true,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	server := wsserver.NewServer(pool, nil)
	gw := New(server, st, nil, pool, common.SystemDataConfig{}, nil)
	gw.Install()

	cfg := common.WebSocketConfig{
		Host:           "127.0.0.1",
		Port:           0,
		MaxConnections: 10,
		TimeoutMs:      1000,
		EnableLogging:  false,
	}
	if err := server.Start(cfg); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	return gw, st, "ws://" + server.Addr() + "/"
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	var message map[string]interface{}
	if err := sonic.Unmarshal(data, &message); err != nil {
		t.Fatalf("Frame is not JSON: %v", err)
	}
	return message
}

func TestWelcomeOnOpen(t *testing.T) {
	_, _, url := startTestGateway(t)
	ws := dialGateway(t, url)

	welcome := readMessage(t, ws)
	if welcome["type"] != "welcome" {
		t.Fatalf("Expected welcome, got %v", welcome)
	}
	if welcome["message"] != "Connected to backend-datalink WebSocket server" {
		t.Errorf("Unexpected welcome message: %v", welcome["message"])
	}
	if _, ok := welcome["connection_id"].(string); !ok {
		t.Error("Expected connection_id in welcome")
	}
	if _, ok := welcome["timestamp"].(float64); !ok {
		t.Error("Expected whole-seconds timestamp in welcome")
	}
}

func TestBasicEcho(t *testing.T) {
	_, _, url := startTestGateway(t)
	ws := dialGateway(t, url)
	readMessage(t, ws) // welcome

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","n":1}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	echo := readMessage(t, ws)
	if echo["type"] != "echo" {
		t.Fatalf("Expected echo, got %v", echo)
	}
	if echo["server"] != "backend-datalink" {
		t.Errorf("Expected server backend-datalink, got %v", echo["server"])
	}
	original, ok := echo["original"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected original object, got %v", echo["original"])
	}
	if original["type"] != "hello" || original["n"] != float64(1) {
		t.Errorf("Original payload mangled: %v", original)
	}
}

func TestDashboardSnapshot(t *testing.T) {
	_, st, url := startTestGateway(t)

	if err := st.UpdateDashboardData("ram", `{"usage_percent":42.0,"used_gb":3.4,"total_gb":8.0}`); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	ws := dialGateway(t, url)
	readMessage(t, ws) // welcome

	if err := ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"get_dashboard_data","categories":["ram"]}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	reply := readMessage(t, ws)
	if reply["type"] != "dashboard_data" {
		t.Fatalf("Expected dashboard_data, got %v", reply)
	}

	data, ok := reply["data"].(map[string]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("Expected exactly the requested category, got %v", reply["data"])
	}
	ram, ok := data["ram"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected ram object, got %v", data["ram"])
	}
	if ram["usage_percent"] != float64(42.0) || ram["used_gb"] != float64(3.4) || ram["total_gb"] != float64(8.0) {
		t.Errorf("Unexpected ram payload: %v", ram)
	}
}

func TestDashboardDefaultCategories(t *testing.T) {
	_, _, url := startTestGateway(t)
	ws := dialGateway(t, url)
	readMessage(t, ws) // welcome

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_dashboard_data"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	reply := readMessage(t, ws)
	data := reply["data"].(map[string]interface{})
	for _, category := range []string{"system", "ram", "swap", "network", "ultima_server", "signal"} {
		entry, ok := data[category].(map[string]interface{})
		if !ok {
			t.Errorf("Expected category %s as object, got %v", category, data[category])
			continue
		}
		// Nothing stored yet: empty objects.
		if len(entry) != 0 {
			t.Errorf("Expected empty object for %s, got %v", category, entry)
		}
	}
}

func TestSubscribeUpdates(t *testing.T) {
	_, _, url := startTestGateway(t)
	ws := dialGateway(t, url)
	readMessage(t, ws) // welcome

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe_updates"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	reply := readMessage(t, ws)
	if reply["type"] != "subscription_confirmed" {
		t.Fatalf("Expected subscription_confirmed, got %v", reply)
	}
}

func TestDashboardUpdateBroadcast(t *testing.T) {
	gw, _, url := startTestGateway(t)

	first := dialGateway(t, url)
	second := dialGateway(t, url)
	readMessage(t, first)
	readMessage(t, second)

	gw.BroadcastDashboardUpdate("ram", map[string]interface{}{"usage_percent": 50.0})

	for _, ws := range []*websocket.Conn{first, second} {
		update := readMessage(t, ws)
		if update["type"] != "dashboard_update" || update["category"] != "ram" {
			t.Errorf("Unexpected update: %v", update)
		}
		data := update["data"].(map[string]interface{})
		if data["usage_percent"] != float64(50.0) {
			t.Errorf("Unexpected update data: %v", data)
		}
	}
}
