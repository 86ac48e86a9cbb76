package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(mt, data))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	result, err := Dial(context.Background(), wsURL, false)
	require.NoError(t, err)
	defer result.Conn.Close(websocket.CloseNormalClosure, "done")

	require.NoError(t, result.Conn.Send(context.Background(), []byte("hello")))
	msg, err := result.Conn.RecvWithTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, KindBinary, msg.Kind)
	require.Equal(t, []byte("hello"), msg.Data)
}

func TestDialMapsUpgradeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	_, err := Dial(context.Background(), wsURL, false)
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestRecvWithTimeoutExpires(t *testing.T) {
	upgrader := websocket.Upgrader{}
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-block
		ws.Close()
	}))
	defer srv.Close()
	defer close(block)

	wsURL := "ws" + srv.URL[len("http"):]
	result, err := Dial(context.Background(), wsURL, false)
	require.NoError(t, err)

	_, err = result.Conn.RecvWithTimeout(50 * time.Millisecond)
	require.Error(t, err)
}
