/*
Copyright 2024 Redress Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/redresshq/redress"
	model2 "github.com/redresshq/redress/api/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the fan-out layer's Conn.
// gorilla connections allow one concurrent writer, hence the mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Subscribe upgrades the request to a websocket and serves the
// SUBSCRIBE/UNSUBSCRIBE protocol until the client disconnects. Disconnect
// always runs the full cleanup: every subscription the connection's user
// holds is dropped and the connection is unregistered.
func (a Api) Subscribe(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("websocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{conn: ws}
	var userID string
	defer func() {
		if userID != "" {
			a.subs.UserLeft(userID)
		} else {
			if err := conn.Close(); err != nil {
				logrus.Debugf("closing unidentified connection: %v", err)
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("websocket read error: %v", err)
			}
			return
		}

		var frame model2.SubscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			writeWsError(conn, "malformed frame")
			continue
		}
		if err := frame.Validate(); err != nil {
			writeWsError(conn, err.Error())
			continue
		}

		// First valid frame binds the connection to its user.
		if userID == "" {
			userID = frame.UserID
			a.conns.Register(userID, conn)
		} else if userID != frame.UserID {
			writeWsError(conn, "connection is bound to another user")
			continue
		}

		switch frame.Method {
		case model2.MethodSubscribe:
			for _, channel := range frame.Params {
				if err := a.subs.Subscribe(c.Request.Context(), frame.UserID, redress.Role(frame.Role), channel); err != nil {
					writeWsError(conn, err.Error())
				}
			}
		case model2.MethodUnsubscribe:
			for _, channel := range frame.Params {
				a.subs.Unsubscribe(frame.UserID, channel)
			}
		}
	}
}

func writeWsError(conn *wsConn, msg string) {
	payload, err := json.Marshal(gin.H{"error": msg})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		logrus.Debugf("failed to write error frame: %v", err)
	}
}
