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

package redress

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn is one live client connection. The transport behind it is opaque to
// the fan-out layer; anything that can take a serialized frame qualifies.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// ConnectionRegistry maps user IDs to their live connections. One connection
// per user: registering a second connection for the same user closes the
// first.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]Conn)}
}

func (r *ConnectionRegistry) Register(userID string, conn Conn) {
	r.mu.Lock()
	previous := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			logrus.Debugf("closing superseded connection for %s: %v", userID, err)
		}
	}
}

// Unregister removes and closes the user's connection. Unknown users are a
// no-op, so cleanup paths can call it unconditionally.
func (r *ConnectionRegistry) Unregister(userID string) {
	r.mu.Lock()
	conn := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logrus.Debugf("closing connection for %s: %v", userID, err)
		}
	}
}

func (r *ConnectionRegistry) Get(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
