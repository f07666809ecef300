// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler returns the handler that upgrades GET requests to a
// WebSocket, wraps the connection in a Client, and hands it to hub, which
// starts the client's pumps.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(hub.log),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		if !hub.admit(client) {
			client.log.Warn("Hub stopped; refusing connection")
			if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Warn("Error closing refused connection", "error", err)
			}
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RelayChat server is running!")
}

// TestPageHandler serves an HTML page for exercising the chat protocol by hand:
// register, join rooms, and send room or private messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>RelayChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .row { margin: 6px 0; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RelayChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <button id="connectButton" onclick="toggleConnection()">Connect</button>

    <div class="row">
        <input type="text" id="name" placeholder="Display name">
        <input type="text" id="identityId" placeholder="Identity id (optional)">
        <button onclick="emit('register', {name: val('name'), identityId: val('identityId')})">Register</button>
    </div>
    <div class="row">
        <input type="text" id="room" placeholder="Room">
        <button onclick="emit('joinRoom', {room: val('room')})">Join</button>
        <button onclick="emit('leaveRoom', {room: val('room')})">Leave</button>
        <input type="text" id="roomContent" placeholder="Room message">
        <button onclick="emit('roomMessage', {room: val('room'), content: val('roomContent')})">Send</button>
    </div>
    <div class="row">
        <input type="text" id="to" placeholder="Recipient identity id">
        <input type="text" id="privateContent" placeholder="Private message">
        <button onclick="emit('privateMessage', {toIdentityId: val('to'), content: val('privateContent')})">Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function val(id) { return document.getElementById(id).value.trim(); }

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() { addLine('Connected'); updateStatus(true); };
            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                if (msg.event === 'registered') {
                    document.getElementById('identityId').value = msg.data.identityId;
                }
                addLine('<- ' + event.data, msg.event === 'error' ? 'red' : 'green');
            };
            ws.onclose = function() { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('Connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                addLine('Not connected', 'red');
                return;
            }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            addLine('-> ' + frame, 'blue');
        }
    </script>
</body>
</html>`
