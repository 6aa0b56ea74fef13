package socketio

import (
	"encoding/json"
	"errors"
	"strings"
)

// Engine.IO v4 packet types, first byte of each websocket frame.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, second byte of an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var errMalformed = errors.New("socketio: malformed packet")

// handshake is the payload of the Engine.IO open packet.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
}

// encodeEvent builds a "42[...]" frame for the default namespace.
func encodeEvent(name string, args ...any) ([]byte, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	body, err := json.Marshal(arr)
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

// encodeConnect builds the namespace connect frame, with an auth payload
// when token is set.
func encodeConnect(token string) []byte {
	if token == "" {
		return []byte{eioMessage, sioConnect}
	}
	auth, _ := json.Marshal(map[string]string{"token": token})
	return append([]byte{eioMessage, sioConnect}, auth...)
}

// decodeEvent parses the body of a Socket.IO EVENT packet (everything after
// "42"): an optional namespace, an optional ack id, then the JSON array.
// It returns the event name and its first argument.
func decodeEvent(body string) (string, json.RawMessage, error) {
	if strings.HasPrefix(body, "/") {
		i := strings.IndexByte(body, ',')
		if i < 0 {
			return "", nil, errMalformed
		}
		body = body[i+1:]
	}
	body = strings.TrimLeft(body, "0123456789")
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body), &arr); err != nil || len(arr) == 0 {
		return "", nil, errMalformed
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, errMalformed
	}
	if len(arr) < 2 {
		return name, nil, nil
	}
	return name, arr[1], nil
}
