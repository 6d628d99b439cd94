package sync0

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// controlMessage is the JSON envelope on the worker control channel.
type controlMessage struct {
	Type string `json:"type"`
}

type controlReply struct {
	Type       string `json:"type"`
	Generation string `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

// controlHandler is the foreground-to-router control channel. The only
// command is SKIP_WAITING: promote the waiting cache generation immediately
// instead of waiting for the next restart. The reply tells the client which
// generation is active so it can reload against it.
func controlHandler(rt *StrategyRouter, log *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")

		ctx := r.Context()
		for {
			msg, err := readControl(ctx, conn)
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}

			switch msg.Type {
			case "SKIP_WAITING":
				opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				gen, err := rt.SkipWaiting(opCtx)
				cancel()
				if err != nil {
					log.WithError(err).Warn("control: skip waiting failed")
					_ = writeControl(ctx, conn, controlReply{Type: "ERROR", Error: err.Error()})
					continue
				}
				_ = writeControl(ctx, conn, controlReply{Type: "RELOADED", Generation: gen})
			default:
				_ = writeControl(ctx, conn, controlReply{Type: "ERROR", Error: "unknown message type"})
			}
		}
	})
}

func readControl(ctx context.Context, conn *websocket.Conn) (controlMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return controlMessage{}, err
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, err
	}
	return msg, nil
}

func writeControl(ctx context.Context, conn *websocket.Conn, reply controlReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
