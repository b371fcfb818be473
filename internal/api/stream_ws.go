package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-hostagent/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNoBus)
		return
	}
	filter := eventbus.Filter{
		TaskID:    r.URL.Query().Get("task_id"),
		ContextID: r.URL.Query().Get("context_id"),
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamFrames(ctx, s.Bus, filter, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamFrames(ctx context.Context, bus *eventbus.Bus, filter eventbus.Filter, writer wsWriter) error {
	sub := bus.Subscribe(ctx, filter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
			if frame.Final {
				return nil
			}
		}
	}
}
