package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/session"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// controlMessage is the text frame vocabulary of a terminal websocket. Binary
// frames carry raw terminal bytes in both directions.
type controlMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// terminal bridges one websocket to one session: /sessions/{kind}?target=&cols=&rows=.
func (h *Handler) terminal(rw http.ResponseWriter, r *http.Request) {
	kind := session.Kind(r.PathValue("kind"))
	q := r.URL.Query()
	target := q.Get("target")
	cols := intOr(q.Get("cols"), defaultCols)
	rows := intOr(q.Get("rows"), defaultRows)
	logger := lg.OrDiscard(h.Logger).With(lg.String("kind", string(kind)), lg.String("target", target))

	ws, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", lg.String("remote", r.RemoteAddr), lg.Err(err))
		return
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})

	sess, err := h.Sessions.Create(r.Context(), kind, target, cols, rows)
	if err != nil {
		_ = ws.WriteJSON(controlMessage{Type: "error", Message: err.Error()})
		return
	}
	logger = logger.With(lg.String("session", sess.ID))
	logger.Info("terminal attached", lg.String("remote", r.RemoteAddr))
	if err := ws.WriteJSON(controlMessage{Type: "session", ID: sess.ID}); err != nil {
		h.Sessions.Close(sess.ID)
	}

	go h.terminalInput(ws, sess.ID)

	for ev := range sess.Events() {
		var err error
		switch ev.Type {
		case session.EventData:
			err = ws.WriteMessage(websocket.BinaryMessage, ev.Data)
		case session.EventClose:
			err = ws.WriteJSON(controlMessage{Type: "exit", Code: ev.ExitCode})
		}
		if err != nil {
			h.Sessions.Close(sess.ID)
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	logger.Info("terminal detached")
}

// terminalInput forwards client frames until the client goes away, then
// closes the session.
func (h *Handler) terminalInput(ws *websocket.Conn, id string) {
	defer h.Sessions.Close(id)
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage {
			var ctl controlMessage
			if json.Unmarshal(msg, &ctl) == nil && ctl.Type == "resize" {
				h.Sessions.Resize(id, ctl.Cols, ctl.Rows)
				continue
			}
		}
		if !h.Sessions.Write(id, msg) {
			return
		}
	}
}

func intOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
