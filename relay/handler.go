package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/parcelgrid/collab/collab"
)

// http surface of the relay: the websocket sync endpoint plus a small
// json api over the session registry.
//
//	GET    /sync            websocket upgrade, one sync connection
//	POST   /sessions        create a session
//	GET    /sessions        list sessions
//	DELETE /sessions/{id}   close a session

type Handler struct {
	relay           *Relay
	channelSettings *collab.WsChannelSettings

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewHandler(relay *Relay, channelSettings *collab.WsChannelSettings) *Handler {
	handler := &Handler{
		relay:           relay,
		channelSettings: channelSettings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// the bearer token is the access control
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", handler.handleSync)
	mux.HandleFunc("/sessions", handler.handleSessions)
	mux.HandleFunc("/sessions/", handler.handleSession)
	handler.mux = mux

	return handler
}

func (self *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.mux.ServeHTTP(w, r)
}

func (self *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[h]upgrade error = %s\n", err)
		return
	}

	channel := collab.NewWsChannel(r.Context(), ws, self.channelSettings)
	// blocks for the life of the connection
	self.relay.Serve(channel)
}

type createSessionArgs struct {
	SessionId string `json:"sessionId,omitempty"`
	DocType   string `json:"docType"`
	Owner     string `json:"owner"`
}

func (self *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var args createSessionArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		session, err := self.relay.Registry().CreateSession(args.SessionId, args.DocType, args.Owner)
		if err != nil {
			if errors.Is(err, ErrSessionExists) {
				http.Error(w, err.Error(), http.StatusConflict)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		writeJson(w, session)

	case http.MethodGet:
		writeJson(w, self.relay.Registry().ListSessions())

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (self *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionId := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionId == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := self.relay.Registry().GetSession(sessionId)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJson(w, session)

	case http.MethodDelete:
		if err := self.relay.CloseSession(sessionId); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusConflict)
			}
			return
		}
		writeJson(w, map[string]string{"status": "closed"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.V(2).Infof("[h]write error = %s\n", err)
	}
}
