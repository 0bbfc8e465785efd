package api

import (
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"roadwatch/internal/httpapi"
	"roadwatch/internal/stream"
)

// watchAgent upgrades to a WebSocket and streams every record subsequently
// ingested for the agent in the path.
func (api *API) watchAgent(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawUserID := chi.URLParam(r, "user_id")
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
			Message: "Invalid user id.",
			Errors:  []httpapi.Error{{Field: "user_id", Detail: "must be an integer, got " + strconv.Quote(rawUserID)}},
		})
		return
	}

	ws, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: api.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		api.Logger.Warn(ctx, "failed to upgrade connection to websocket", slog.Error(err))
		return
	}

	conn := stream.NewConn(ws)
	err = stream.Serve(ctx, conn, userID, api.Registry, api.Stream, api.Logger.Named("stream"))
	if err != nil {
		api.Logger.Debug(ctx, "listener stream ended with error", slog.F("agent_id", userID), slog.Error(err))
	}
}
