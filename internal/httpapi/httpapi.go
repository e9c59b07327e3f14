// Package httpapi is a minimal fasthttp surface over a *streamstore.Store:
// append, read-stream, read-all, and an SSE tail subscription. It is the
// ambient outer surface the store is run as a service through (the way the
// teacher ships cmd/messagedb), not part of the store's own hard core.
//
// Grounded on the teacher's internal/api/rpc_fasthttp.go and
// internal/api/sse_fasthttp.go: fasthttp.RequestHandler functions, a single
// JSON-success/JSON-error response shape, and SetBodyStreamWriter for SSE.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/streamstore/streamstore"
)

// APIError is the error shape written for non-2xx responses.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// Handler wires a *streamstore.Store to fasthttp request handlers.
type Handler struct {
	store *streamstore.Store
	log   zerolog.Logger
}

// New builds a Handler over store. Every handler method is safe to register
// directly as a fasthttp.RequestHandler.
func New(store *streamstore.Store, log zerolog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	if err := json.NewEncoder(ctx).Encode(body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, errorEnvelope{Error: &APIError{Code: code, Message: message}})
}

// writeStoreError maps a streamstore error to an HTTP status and code,
// mirroring the switch in the teacher's ServeHTTPFast.
func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, streamstore.ErrConcurrency):
		writeError(ctx, fasthttp.StatusConflict, "STREAM_VERSION_CONFLICT", err.Error())
	case errors.Is(err, streamstore.ErrDuplicateMessage):
		writeError(ctx, fasthttp.StatusConflict, "DUPLICATE_MESSAGE", err.Error())
	case errors.Is(err, streamstore.ErrInvalidParameter):
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, streamstore.ErrDisposed):
		writeError(ctx, fasthttp.StatusServiceUnavailable, "DISPOSED", err.Error())
	default:
		writeError(ctx, fasthttp.StatusInternalServerError, "STORAGE_FAULT", err.Error())
	}
}

// Health handles GET /health.
func (h *Handler) Health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

type appendMessageDTO struct {
	MessageID string                 `json:"messageId"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

type appendRequestDTO struct {
	ExpectedVersion int64              `json:"expectedVersion"`
	Messages        []appendMessageDTO `json:"messages"`
}

// AppendToStream handles POST /streams/{streamId}/messages.
func (h *Handler) AppendToStream(ctx *fasthttp.RequestCtx) {
	streamID, ok := ctx.UserValue("streamId").(string)
	if !ok || streamID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", "streamId path segment is required")
		return
	}

	var req appendRequestDTO
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}

	messages := make([]streamstore.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = streamstore.Message{MessageID: m.MessageID, Type: m.Type, Data: m.Data, Meta: m.Meta}
	}

	res, err := h.store.AppendToStream(ctx, streamID, streamstore.ExpectedVersion(req.ExpectedVersion), messages)
	if err != nil {
		h.log.Error().Err(err).Str("stream_id", streamID).Msg("append failed")
		writeStoreError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"streamVersion":  res.StreamVersion,
		"streamPosition": string(res.StreamPosition),
	})
}

// ReadStream handles GET /streams/{streamId}/messages.
func (h *Handler) ReadStream(ctx *fasthttp.RequestCtx) {
	streamID, ok := ctx.UserValue("streamId").(string)
	if !ok || streamID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", "streamId path segment is required")
		return
	}

	args := ctx.QueryArgs()
	from := args.GetUintOrZero("from")
	count := int64(args.GetUintOrZero("count"))
	if count <= 0 {
		count = 100
	}
	dir := streamstore.Forward
	if string(args.Peek("direction")) == "backward" {
		dir = streamstore.Backward
	}

	res, err := h.store.ReadStream(ctx, streamID, int64(from), count, dir)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res)
}

// ReadAll handles GET /messages.
func (h *Handler) ReadAll(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	from := streamstore.PositionStart
	if posStr := string(args.Peek("from")); posStr != "" {
		from = streamstore.Position(posStr)
	}
	count := int64(args.GetUintOrZero("count"))
	if count <= 0 {
		count = 100
	}
	dir := streamstore.Forward
	if string(args.Peek("direction")) == "backward" {
		dir = streamstore.Backward
	}

	member, size, ok, err := parseConsumerGroup(args)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var res streamstore.ReadAllResult
	if ok {
		res, err = h.store.ReadAllForConsumerGroup(ctx, from, count, dir, member, size)
	} else {
		res, err = h.store.ReadAll(ctx, from, count, dir)
	}
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res)
}

// parseConsumerGroup reads the optional consumerMember/consumerSize query
// parameters shared by GET /messages and GET /subscribe?all=true. ok is
// false when neither is present; an error is returned if exactly one is.
func parseConsumerGroup(args *fasthttp.Args) (member, size int64, ok bool, err error) {
	memberStr := string(args.Peek("consumerMember"))
	sizeStr := string(args.Peek("consumerSize"))
	if memberStr == "" && sizeStr == "" {
		return 0, 0, false, nil
	}
	if memberStr == "" || sizeStr == "" {
		return 0, 0, false, fmt.Errorf("consumerMember and consumerSize must both be set")
	}
	member, err = strconv.ParseInt(memberStr, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid consumerMember: %w", err)
	}
	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid consumerSize: %w", err)
	}
	return member, size, true, nil
}

// Subscribe handles GET /subscribe, an SSE tail over either a single stream
// (?stream=) or the global all-view (?all=true), per spec.md §4.7.
func (h *Handler) Subscribe(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	streamID := string(args.Peek("stream"))
	all := string(args.Peek("all")) == "true"

	if !all && streamID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", "either 'stream' or 'all=true' is required")
		return
	}
	if all && streamID != "" {
		writeError(ctx, fasthttp.StatusBadRequest, "INVALID_REQUEST", "cannot combine 'all' with 'stream'")
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")

	procCtx := context.Background()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		process := func(_ context.Context, msg streamstore.Message) error {
			return sendMessage(w, msg)
		}
		onDropped := func(err error) {
			if err != nil {
				h.log.Debug().Err(err).Msg("subscription dropped")
			}
		}

		var sub *streamstore.Subscription
		if all {
			var afterPos *streamstore.Position
			if posStr := string(args.Peek("after")); posStr != "" {
				p := streamstore.Position(posStr)
				afterPos = &p
			}
			var member, size *int64
			if m, s, ok, err := parseConsumerGroup(args); err == nil && ok {
				member, size = &m, &s
			}
			sub = h.store.SubscribeToAll(procCtx, process, streamstore.AllSubscriptionOptions{
				AfterPosition:  afterPos,
				ConsumerMember: member,
				ConsumerSize:   size,
				OnDropped:      onDropped,
			})
		} else {
			var afterVersion *int64
			if verStr := string(args.Peek("after")); verStr != "" {
				if v, err := strconv.ParseInt(verStr, 10, 64); err == nil {
					afterVersion = &v
				}
			}
			sub = h.store.SubscribeToStream(procCtx, streamID, process, streamstore.StreamSubscriptionOptions{
				AfterVersion: afterVersion,
				OnDropped:    onDropped,
			})
		}
		defer sub.Dispose()

		<-ctx.Done()
	})
}

func sendMessage(w *bufio.Writer, msg streamstore.Message) error {
	payload, err := json.Marshal(map[string]interface{}{
		"streamId":      msg.StreamID,
		"messageId":     msg.MessageID,
		"type":          msg.Type,
		"streamVersion": msg.StreamVersion,
		"position":      string(msg.Position),
		"data":          msg.Data,
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
