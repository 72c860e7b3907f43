// Package collab wires the Socket.IO transport onto the session gateway,
// document registry, and broadcaster.
package collab

import (
	"context"
	"encoding/base64"
	"fmt"
	"reflect"
	gosync "sync"

	"docsync-server/crdt"
	"docsync-server/sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

// socketSink adapts one socket to the broadcaster's delivery contract.
type socketSink struct {
	socket *socketio.Socket
}

func (s socketSink) Send(event string, args ...any) error {
	return s.socket.Emit(event, args...)
}

// Server tracks which document sessions each socket holds so that a
// disconnect releases all of them.
type Server struct {
	gateway  *sync.Gateway
	registry *sync.Registry

	mu     gosync.Mutex
	joined map[socketio.SocketId]map[string]*sync.SessionRef
}

// NewServer builds the Socket.IO server for the sync endpoint.
func NewServer(gateway *sync.Gateway, registry *sync.Registry) *socketio.Server {
	s := &Server{
		gateway:  gateway,
		registry: registry,
		joined:   make(map[socketio.SocketId]map[string]*sync.SessionRef),
	}

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		s.handleConnection(socket)
	})

	return srv
}

func (s *Server) handleConnection(socket *socketio.Socket) {
	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("join-document", func(datas ...any) {
		s.handleJoin(socket, datas)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("doc-update", func(datas ...any) {
		s.handleUpdate(socket, datas)
	})

	socket.On("doc-awareness", func(datas ...any) {
		s.handleAwareness(socket, datas)
	})

	socket.On("leave-document", func(datas ...any) {
		if len(datas) == 0 {
			return
		}
		if docName, ok := datas[0].(string); ok {
			s.releaseOne(socket.Id(), docName)
		}
	})

	socket.On("disconnecting", func(datas ...any) {
		s.releaseAll(socket.Id())
	})

	socket.On("disconnect", func(datas ...any) {
		socket.RemoveAllListeners("")
		socket.Disconnect(true)
	})
}

func (s *Server) handleJoin(socket *socketio.Socket, datas []any) {
	ack, args := extractAck(datas)
	if len(args) == 0 {
		respondWithAck(socket, ack, "join-document-ack", errorPayload(fmt.Errorf("document name is required")))
		return
	}

	docName, ok := args[0].(string)
	if !ok || docName == "" {
		respondWithAck(socket, ack, "join-document-ack", errorPayload(fmt.Errorf("invalid document name")))
		return
	}

	params := handshakeParams(socket)
	if len(args) > 1 {
		if p := parseConnectParams(args[1]); p != (sync.ConnectParams{}) {
			params = p
		}
	}

	ctx := context.Background()
	session, err := s.gateway.Connect(ctx, docName, params)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"socket":   socket.Id(),
			"document": docName,
		}).WithError(err).Warn("Rejected connection")
		respondWithAck(socket, ack, "join-document-ack", errorPayload(err))
		return
	}

	doc, stateData, err := s.registry.Attach(ctx, session, socketSink{socket})
	if err != nil {
		respondWithAck(socket, ack, "join-document-ack", errorPayload(err))
		return
	}

	ref := &sync.SessionRef{Session: session, Document: doc}
	s.mu.Lock()
	docs := s.joined[socket.Id()]
	if docs == nil {
		docs = make(map[string]*sync.SessionRef)
		s.joined[socket.Id()] = docs
	}
	if prev, exists := docs[docName]; exists {
		// Re-join replaces the old seat; release it first.
		s.registry.Release(prev.Session.Key, prev.Session.ID)
	}
	docs[docName] = ref
	s.mu.Unlock()

	_ = socket.Emit("doc-state", docName, stateData)
	respondWithAck(socket, ack, "join-document-ack", map[string]any{
		"status":     "ok",
		"sessionId":  session.ID,
		"permission": string(session.Permission),
	})
}

func (s *Server) handleUpdate(socket *socketio.Socket, datas []any) {
	ack, args := extractAck(datas)
	if len(args) < 2 {
		respondWithAck(socket, ack, "doc-update-ack", errorPayload(fmt.Errorf("document name and delta are required")))
		return
	}

	docName, _ := args[0].(string)
	ref := s.lookup(socket.Id(), docName)
	if ref == nil {
		respondWithAck(socket, ack, "doc-update-ack", errorPayload(fmt.Errorf("not attached to %s", docName)))
		return
	}

	delta, err := parseDelta(ref.Session.ID, args[1])
	if err != nil {
		respondWithAck(socket, ack, "doc-update-ack", errorPayload(err))
		return
	}

	if err := ref.Document.Apply(delta, ref.Session.ID); err != nil {
		// A rejected write is a no-op for everyone, including the sender.
		respondWithAck(socket, ack, "doc-update-ack", errorPayload(err))
		return
	}

	respondWithAck(socket, ack, "doc-update-ack", map[string]any{
		"status": "ok",
		"id":     delta.ID,
	})
}

func (s *Server) handleAwareness(socket *socketio.Socket, datas []any) {
	if len(datas) < 2 {
		return
	}
	docName, _ := datas[0].(string)
	ref := s.lookup(socket.Id(), docName)
	if ref == nil {
		return
	}
	ref.Document.Relay(sync.EventDocAwareness, datas[1], ref.Session.ID)
}

func (s *Server) lookup(id socketio.SocketId, docName string) *sync.SessionRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if docs, ok := s.joined[id]; ok {
		return docs[docName]
	}
	return nil
}

func (s *Server) releaseOne(id socketio.SocketId, docName string) {
	s.mu.Lock()
	var ref *sync.SessionRef
	if docs, ok := s.joined[id]; ok {
		ref = docs[docName]
		delete(docs, docName)
	}
	s.mu.Unlock()
	if ref != nil {
		s.registry.Release(ref.Session.Key, ref.Session.ID)
	}
}

func (s *Server) releaseAll(id socketio.SocketId) {
	s.mu.Lock()
	docs := s.joined[id]
	delete(s.joined, id)
	s.mu.Unlock()

	for _, ref := range docs {
		logrus.WithFields(logrus.Fields{
			"socket":   id,
			"session":  ref.Session.ID,
			"document": ref.Session.Key.String(),
		}).Debug("Releasing session on disconnect")
		s.registry.Release(ref.Session.Key, ref.Session.ID)
	}
}

// handshakeParams reads connection parameters supplied out-of-band: the
// Socket.IO auth payload first, query string as fallback.
func handshakeParams(socket *socketio.Socket) sync.ConnectParams {
	hs := socket.Handshake()
	if hs == nil {
		return sync.ConnectParams{}
	}
	if p := parseConnectParams(hs.Auth); p != (sync.ConnectParams{}) {
		return p
	}
	return sync.ConnectParams{
		WorkspaceID: queryField(hs.Query, "workspaceId"),
		FileID:      queryField(hs.Query, "fileId"),
		UserID:      queryField(hs.Query, "userId"),
		UserName:    queryField(hs.Query, "userName"),
		UserEmail:   queryField(hs.Query, "userEmail"),
		Token:       queryField(hs.Query, "token"),
	}
}

func queryField(query map[string][]string, key string) string {
	if values := query[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func parseConnectParams(raw any) sync.ConnectParams {
	m, ok := raw.(map[string]any)
	if !ok {
		return sync.ConnectParams{}
	}
	return sync.ConnectParams{
		WorkspaceID: stringField(m, "workspaceId"),
		FileID:      stringField(m, "fileId"),
		UserID:      stringField(m, "userId"),
		UserName:    stringField(m, "userName"),
		UserEmail:   stringField(m, "userEmail"),
		Token:       stringField(m, "token"),
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// parseDelta decodes a wire delta. The origin is always the server-side
// session, never whatever the client claims.
func parseDelta(sessionID string, raw any) (crdt.Delta, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return crdt.Delta{}, fmt.Errorf("delta must be an object")
	}

	var seq uint64
	switch v := m["seq"].(type) {
	case float64:
		seq = uint64(v)
	case int64:
		seq = uint64(v)
	case int:
		seq = uint64(v)
	}

	payload, err := payloadBytes(m["payload"])
	if err != nil {
		return crdt.Delta{}, err
	}

	id := stringField(m, "id")
	if id == "" {
		return crdt.NewDelta(sessionID, seq, payload), nil
	}
	return crdt.Delta{
		ID:      id,
		Origin:  sessionID,
		Seq:     seq,
		Payload: payload,
	}, nil
}

func payloadBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			return decoded, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", raw)
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any

		switch {
		case numIn == 1:
			if err != nil {
				argValue = err
			} else {
				argValue = payload
			}
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		default:
			argValue = nil
		}

		args[i] = coerceValue(argValue, paramType)
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.Interface && targetType.NumMethod() == 0 {
		return rv
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any) {
	var ackErr error
	if status, ok := payload["status"].(string); ok && status == "error" {
		ackErr = fmt.Errorf("%v", payload["error"])
	}

	if ack != nil {
		ack(ackErr, payload)
	}

	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
