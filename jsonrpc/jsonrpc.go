package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/0xPolygon/covtrace/versioning"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// JSONRPC is the proxy front end, serving http and ws clients
type JSONRPC struct {
	logger     hclog.Logger
	config     *Config
	dispatcher dispatcher
	server     *http.Server
}

type dispatcher interface {
	Handle(ctx context.Context, reqBody []byte) ([]byte, error)
}

type Config struct {
	Addr                     *net.TCPAddr
	AccessControlAllowOrigin []string
	BatchLengthLimit         uint64
	WebSocketReadLimit       uint64
	Upstream                 string
}

// NewJSONRPC returns the JSONRPC http server, every request is handed to engine
func NewJSONRPC(logger hclog.Logger, engine Engine, config *Config) (*JSONRPC, error) {
	srv := newJSONRPC(logger, engine, config)

	// start http server
	if err := srv.setupHTTP(); err != nil {
		return nil, err
	}

	return srv, nil
}

func newJSONRPC(logger hclog.Logger, engine Engine, config *Config) *JSONRPC {
	logger = logger.Named("jsonrpc")

	return &JSONRPC{
		logger: logger,
		config: config,
		dispatcher: newDispatcher(
			logger,
			engine,
			&dispatcherParams{
				jsonRPCBatchLengthLimit: config.BatchLengthLimit,
			},
		),
	}
}

func (j *JSONRPC) setupHTTP() error {
	j.logger.Info("http server started", "addr", j.config.Addr.String())

	lis, err := net.Listen("tcp", j.config.Addr.String())
	if err != nil {
		return err
	}

	j.server = &http.Server{
		Handler:           j.newMux(),
		ReadHeaderTimeout: 60 * time.Second,
	}

	go func() {
		if err := j.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			j.logger.Error("closed http connection", "err", err)
		}
	}()

	return nil
}

func (j *JSONRPC) newMux() *http.ServeMux {
	mux := http.NewServeMux()

	// The middleware factory returns a handler, so we need to wrap the handler function properly.
	jsonRPCHandler := http.HandlerFunc(j.handle)
	mux.Handle("/", middlewareFactory(j.config)(jsonRPCHandler))

	mux.HandleFunc("/ws", j.handleWs)

	return mux
}

// Close stops the http server, in-flight requests get a chance to complete
func (j *JSONRPC) Close(ctx context.Context) error {
	if j.server == nil {
		return nil
	}

	return j.server.Shutdown(ctx)
}

// The middlewareFactory builds a middleware which enables CORS using the provided config.
func middlewareFactory(config *Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			for _, allowedOrigin := range config.AccessControlAllowOrigin {
				if allowedOrigin == "*" {
					w.Header().Set("Access-Control-Allow-Origin", "*")

					break
				}

				if allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)

					break
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// wsUpgrader defines upgrade parameters for the WS connection
var wsUpgrader = websocket.Upgrader{
	// Uses the default HTTP buffer sizes for Read / Write buffers.
	// Documentation specifies that they are 4096B in size.
	// There is no need to have them be 4x in size when requests / responses
	// shouldn't exceed 1024B
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsWrapper is a wrapping object for the web socket connection and logger
type wsWrapper struct {
	ws        *websocket.Conn // the actual WS connection
	logger    hclog.Logger    // module logger
	writeLock sync.Mutex      // writer lock
}

// WriteMessage writes out the message to the WS peer
func (w *wsWrapper) WriteMessage(messageType int, data []byte) error {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	writeErr := w.ws.WriteMessage(messageType, data)
	if writeErr != nil {
		w.logger.Error("Unable to write WS message", "err", writeErr)
	}

	return writeErr
}

// isSupportedWSType returns a status indicating if the message type is supported
func isSupportedWSType(messageType int) bool {
	return messageType == websocket.TextMessage ||
		messageType == websocket.BinaryMessage
}

func (j *JSONRPC) handleWs(w http.ResponseWriter, req *http.Request) {
	// Upgrade the connection to a WS one
	ws, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		j.logger.Error("Unable to upgrade to a WS connection", "err", err)

		return
	}

	if j.config.WebSocketReadLimit != 0 {
		ws.SetReadLimit(int64(j.config.WebSocketReadLimit))
	}

	// Defer WS closure
	defer func(ws *websocket.Conn) {
		if err := ws.Close(); err != nil {
			j.logger.Error("Unable to gracefully close WS connection", "err", err)
		}
	}(ws)

	wrapConn := &wsWrapper{ws: ws, logger: j.logger}

	// requests keep running against the connection context until the peer leaves
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	j.logger.Info("Websocket connection established")
	// Run the listen loop
	for {
		// Read the incoming message
		msgType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				// Accepted close codes
				j.logger.Info("Closing WS connection gracefully")
			} else {
				j.logger.Error("Unable to read WS message", "err", err)
				j.logger.Info("Closing WS connection with error")
			}

			break
		}

		if isSupportedWSType(msgType) {
			go func() {
				resp, handleErr := j.dispatcher.Handle(ctx, message)
				if handleErr != nil {
					j.logger.Error("Unable to handle WS request", "err", handleErr)

					_ = wrapConn.WriteMessage(
						msgType,
						[]byte(fmt.Sprintf("WS Handle error: %s", handleErr.Error())),
					)
				} else {
					_ = wrapConn.WriteMessage(msgType, resp)
				}
			}()
		}
	}
}

// GetResponse is the answer to a plain GET request
type GetResponse struct {
	Name     string `json:"name"`
	Upstream string `json:"upstream"`
	Version  string `json:"version"`
}

func (j *JSONRPC) handle(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set(
		"Access-Control-Allow-Headers",
		"Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization",
	)

	switch req.Method {
	case http.MethodOptions:
		return
	case http.MethodGet:
		j.handleGetRequest(w)
	case http.MethodPost:
		j.handleJSONRPCRequest(w, req)
	default:
		_, _ = w.Write([]byte("method " + req.Method + " not allowed"))
	}
}

func (j *JSONRPC) handleGetRequest(writer io.Writer) {
	data := &GetResponse{
		Name:     "covtrace",
		Upstream: j.config.Upstream,
		Version:  versioning.Version,
	}

	resp, err := json.Marshal(data)
	if err != nil {
		_, _ = writer.Write([]byte(err.Error()))

		return
	}

	_, _ = writer.Write(resp)
}

func (j *JSONRPC) handleJSONRPCRequest(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		_, _ = w.Write([]byte(err.Error()))

		return
	}

	// log request
	j.logger.Debug("handle", "request", string(data))

	resp, err := j.dispatcher.Handle(req.Context(), data)
	if err != nil {
		_, _ = w.Write([]byte(err.Error()))
	} else {
		_, _ = w.Write(resp)
	}

	j.logger.Debug("handle", "response", string(resp))
}
