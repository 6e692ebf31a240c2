// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package socketio is a debug sink that exposes readings and device
// connections on a http page with websockets
package socketio

import (
	"net/http"
	"sync"

	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/googollee/go-socket.io"
	"github.com/sensebox/box-integration-bridge/types"
)

// BufferSize indicates the maximum number of events that should be buffered
var BufferSize = 10

const (
	room          = "evts"
	connectEvt    = "box-connect"
	disconnectEvt = "box-disconnect"
	readingEvt    = "reading"
)

// Server is a http server that exposes some events over websockets
type Server struct {
	ctx        log.Interface
	addr       string
	server     *socketio.Server
	connect    chan string
	disconnect chan string
	reading    chan *types.Reading

	mu               sync.RWMutex // Protects connectedDevices
	connectedDevices []string
}

// NewServer creates a new server
func NewServer(ctx log.Interface, addr string) (*Server, error) {
	server, err := socketio.NewServer(nil)
	if err != nil {
		return nil, err
	}

	return &Server{
		ctx:              ctx.WithField("Sink", "Socket.IO"),
		server:           server,
		addr:             addr,
		connect:          make(chan string, BufferSize),
		disconnect:       make(chan string, BufferSize),
		reading:          make(chan *types.Reading, BufferSize),
		connectedDevices: make([]string, 0),
	}, nil
}

// Handler returns the http handler of the debug page
func (s *Server) Handler() http.Handler {
	s.server.On("connection", func(so socketio.Socket) {
		s.handleConnect(so)
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.server)
	mux.Handle("/", http.FileServer(http.Dir("./assets")))
	mux.HandleFunc("/devices", func(res http.ResponseWriter, _ *http.Request) {
		res.Header().Add("content-type", "application/json; charset=utf-8")
		enc := json.NewEncoder(res)
		enc.Encode(s.ConnectedDevices())
	})
	return mux
}

// Listen opens the server and starts listening for http requests
func (s *Server) Listen() {
	handler := s.Handler()
	go s.handleEvents()
	s.ctx.Infof("HTTP server listening on %s", s.addr)
	err := http.ListenAndServe(s.addr, handler)
	if err != nil {
		s.ctx.WithError(err).Fatal("Could not serve HTTP")
	}
}

func (s *Server) handleConnect(so socketio.Socket) {
	ctx := s.ctx.WithField("ID", so.Id())
	ctx.Debug("Socket connected")
	so.Join(room)
	so.On("disconnection", func() {
		ctx.Debug("Socket disconnected")
	})
}

func (s *Server) handleEvents() {
	for {
		select {
		case deviceID := <-s.connect:
			s.emit(connectEvt, deviceID)
		case deviceID := <-s.disconnect:
			s.emit(disconnectEvt, deviceID)
		case reading := <-s.reading:
			s.emit(readingEvt, reading)
		}
	}
}

func (s *Server) emit(name string, v interface{}) {
	marshalled, err := json.Marshal(v)
	if err != nil {
		s.ctx.WithError(err).Error("Could not marshal event")
		return
	}
	s.server.BroadcastTo(room, name, string(marshalled))
}

// SubmitReading implements ingest.Sink
func (s *Server) SubmitReading(reading *types.Reading) error {
	select {
	case s.reading <- reading:
	default:
		s.ctx.Warn("Dropping reading on websocket")
	}
	return nil
}

// DeviceConnected emits a message when a device connects
func (s *Server) DeviceConnected(deviceID string) {
	select {
	case s.connect <- deviceID:
	default:
		s.ctx.Warn("Dropping connect message on websocket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.connectedDevices {
		if existing == deviceID {
			return
		}
	}
	s.connectedDevices = append(s.connectedDevices, deviceID)
}

// DeviceDisconnected emits a message when a device disconnects
func (s *Server) DeviceDisconnected(deviceID string) {
	select {
	case s.disconnect <- deviceID:
	default:
		s.ctx.Warn("Dropping disconnect message on websocket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previouslyConnected := s.connectedDevices
	s.connectedDevices = make([]string, 0, len(previouslyConnected))
	for _, existing := range previouslyConnected {
		if existing != deviceID {
			s.connectedDevices = append(s.connectedDevices, existing)
		}
	}
}

// ConnectedDevices returns the list of connected device IDs
func (s *Server) ConnectedDevices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.connectedDevices...)
}
