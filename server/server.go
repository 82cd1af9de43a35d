// Package server is a minimal varlink service on a unix socket.
//
// Varlink replies carry no request ID, so each connection is served strictly
// in order:
//
//	Accept conn → handleConn: read request → middleware chain → dispatch (reflect.Call) → write reply → read next
//
// Connections are served concurrently; requests on one connection never are.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mini-varlink/logging"
	"mini-varlink/message"
	"mini-varlink/middleware"
	"mini-varlink/protocol"
	"mini-varlink/registry"
)

// ServiceInterface is the interface every varlink service implements.
const ServiceInterface = "org.varlink.service"

// Info is returned by org.varlink.service.GetInfo.
type Info struct {
	Vendor     string   `json:"vendor"`
	Product    string   `json:"product"`
	Version    string   `json:"version"`
	URL        string   `json:"url"`
	Interfaces []string `json:"interfaces"`
}

// request is the wire form of an incoming call.
type request struct {
	Method     string          `json:"method"`
	Parameters json.RawMessage `json:"parameters"`
	Oneway     bool            `json:"oneway,omitempty"`
}

// Server serves registered interfaces.
type Server struct {
	info        Info
	logger      logging.Printer
	services    map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	registry      registry.Registry
	advertiseAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithInfo sets the vendor, product, version and url reported by GetInfo.
func WithInfo(vendor, product, version, url string) Option {
	return func(s *Server) {
		s.info = Info{Vendor: vendor, Product: product, Version: version, URL: url}
	}
}

// WithLogger sets the server's logger.
func WithLogger(l logging.Printer) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server with no interfaces besides org.varlink.service.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:   logging.Discard(),
		services: make(map[string]*service),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register serves rcvr's methods under the interface name iface.
func (s *Server) Register(iface string, rcvr any) error {
	if iface == "" || iface == ServiceInterface || strings.ContainsAny(iface, " /") {
		return fmt.Errorf("invalid interface name %q", iface)
	}
	svc, err := newService(iface, rcvr)
	if err != nil {
		return err
	}
	s.services[iface] = svc
	return nil
}

// Use appends a middleware. Call before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Interfaces returns every served interface name, sorted.
func (s *Server) Interfaces() []string {
	names := []string{ServiceInterface}
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve listens on the unix socket path, replacing a stale socket file, and
// serves until Shutdown. With a registry, every interface is registered
// under the socket path with a lease of ttl seconds.
func (s *Server) Serve(socket string, reg registry.Registry, ttl int64) error {
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	return s.ServeListener(ln, socket, reg, ttl)
}

// ServeListener serves connections from ln. advertiseAddr is what gets
// registered; reg may be nil.
func (s *Server) ServeListener(ln net.Listener, advertiseAddr string, reg registry.Registry, ttl int64) error {
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.mu.Lock()
	s.listener = ln
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.mu.Unlock()
	if s.shutdown.Load() {
		ln.Close()
		return nil
	}

	if reg != nil {
		for iface := range s.services {
			if err := reg.Register(iface, registry.ServiceInstance{Addr: advertiseAddr, Version: s.info.Version}, ttl); err != nil {
				ln.Close()
				return fmt.Errorf("register %s: %w", iface, err)
			}
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn answers requests on conn one at a time, in arrival order.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		body, err := protocol.ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				s.logger.Printf("read request: %v", err)
			}
			return
		}
		if err := s.handleRequest(conn, body); err != nil {
			s.logger.Printf("%v", err)
			return
		}
	}
}

// handleRequest returns an error when the connection must be dropped.
func (s *Server) handleRequest(conn net.Conn, body []byte) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return errors.New("server shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	var req request
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		return fmt.Errorf("invalid request: %q", body)
	}

	call := &message.Call{Method: req.Method}
	var reply *message.Reply
	if len(req.Parameters) > 0 && string(req.Parameters) != "null" {
		if err := json.Unmarshal(req.Parameters, &call.Parameters); err != nil {
			reply = message.NewErrorReply(message.ErrInvalidParameter)
		}
	}
	if reply == nil {
		reply = s.handler(context.Background(), call)
	}
	if req.Oneway {
		return nil
	}

	out, err := json.Marshal(reply)
	if err != nil {
		s.logger.Printf("marshal reply for %s: %v", req.Method, err)
		out, _ = json.Marshal(message.NewErrorReply(err.Error()))
	}
	if err := protocol.WriteMessage(conn, out); err != nil {
		return fmt.Errorf("write reply for %s: %w", req.Method, err)
	}
	return nil
}

// dispatch is the innermost handler: it routes a call to the org.varlink.service
// built-ins or to a registered method.
func (s *Server) dispatch(ctx context.Context, call *message.Call) *message.Reply {
	iface := message.InterfaceOf(call.Method)
	name := strings.TrimPrefix(call.Method, iface+".")

	if iface == ServiceInterface {
		return s.serviceCall(name)
	}
	svc, ok := s.services[iface]
	if !ok {
		return message.NewErrorReply(message.ErrInterfaceNotFound)
	}
	method, ok := svc.method[name]
	if !ok {
		return message.NewErrorReply(message.ErrMethodNotFound)
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if len(call.Parameters) > 0 {
		data, err := json.Marshal(call.Parameters)
		if err == nil {
			err = json.Unmarshal(data, argv.Interface())
		}
		if err != nil {
			return message.NewErrorReply(message.ErrInvalidParameter)
		}
	}

	if err := svc.call(method, argv, replyv); err != nil {
		var remote *message.RemoteError
		if errors.As(err, &remote) {
			return message.NewErrorReply(remote.Value)
		}
		return message.NewErrorReply(err.Error())
	}

	raw, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.NewErrorReply(err.Error())
	}
	var params message.Parameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return message.NewErrorReply(fmt.Sprintf("%s: reply is not an object", call.Method))
	}
	return &message.Reply{Kind: message.ReplyParameters, Parameters: params, Raw: raw}
}

func (s *Server) serviceCall(name string) *message.Reply {
	switch name {
	case "GetInfo":
		info := s.info
		info.Interfaces = s.Interfaces()
		raw, _ := json.Marshal(info)
		var params message.Parameters
		_ = json.Unmarshal(raw, &params)
		return &message.Reply{Kind: message.ReplyParameters, Parameters: params, Raw: raw}
	default:
		return message.NewErrorReply(message.ErrMethodNotFound)
	}
}

// Shutdown stops the server:
//  1. deregister from the registry so clients stop picking this endpoint
//  2. close the listener
//  3. wait up to timeout for in-flight requests
//  4. close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	reg, addr := s.registry, s.advertiseAddr
	s.mu.Unlock()
	if reg != nil {
		for iface := range s.services {
			if err := reg.Deregister(iface, addr); err != nil {
				s.logger.Printf("deregister %s: %v", iface, err)
			}
		}
	}

	// The flag goes first so Serve sees the Accept error as intentional.
	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}
