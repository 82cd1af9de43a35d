package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mini-varlink/client"
	"mini-varlink/message"
	"mini-varlink/middleware"
	"mini-varlink/protocol"
	"mini-varlink/registry"
	"mini-varlink/transport"
)

type AddIn struct {
	A int `json:"a"`
	B int `json:"b"`
}

type AddOut struct {
	Sum int `json:"sum"`
}

type Arith struct{}

func (a *Arith) Add(in *AddIn, out *AddOut) error {
	out.Sum = in.A + in.B
	return nil
}

func (a *Arith) Fail(in *AddIn, out *AddOut) error {
	return &message.RemoteError{Value: map[string]any{"name": "org.example.arith.Overflow", "limit": 10}}
}

func (a *Arith) Broken(in *AddIn, out *AddOut) error {
	return errors.New("broken")
}

func (a *Arith) Slow(in *AddIn, out *AddOut) error {
	time.Sleep(200 * time.Millisecond)
	out.Sum = in.A
	return nil
}

// NotAMethod has the wrong shape and is not exported over varlink.
func (a *Arith) NotAMethod(x int) int { return x }

func socketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startServer(t testing.TB, reg registry.Registry, mws ...middleware.Middleware) (*Server, string) {
	t.Helper()
	svr := NewServer(WithInfo("mini-varlink", "test", "0.1.0", "https://example.org"))
	if err := svr.Register("org.example.arith", &Arith{}); err != nil {
		t.Fatal(err)
	}
	for _, mw := range mws {
		svr.Use(mw)
	}
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln, path, reg, 10)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, path
}

type rawConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, path string) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawConn) send(t *testing.T, req string) {
	t.Helper()
	if err := protocol.WriteMessage(c.conn, []byte(req)); err != nil {
		t.Fatal(err)
	}
}

func (c *rawConn) recv(t *testing.T) map[string]any {
	t.Helper()
	body, err := protocol.ReadMessage(c.r)
	if err != nil {
		t.Fatal(err)
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatalf("reply %q: %v", body, err)
	}
	return reply
}

func TestServerReplies(t *testing.T) {
	_, path := startServer(t, nil)
	c := dialRaw(t, path)

	tests := []struct {
		req       string
		wantError any
		wantSum   float64
	}{
		{req: `{"method":"org.example.arith.Add","parameters":{"a":1,"b":2}}`, wantSum: 3},
		{req: `{"method":"org.example.arith.Add"}`, wantSum: 0},
		{req: `{"method":"org.example.arith.Nope","parameters":{}}`, wantError: message.ErrMethodNotFound},
		{req: `{"method":"org.example.none.Add","parameters":{}}`, wantError: message.ErrInterfaceNotFound},
		{req: `{"method":"org.example.arith.Add","parameters":{"a":"x"}}`, wantError: message.ErrInvalidParameter},
		{req: `{"method":"org.example.arith.Add","parameters":[1]}`, wantError: message.ErrInvalidParameter},
		{req: `{"method":"org.example.arith.Broken","parameters":{}}`, wantError: "broken"},
	}
	for _, tt := range tests {
		c.send(t, tt.req)
		reply := c.recv(t)
		if tt.wantError != nil {
			if reply["error"] != tt.wantError {
				t.Errorf("%s: error = %v, want %v", tt.req, reply["error"], tt.wantError)
			}
			if _, ok := reply["parameters"]; ok {
				t.Errorf("%s: error reply carries parameters", tt.req)
			}
			continue
		}
		params, _ := reply["parameters"].(map[string]any)
		if params["sum"] != tt.wantSum {
			t.Errorf("%s: reply = %v, want sum %v", tt.req, reply, tt.wantSum)
		}
	}
}

func TestServerStructuredError(t *testing.T) {
	_, path := startServer(t, nil)
	c := dialRaw(t, path)
	c.send(t, `{"method":"org.example.arith.Fail","parameters":{}}`)
	errValue, ok := c.recv(t)["error"].(map[string]any)
	if !ok || errValue["name"] != "org.example.arith.Overflow" || errValue["limit"] != float64(10) {
		t.Fatalf("structured error not sent verbatim: %v", errValue)
	}
}

func TestServerOneway(t *testing.T) {
	_, path := startServer(t, nil)
	c := dialRaw(t, path)
	c.send(t, `{"method":"org.example.arith.Add","parameters":{"a":1},"oneway":true}`)
	c.send(t, `{"method":"org.example.arith.Add","parameters":{"a":5}}`)
	params := c.recv(t)["parameters"].(map[string]any)
	if params["sum"] != float64(5) {
		t.Fatalf("oneway call should not be answered, got %v", params)
	}
}

func TestServerGetInfo(t *testing.T) {
	_, path := startServer(t, nil)
	c := dialRaw(t, path)
	c.send(t, `{"method":"org.varlink.service.GetInfo","parameters":{}}`)
	params := c.recv(t)["parameters"].(map[string]any)
	if params["vendor"] != "mini-varlink" || params["version"] != "0.1.0" {
		t.Fatalf("unexpected info %v", params)
	}
	ifaces := params["interfaces"].([]any)
	if len(ifaces) != 2 || ifaces[0] != "org.example.arith" || ifaces[1] != ServiceInterface {
		t.Fatalf("unexpected interfaces %v", ifaces)
	}
}

func TestServerInvalidRequestDropsConnection(t *testing.T) {
	_, path := startServer(t, nil)
	c := dialRaw(t, path)
	c.send(t, `not json`)
	if _, err := protocol.ReadMessage(c.r); err == nil {
		t.Fatal("expect connection to close")
	}
}

func TestServerMiddleware(t *testing.T) {
	_, path := startServer(t, nil, middleware.Timeout(50*time.Millisecond))
	c := dialRaw(t, path)
	c.send(t, `{"method":"org.example.arith.Slow","parameters":{"a":1}}`)
	if got := c.recv(t)["error"]; got != message.ErrTimeout {
		t.Fatalf("expect timeout, got %v", got)
	}
}

func TestRegisterRejects(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("org.example.arith", Arith{}); err == nil {
		t.Error("expect error for non-pointer receiver")
	}
	if err := svr.Register(ServiceInterface, &Arith{}); err == nil {
		t.Error("expect error for reserved interface")
	}
	if err := svr.Register("org.example.empty", &struct{}{}); err == nil {
		t.Error("expect error for receiver without methods")
	}
}

func TestServerRegistersAndDeregisters(t *testing.T) {
	reg := registry.NewStatic()
	svr, path := startServer(t, reg)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if instances, err := reg.Discover("org.example.arith"); err == nil && instances[0].Addr == path {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not register")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Discover("org.example.arith"); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect deregistered, got %v", err)
	}
}

// The client side end to end: a sequencer over a real unix socket.
func TestSequencerAgainstServer(t *testing.T) {
	_, path := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := transport.OpenUnix(ctx, transport.DefaultOptions(path))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	seq := client.NewSequencer(ch)

	params, err := seq.Do(ctx, "org.example.arith.Add", message.Parameters{"a": 20, "b": 22})
	if err != nil {
		t.Fatal(err)
	}
	if params["sum"] != float64(42) {
		t.Fatalf("unexpected reply %v", params)
	}

	_, err = seq.Do(ctx, "org.example.arith.Nope", nil)
	var remote *message.RemoteError
	if !errors.As(err, &remote) || remote.Name() != message.ErrMethodNotFound {
		t.Fatalf("expect MethodNotFound, got %v", err)
	}

	outcome, err := seq.Call("org.example.arith.Slow", message.Parameters{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()
	<-outcome.Done()
	var closeErr *message.TransportCloseError
	if !errors.As(outcome.Err(), &closeErr) || closeErr.Problem != transport.ProblemTerminated {
		t.Fatalf("expect terminated close, got %v", outcome.Err())
	}
}
