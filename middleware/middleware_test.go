package middleware

import (
	"context"
	"strings"
	"testing"
	"time"

	"mini-varlink/message"
)

type lines struct{ got []string }

func (l *lines) Printf(format string, v ...any) {
	l.got = append(l.got, format)
}

func okHandler(ctx context.Context, call *message.Call) *message.Reply {
	return message.NewParametersReply(message.Parameters{"method": call.Method})
}

func slowHandler(ctx context.Context, call *message.Call) *message.Reply {
	time.Sleep(200 * time.Millisecond)
	return okHandler(ctx, call)
}

func failHandler(ctx context.Context, call *message.Call) *message.Reply {
	return message.NewErrorReply("org.example.Failed")
}

var ping = &message.Call{Method: "org.example.ping.Ping"}

func TestLogging(t *testing.T) {
	log := &lines{}
	reply := Logging(log)(okHandler)(context.Background(), ping)
	if reply.Kind != message.ReplyParameters || reply.Parameters["method"] != ping.Method {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(log.got) != 1 {
		t.Fatalf("expect one log line, got %v", log.got)
	}

	log = &lines{}
	Logging(log)(failHandler)(context.Background(), ping)
	if len(log.got) != 2 || !strings.Contains(log.got[1], "error") {
		t.Fatalf("expect duration and error lines, got %v", log.got)
	}
}

func TestTimeoutPass(t *testing.T) {
	reply := Timeout(500*time.Millisecond)(okHandler)(context.Background(), ping)
	if reply.Kind != message.ReplyParameters {
		t.Fatalf("expect parameters, got %v", reply.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	reply := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), ping)
	if reply.Kind != message.ReplyError || reply.Error != message.ErrTimeout {
		t.Fatalf("expect %s, got %+v", message.ErrTimeout, reply)
	}
}

func TestRateLimit(t *testing.T) {
	// 1 per second with burst 2: two pass at once, the third is refused.
	handler := RateLimit(1, 2)(okHandler)
	for i := 0; i < 2; i++ {
		if reply := handler(context.Background(), ping); reply.Kind != message.ReplyParameters {
			t.Fatalf("request %d should pass, got %v", i, reply.Error)
		}
	}
	reply := handler(context.Background(), ping)
	if reply.Error != message.ErrRateLimited {
		t.Fatalf("request 3 should be rate limited, got %+v", reply)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Reply {
				order = append(order, name+">")
				reply := next(ctx, call)
				order = append(order, "<"+name)
				return reply
			}
		}
	}
	Chain(mark("a"), mark("b"))(okHandler)(context.Background(), ping)
	if got := strings.Join(order, " "); got != "a> b> <b <a" {
		t.Fatalf("unexpected order %q", got)
	}
}
