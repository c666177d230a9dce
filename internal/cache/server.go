package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
)

// Serve accepts connections on l and answers protocol requests against d
// until l is closed.
func Serve(l net.Listener, d Durable, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go handleConn(conn, d)
	}
}

func handleConn(conn net.Conn, d Durable) {
	defer conn.Close()
	ctx := context.Background()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		_ = enc.Encode(dispatch(ctx, d, req))
	}
}

func dispatch(ctx context.Context, d Durable, req Request) Response {
	switch req.Op {
	case OpGet:
		v, err := d.Get(ctx, req.Key)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Value: v}
	case OpPut:
		if err := d.Put(ctx, req.Key, req.Value); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case OpDelete:
		if err := d.Delete(ctx, req.Key); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case OpKeys:
		keys, err := d.Keys(ctx)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Keys: keys}
	default:
		return Response{Error: "unknown op"}
	}
}
