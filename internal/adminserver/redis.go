// Package adminserver exposes a read-only RESP introspection protocol
// over a running TileCache, grounded on nobletooth-kiwi's pkg/port RESP
// command dispatcher, generalized from a read/write KV protocol to a
// read-only cache-introspection one: no command here can mutate the
// cache, since the tile pipeline (not an operator typing commands) is
// the only caller meant to drive insertion and eviction.
package adminserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

type adminCommand struct {
	command string
	args    []string
}

type adminOutput struct {
	closeConnection bool
	writeNil        bool
	err             *string
	writeInt        *int
	writeString     string
}

func writeNil() adminOutput            { return adminOutput{writeNil: true} }
func writeInt(i int) adminOutput       { return adminOutput{writeInt: &i} }
func writeString(s string) adminOutput { return adminOutput{writeString: s} }
func writeErr(err error) adminOutput   { msg := "ERR " + err.Error(); return adminOutput{err: &msg} }
func closeConn(msg string) adminOutput { return adminOutput{writeString: msg, closeConnection: true} }

type handler struct {
	cache *tilecache.TileCache
}

func (h *handler) handle(cmd adminCommand) adminOutput {
	switch cmd.command {
	case "PING":
		return writeString("PONG")
	case "QUIT":
		return closeConn("OK")
	case "TILESLOADED":
		return writeInt(h.cache.NumTilesLoaded())
	case "CACHESLOADED":
		return writeInt(h.cache.NumCachesLoaded())
	case "GET":
		if len(cmd.args) != 1 {
			return writeErr(errors.New("wrong number of arguments for 'GET'"))
		}
		rec, ok := h.cache.GetCacheRecord(tilecache.CacheKey(cmd.args[0]))
		if !ok {
			return writeNil()
		}
		return writeString(fmt.Sprintf("format=%s tiles=%d loaded=%t", rec.Format(), rec.TileCount(), rec.Loaded()))
	case "SET", "DEL", "EXPIRE":
		return writeErr(fmt.Errorf("'%s' is a mutating command, not available on the admin port", cmd.command))
	default:
		return writeErr(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// Run starts the RESP server on addr and blocks until ctx is canceled
// or the server fails.
func Run(ctx context.Context, addr string, cache *tilecache.TileCache, logger *zap.Logger) error {
	h := &handler{cache: cache}

	srv := redcon.NewServerNetwork("tcp", addr,
		func(conn redcon.Conn, cmd redcon.Command) {
			command := adminCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			out := h.handle(command)
			switch {
			case out.err != nil:
				conn.WriteError(*out.err)
			case out.writeNil:
				conn.WriteNull()
			case out.writeInt != nil:
				conn.WriteInt(*out.writeInt)
			case out.closeConnection:
				conn.WriteString(out.writeString)
				if err := conn.Close(); err != nil {
					logger.Warn("admin server: failed to close connection", zap.Error(err))
				}
			default:
				conn.WriteString(out.writeString)
			}
		},
		func(conn redcon.Conn) bool { return true },
		func(conn redcon.Conn, err error) {},
	)

	errSignal := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errSignal <- err
		}
		close(errSignal)
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errSignal:
		return fmt.Errorf("admin server stopped unexpectedly: %w", err)
	}
}
