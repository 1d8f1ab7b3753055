// Package agent serves the DDM chunk protocol to monitoring clients. It
// dispatches request chunks to the bridge entry points and relays the
// unsolicited chunks the debugger posts (thread lifecycle, heap info).
package agent

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/ddmkit-dev/ddmvm-go/internal/bridge"
	"github.com/ddmkit-dev/ddmvm-go/internal/ddmwire"
)

// Protocol version reported in the HELO response.
const serverProtocolVersion = 1

// FAIL chunk error codes.
const (
	failErrUnknownType uint32 = iota + 1
	failErrInvalidPayload
	failErrNotFound
	failErrUnavailable
)

// Config carries the identity the agent reports to clients.
type Config struct {
	Ident    string
	AppName  string
	Features []string
	Logger   log.Logger
}

// Agent accepts client connections and speaks the chunk protocol over them.
// It implements debugger.ChunkSink so the debugger can push chunks to every
// connected client.
type Agent struct {
	bridge      *bridge.VMBridge
	cfg         Config
	fingerprint uuid.UUID
	hash        binaryHashOnce

	mu struct {
		sync.Mutex
		conns map[*clientConn]struct{}
	}
}

type binaryHashOnce struct {
	sync.Once
	hash string
	err  error
}

// clientConn serializes chunk writes to one client.
type clientConn struct {
	writeMu sync.Mutex
	c       net.Conn
}

func (cc *clientConn) writeChunk(chunk ddmwire.Chunk) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return ddmwire.WriteChunk(cc.c, chunk)
}

// New constructs an Agent serving b.
func New(b *bridge.VMBridge, cfg Config) (*Agent, error) {
	fingerprint, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}
	a := &Agent{bridge: b, cfg: cfg, fingerprint: fingerprint}
	a.mu.conns = make(map[*clientConn]struct{})
	return a, nil
}

// Serve accepts connections from l until ctx is done or the listener fails.
func (a *Agent) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		a.closeConns()
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			c, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to accept: %w", err)
			}
			cc := &clientConn{c: c}
			a.addConn(cc)
			go a.handleConn(cc)
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) addConn(cc *clientConn) {
	a.mu.Lock()
	a.mu.conns[cc] = struct{}{}
	a.mu.Unlock()
	a.cfg.Logger.Info().
		Str("remote", cc.c.RemoteAddr().String()).
		Str("session", a.fingerprint.String()).
		Msg("DDM client connected")
}

func (a *Agent) removeConn(cc *clientConn) {
	a.mu.Lock()
	delete(a.mu.conns, cc)
	a.mu.Unlock()
	cc.c.Close()
}

func (a *Agent) closeConns() {
	a.mu.Lock()
	conns := make([]*clientConn, 0, len(a.mu.conns))
	for cc := range a.mu.conns {
		conns = append(conns, cc)
	}
	a.mu.Unlock()
	for _, cc := range conns {
		cc.c.Close()
	}
}

// PostChunk implements debugger.ChunkSink by fanning the chunk out to every
// connected client. Clients whose connection fails are dropped.
func (a *Agent) PostChunk(typ uint32, data []byte) {
	a.mu.Lock()
	conns := make([]*clientConn, 0, len(a.mu.conns))
	for cc := range a.mu.conns {
		conns = append(conns, cc)
	}
	a.mu.Unlock()

	for _, cc := range conns {
		if err := cc.writeChunk(ddmwire.Chunk{Type: typ, Data: data}); err != nil {
			a.cfg.Logger.Warn().Err(err).
				Str("chunk", ddmwire.TypeString(typ)).
				Msg("dropping client after failed chunk write")
			a.removeConn(cc)
		}
	}
}

func (a *Agent) handleConn(cc *clientConn) {
	defer a.removeConn(cc)
	r := bufio.NewReader(cc.c)
	for {
		chunk, err := ddmwire.ReadChunk(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.cfg.Logger.Warn().Err(err).Msg("failed to read chunk")
			}
			return
		}
		resp := a.dispatch(chunk)
		if resp == nil {
			continue
		}
		if err := cc.writeChunk(*resp); err != nil {
			a.cfg.Logger.Warn().Err(err).
				Str("chunk", ddmwire.TypeString(resp.Type)).
				Msg("failed to write response")
			return
		}
	}
}

// dispatch maps one request chunk to at most one response chunk. Requests
// that only mutate state produce no response; their observable effect is
// the chunks the debugger posts later.
func (a *Agent) dispatch(chunk ddmwire.Chunk) *ddmwire.Chunk {
	switch chunk.Type {
	case ddmwire.TypeHELO:
		return a.handleHELO(chunk.Data)
	case ddmwire.TypeFEAT:
		return a.handleFEAT()
	case ddmwire.TypeTHEN:
		if len(chunk.Data) < 1 {
			return failChunk(failErrInvalidPayload, "THEN payload requires 1 byte")
		}
		a.bridge.ThreadNotify(chunk.Data[0] != 0)
		return nil
	case ddmwire.TypeTHST:
		return a.handleTHST()
	case ddmwire.TypeSTKL:
		return a.handleSTKL(chunk.Data)
	case ddmwire.TypeREAE:
		if len(chunk.Data) < 1 {
			return failChunk(failErrInvalidPayload, "REAE payload requires 1 byte")
		}
		a.bridge.EnableRecentAllocations(chunk.Data[0] != 0)
		return nil
	case ddmwire.TypeREAQ:
		enabled := uint32(0)
		if a.bridge.GetRecentAllocationStatus() {
			enabled = 1
		}
		return &ddmwire.Chunk{Type: ddmwire.TypeREAQ, Data: ddmwire.Append1BE(nil, enabled)}
	case ddmwire.TypeREAL:
		buf := a.bridge.GetRecentAllocations()
		if buf == nil {
			return failChunk(failErrUnavailable, "allocation tracking is not enabled")
		}
		return &ddmwire.Chunk{Type: ddmwire.TypeREAL, Data: buf}
	case ddmwire.TypeHPIF:
		if len(chunk.Data) < 4 {
			return failChunk(failErrInvalidPayload, "HPIF payload requires 4 bytes")
		}
		when := int32(binary.BigEndian.Uint32(chunk.Data[0:4]))
		if a.bridge.HeapInfoNotify(when) == 0 {
			return failChunk(failErrInvalidPayload, "unknown HPIF when code")
		}
		return nil
	case ddmwire.TypeHPSG:
		if len(chunk.Data) < 9 {
			return failChunk(failErrInvalidPayload, "HPSG payload requires 9 bytes")
		}
		when := int32(binary.BigEndian.Uint32(chunk.Data[0:4]))
		what := int32(binary.BigEndian.Uint32(chunk.Data[4:8]))
		native := chunk.Data[8] != 0
		if a.bridge.HeapSegmentNotify(when, what, native) == 0 {
			return failChunk(failErrInvalidPayload, "unknown HPSG when/what code")
		}
		return nil
	default:
		a.cfg.Logger.Debug().
			Str("chunk", ddmwire.TypeString(chunk.Type)).
			Msg("unhandled chunk type")
		return failChunk(failErrUnknownType, "unhandled chunk type "+ddmwire.TypeString(chunk.Type))
	}
}

// handleHELO answers the handshake: u4 protocol version, u4 pid, u4 VM
// ident length, u4 app name length, then both strings in UTF-16BE.
func (a *Agent) handleHELO(data []byte) *ddmwire.Chunk {
	if len(data) >= 4 {
		clientVersion := binary.BigEndian.Uint32(data[0:4])
		a.cfg.Logger.Debug().Uint32("version", clientVersion).Msg("HELO from client")
	}
	var out []byte
	out = ddmwire.Append4BE(out, serverProtocolVersion)
	out = ddmwire.Append4BE(out, uint32(os.Getpid()))
	out = ddmwire.Append4BE(out, uint32(ddmwire.UTF16Units(a.cfg.Ident)))
	out = ddmwire.Append4BE(out, uint32(ddmwire.UTF16Units(a.cfg.AppName)))
	out = ddmwire.AppendUTF16BE(out, a.cfg.Ident)
	out = ddmwire.AppendUTF16BE(out, a.cfg.AppName)
	return &ddmwire.Chunk{Type: ddmwire.TypeHELO, Data: out}
}

// handleFEAT answers the feature list: u4 count, then per feature u4 length
// + UTF-16BE chars. The executable fingerprint rides along as a feature so
// clients can match the process against known builds.
func (a *Agent) handleFEAT() *ddmwire.Chunk {
	features := append([]string(nil), a.cfg.Features...)
	if hash, err := a.getBinaryHash(); err == nil {
		features = append(features, "binary-hash:"+hash)
	} else {
		a.cfg.Logger.Warn().Err(err).Msg("failed to hash executable")
	}

	var out []byte
	out = ddmwire.Append4BE(out, uint32(len(features)))
	for _, f := range features {
		out = ddmwire.Append4BE(out, uint32(ddmwire.UTF16Units(f)))
		out = ddmwire.AppendUTF16BE(out, f)
	}
	return &ddmwire.Chunk{Type: ddmwire.TypeFEAT, Data: out}
}

func (a *Agent) handleTHST() *ddmwire.Chunk {
	stats := a.bridge.GetThreadStats()
	if stats == nil {
		return failChunk(failErrUnavailable, "failed to allocate thread stats")
	}
	return &ddmwire.Chunk{Type: ddmwire.TypeTHST, Data: stats}
}

// handleSTKL answers a stack request: u4 thread id, u4 frame count, then
// per frame class/method/file strings (u4 length + UTF-16BE each) and a u4
// line number.
func (a *Agent) handleSTKL(data []byte) *ddmwire.Chunk {
	if len(data) < 4 {
		return failChunk(failErrInvalidPayload, "STKL payload requires 4 bytes")
	}
	threadID := binary.BigEndian.Uint32(data[0:4])
	frames := a.bridge.GetStackTraceByID(threadID)
	if frames == nil {
		return failChunk(failErrNotFound, fmt.Sprintf("no thread with id %d", threadID))
	}

	var out []byte
	out = ddmwire.Append4BE(out, threadID)
	out = ddmwire.Append4BE(out, uint32(len(frames)))
	for _, f := range frames {
		for _, s := range []string{f.Class, f.Method, f.File} {
			out = ddmwire.Append4BE(out, uint32(ddmwire.UTF16Units(s)))
			out = ddmwire.AppendUTF16BE(out, s)
		}
		out = ddmwire.Append4BE(out, uint32(f.Line))
	}
	return &ddmwire.Chunk{Type: ddmwire.TypeSTKL, Data: out}
}

// failChunk is the protocol's error shape: u4 error code, u4 message
// length, UTF-16BE message.
func failChunk(code uint32, msg string) *ddmwire.Chunk {
	var out []byte
	out = ddmwire.Append4BE(out, code)
	out = ddmwire.Append4BE(out, uint32(ddmwire.UTF16Units(msg)))
	out = ddmwire.AppendUTF16BE(out, msg)
	return &ddmwire.Chunk{Type: ddmwire.TypeFAIL, Data: out}
}

var hashKey [32]byte

func (a *Agent) getBinaryHash() (string, error) {
	a.hash.Once.Do(func() {
		a.hash.hash, a.hash.err = doHash()
	})
	return a.hash.hash, a.hash.err
}

func doHash() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	exeFile, err := os.Open(exe)
	if err != nil {
		return "", fmt.Errorf("failed to open executable at %s: %w", exe, err)
	}
	defer exeFile.Close()
	hasher, err := highwayhash.New64(hashKey[:])
	if err != nil {
		return "", fmt.Errorf("failed to create hasher: %w", err)
	}
	if _, err := io.Copy(hasher, bufio.NewReader(exeFile)); err != nil {
		return "", fmt.Errorf("failed to hash executable: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
