package agent

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/require"
	"unicode/utf16"

	"github.com/ddmkit-dev/ddmvm-go/internal/bridge"
	"github.com/ddmkit-dev/ddmvm-go/internal/ddmwire"
	"github.com/ddmkit-dev/ddmvm-go/internal/debugger"
	"github.com/ddmkit-dev/ddmvm-go/internal/taskstats"
	"github.com/ddmkit-dev/ddmvm-go/internal/vmcore"
)

func testLogger() log.Logger {
	return log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

type testHarness struct {
	vm   *vmcore.VM
	dbg  *debugger.Debugger
	conn net.Conn
}

func startAgent(t *testing.T) *testHarness {
	t.Helper()
	vm := vmcore.NewVM()
	dbg := debugger.New(vm, testLogger())
	vm.Threads().SetObserver(dbg)
	b := bridge.New(vm, dbg, bridge.NewHost(), taskstats.StaticProbe{})

	a, err := New(b, Config{
		Ident:    "DDM VM 1.0",
		AppName:  "testapp",
		Features: []string{"thread-stats", "recent-alloc"},
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	dbg.SetSink(a)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return &testHarness{vm: vm, dbg: dbg, conn: conn}
}

func (h *testHarness) send(t *testing.T, typ uint32, data []byte) {
	t.Helper()
	require.NoError(t, ddmwire.WriteChunk(h.conn, ddmwire.Chunk{Type: typ, Data: data}))
}

func (h *testHarness) recv(t *testing.T) ddmwire.Chunk {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	chunk, err := ddmwire.ReadChunk(h.conn)
	require.NoError(t, err)
	return chunk
}

func decodeUTF16BE(data []byte) string {
	units := make([]uint16, len(data)/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return string(utf16.Decode(units))
}

func readString(t *testing.T, data []byte, off int) (string, int) {
	t.Helper()
	require.LessOrEqual(t, off+4, len(data))
	units := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	require.LessOrEqual(t, off+2*units, len(data))
	return decodeUTF16BE(data[off : off+2*units]), off + 2*units
}

func TestHandshake(t *testing.T) {
	h := startAgent(t)
	h.send(t, ddmwire.TypeHELO, ddmwire.Append4BE(nil, 1))

	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeHELO), resp.Type)
	require.Equal(t, uint32(serverProtocolVersion), binary.BigEndian.Uint32(resp.Data[0:4]))
	require.NotZero(t, binary.BigEndian.Uint32(resp.Data[4:8]), "pid")

	identUnits := int(binary.BigEndian.Uint32(resp.Data[8:12]))
	nameUnits := int(binary.BigEndian.Uint32(resp.Data[12:16]))
	ident := decodeUTF16BE(resp.Data[16 : 16+2*identUnits])
	name := decodeUTF16BE(resp.Data[16+2*identUnits : 16+2*identUnits+2*nameUnits])
	require.Equal(t, "DDM VM 1.0", ident)
	require.Equal(t, "testapp", name)
}

func TestFeatureList(t *testing.T) {
	h := startAgent(t)
	h.send(t, ddmwire.TypeFEAT, nil)

	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeFEAT), resp.Type)
	count := int(binary.BigEndian.Uint32(resp.Data[0:4]))
	require.GreaterOrEqual(t, count, 2)

	features := make([]string, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		var f string
		f, off = readString(t, resp.Data, off)
		features = append(features, f)
	}
	require.Contains(t, features, "thread-stats")
	require.Contains(t, features, "recent-alloc")

	// The executable fingerprint rides along; go test binaries are real
	// files so hashing succeeds.
	var hashed bool
	for _, f := range features {
		if strings.HasPrefix(f, "binary-hash:") {
			hashed = true
			require.Len(t, strings.TrimPrefix(f, "binary-hash:"), 16)
		}
	}
	require.True(t, hashed)
}

func TestThreadStatsRequest(t *testing.T) {
	h := startAgent(t)
	h.vm.Threads().Attach("main", 0, false, nil)
	h.vm.Threads().Attach("worker", 0, true, nil)

	h.send(t, ddmwire.TypeTHST, nil)
	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeTHST), resp.Type)
	require.Equal(t, byte(4), resp.Data[0])
	require.Equal(t, byte(18), resp.Data[1])
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(resp.Data[2:4]))
	require.Len(t, resp.Data, 4+2*18)
}

func TestStackListRequest(t *testing.T) {
	h := startAgent(t)
	frames := []vmcore.StackFrame{
		{Class: "Lcom/example/Main;", Method: "main", File: "Main.java", Line: 10},
		{Class: "Lcom/example/Loop;", Method: "spin", File: "Loop.java", Line: 99},
	}
	target := h.vm.Threads().Attach("main", 0, false, func() []vmcore.StackFrame { return frames })

	// Miss first.
	h.send(t, ddmwire.TypeSTKL, ddmwire.Append4BE(nil, 0xffffffff))
	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeFAIL), resp.Type)
	require.Equal(t, failErrNotFound, binary.BigEndian.Uint32(resp.Data[0:4]))

	h.send(t, ddmwire.TypeSTKL, ddmwire.Append4BE(nil, target.ThinLockID()))
	resp = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeSTKL), resp.Type)
	require.Equal(t, target.ThinLockID(), binary.BigEndian.Uint32(resp.Data[0:4]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(resp.Data[4:8]))

	off := 8
	var class, method, file string
	class, off = readString(t, resp.Data, off)
	method, off = readString(t, resp.Data, off)
	file, off = readString(t, resp.Data, off)
	require.Equal(t, "Lcom/example/Main;", class)
	require.Equal(t, "main", method)
	require.Equal(t, "Main.java", file)
	require.Equal(t, uint32(10), binary.BigEndian.Uint32(resp.Data[off:off+4]))
}

func TestAllocationTrackingFlow(t *testing.T) {
	h := startAgent(t)
	main := h.vm.Threads().Attach("main", 0, false, nil)

	h.send(t, ddmwire.TypeREAQ, nil)
	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeREAQ), resp.Type)
	require.Equal(t, []byte{0x00}, resp.Data)

	h.send(t, ddmwire.TypeREAL, nil)
	resp = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeFAIL), resp.Type)
	require.Equal(t, failErrUnavailable, binary.BigEndian.Uint32(resp.Data[0:4]))

	// Enable, allocate, fetch.
	h.send(t, ddmwire.TypeREAE, []byte{0x01})
	h.send(t, ddmwire.TypeREAQ, nil)
	resp = h.recv(t)
	require.Equal(t, []byte{0x01}, resp.Data)

	h.dbg.RecordAllocation(main, "Ljava/lang/String;", 32)
	h.send(t, ddmwire.TypeREAL, nil)
	resp = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeREAL), resp.Type)
	require.Equal(t, uint16(1), binary.BigEndian.Uint16(resp.Data[3:5]))
}

func TestThreadNotificationFlow(t *testing.T) {
	h := startAgent(t)
	existing := h.vm.Threads().Attach("main", 0, false, nil)

	// Enabling replays THCR for already-live threads.
	h.send(t, ddmwire.TypeTHEN, []byte{0x01})
	chunk := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeTHCR), chunk.Type)
	require.Equal(t, existing.ThinLockID(), binary.BigEndian.Uint32(chunk.Data[0:4]))

	worker := h.vm.Threads().Attach("worker", 0, true, nil)
	chunk = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeTHCR), chunk.Type)
	require.Equal(t, worker.ThinLockID(), binary.BigEndian.Uint32(chunk.Data[0:4]))

	h.vm.Threads().Detach(worker)
	chunk = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeTHDE), chunk.Type)
	require.Equal(t, worker.ThinLockID(), binary.BigEndian.Uint32(chunk.Data))
}

func TestHeapNotifyRequests(t *testing.T) {
	h := startAgent(t)

	// HpifWhenNow produces an HPIF data chunk, not a direct response.
	h.send(t, ddmwire.TypeHPIF, ddmwire.Append4BE(nil, uint32(debugger.HpifWhenNow)))
	chunk := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeHPIF), chunk.Type)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(chunk.Data[0:4]), "heap count")

	// Unknown when code fails.
	h.send(t, ddmwire.TypeHPIF, ddmwire.Append4BE(nil, 99))
	chunk = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeFAIL), chunk.Type)

	// Native heap segment requests come back as NHSG.
	var payload []byte
	payload = ddmwire.Append4BE(payload, uint32(debugger.HpsgWhenEveryGC))
	payload = ddmwire.Append4BE(payload, uint32(debugger.HpsgWhatMergedObjects))
	payload = ddmwire.Append1BE(payload, 1)
	h.send(t, ddmwire.TypeHPSG, payload)
	chunk = h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeNHSG), chunk.Type)
}

func TestUnknownChunkType(t *testing.T) {
	h := startAgent(t)
	unknown := uint32('X')<<24 | uint32('X')<<16 | uint32('X')<<8 | uint32('X')
	h.send(t, unknown, nil)

	resp := h.recv(t)
	require.Equal(t, uint32(ddmwire.TypeFAIL), resp.Type)
	require.Equal(t, failErrUnknownType, binary.BigEndian.Uint32(resp.Data[0:4]))
	msg, _ := readString(t, resp.Data, 4)
	require.Contains(t, msg, "XXXX")
}

func TestMalformedPayloads(t *testing.T) {
	h := startAgent(t)
	for _, typ := range []uint32{ddmwire.TypeTHEN, ddmwire.TypeREAE, ddmwire.TypeSTKL, ddmwire.TypeHPIF, ddmwire.TypeHPSG} {
		h.send(t, typ, nil)
		resp := h.recv(t)
		require.Equal(t, uint32(ddmwire.TypeFAIL), resp.Type, ddmwire.TypeString(typ))
		require.Equal(t, failErrInvalidPayload, binary.BigEndian.Uint32(resp.Data[0:4]))
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	vm := vmcore.NewVM()
	dbg := debugger.New(vm, testLogger())
	b := bridge.New(vm, dbg, bridge.NewHost(), taskstats.StaticProbe{})
	a, err := New(b, Config{Logger: testLogger()})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, l) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}
}
