package mssql

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdskit/mssql/msdsn"
)

type testServer struct {
	t    *testing.T
	conn net.Conn
	buf  *tdsBuffer
}

func newTestConn(t *testing.T) (*Conn, *testServer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := &Conn{
		state:     stateReady,
		stmtCache: newStmtCache(0),
		sess:      &tdsSession{buf: newTdsBuffer(4096, client), packetSize: 4096},
	}
	return c, &testServer{t: t, conn: server, buf: newTdsBuffer(4096, server)}
}

func (s *testServer) readRequest() (packetType, []byte) {
	pt, data, err := s.tryReadRequest()
	if err != nil {
		s.t.Errorf("server read request: %v", err)
		return 0, nil
	}
	return pt, data
}

// tryReadRequest is for server loops that stop when the client hangs
// up.
func (s *testServer) tryReadRequest() (packetType, []byte, error) {
	pt, err := s.buf.BeginRead()
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(s.buf)
	if err != nil {
		return 0, nil, err
	}
	return pt, data, nil
}

func (s *testServer) respond(payload []byte) {
	s.buf.BeginPacket(packReply, false)
	if _, err := s.buf.Write(payload); err != nil {
		s.t.Errorf("server write: %v", err)
	}
	if err := s.buf.FinishPacket(); err != nil {
		s.t.Errorf("server flush: %v", err)
	}
}

func envChangeBeginTran(tranid uint64) []byte {
	var body []byte
	body = append(body, envTypBeginTran)
	body = append(body, 8)
	body = append64(body, tranid)
	body = append(body, 0)
	b := []byte{byte(tokenEnvChange)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}

func envChangeCommitTran() []byte {
	var body []byte
	body = append(body, envTypCommitTran)
	body = append(body, 0)
	body = append(body, 0)
	b := []byte{byte(tokenEnvChange)}
	b = append16(b, uint16(len(body)))
	return append(b, body...)
}

func returnValueIntToken(handle int32) []byte {
	var b []byte
	b = append(b, byte(tokenReturnValue))
	b = append16(b, 0)          // ordinal
	b = append(b, 0)            // empty name
	b = append(b, 1)            // status: output value
	b = append32(b, 0)          // usertype
	b = append16(b, 0)          // flags
	b = append(b, typeIntN, 4)  // type info
	b = append(b, 4)            // value length
	return append32(b, uint32(handle))
}

// rpcProcID digs the well-known procedure id out of an RPC request.
func rpcProcID(t *testing.T, data []byte) uint16 {
	t.Helper()
	require.GreaterOrEqual(t, len(data), 8)
	headerLen := binary.LittleEndian.Uint32(data[:4])
	require.Greater(t, len(data), int(headerLen)+4)
	rest := data[headerLen:]
	require.Equal(t, uint16(0xffff), binary.LittleEndian.Uint16(rest[:2]), "expected proc-by-id form")
	return binary.LittleEndian.Uint16(rest[2:4])
}

func TestConnRejectsIllegalOperations(t *testing.T) {
	ctx := context.Background()

	c := &Conn{state: stateLoginSent, stmtCache: newStmtCache(0), sess: &tdsSession{}}
	_, err := c.Query(ctx, "SELECT 1")
	var perr ProtocolError
	assert.ErrorAs(t, err, &perr, "query before login must be rejected pre-wire")

	c.state = stateClosed
	_, err = c.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnClosed)

	c.state = stateReady
	var terr TransactionError
	assert.ErrorAs(t, c.Commit(ctx), &terr, "commit outside a transaction")
	assert.ErrorAs(t, c.Rollback(ctx), &terr)

	var iderr InvalidIdentifierError
	assert.ErrorAs(t, c.Savepoint(ctx, "bad name"), &iderr)
}

func TestQueryStreamAndDrain(t *testing.T) {
	c, srv := newTestConn(t)
	go func() {
		pt, _ := srv.readRequest()
		if pt != packSQLBatch {
			srv.t.Errorf("expected SQLBatch, got %v", pt)
		}
		payload := colMetadataInt4(2)
		payload = append(payload, rowTokenInt4(1, 2)...)
		payload = append(payload, rowTokenInt4(3, 4)...)
		payload = append(payload, doneToken(doneCount, 2)...)
		srv.respond(payload)
	}()

	rows, err := c.Query(context.Background(), "SELECT a, b FROM t")
	require.NoError(t, err)
	assert.Equal(t, "streaming", c.State())

	var got [][2]int64
	for rows.Next() {
		row := rows.Row()
		a, _ := row.Int(0)
		b, _ := row.Int(1)
		got = append(got, [2]int64{a, b})
	}
	assert.NoError(t, rows.Close())
	assert.Equal(t, [][2]int64{{1, 2}, {3, 4}}, got)
	assert.Equal(t, []string{"c0", "c1"}, rows.Columns())
	assert.Equal(t, "ready", c.State())
	assert.False(t, c.ResetRequired())
}

func TestQueryWhileStreamingFails(t *testing.T) {
	c, srv := newTestConn(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.readRequest()
		srv.respond(doneToken(doneFinal, 0))
	}()

	rows, err := c.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	_, err = c.Query(context.Background(), "SELECT 2")
	assert.ErrorIs(t, err, ErrMessageInProgress)

	assert.NoError(t, rows.Close())
	<-done
}

// Scenario: a long SELECT is cancelled after the first row. Exactly one
// Attention goes out, the stream drains to a DONE with the ATTN bit,
// and the connection is reusable without a reset.
func TestCancellation(t *testing.T) {
	c, srv := newTestConn(t)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		pt, _ := srv.readRequest()
		if pt != packSQLBatch {
			srv.t.Errorf("expected SQLBatch, got %v", pt)
		}
		// Partial response: metadata and one row, no EOM yet.
		srv.buf.BeginPacket(packReply, false)
		payload := colMetadataInt4(1)
		payload = append(payload, rowTokenInt4(1)...)
		if _, err := srv.buf.Write(payload); err != nil {
			srv.t.Errorf("server write: %v", err)
		}
		if err := srv.buf.flush(); err != nil {
			srv.t.Errorf("server flush: %v", err)
		}
		// Exactly one attention packet must arrive.
		pt, _ = srv.readRequest()
		if pt != packAttention {
			srv.t.Errorf("expected Attention, got %v", pt)
		}
		// Acknowledge with the final DONE carrying the ATTN bit.
		if _, err := srv.buf.Write(doneToken(doneAttn, 0)); err != nil {
			srv.t.Errorf("server write: %v", err)
		}
		if err := srv.buf.FinishPacket(); err != nil {
			srv.t.Errorf("server finish: %v", err)
		}
	}()

	rows, err := c.Query(context.Background(), "SELECT n FROM big_table")
	require.NoError(t, err)

	require.True(t, rows.Next(), "first row arrives before cancellation")
	v, _ := rows.Row().Int(0)
	assert.Equal(t, int64(1), v)

	rows.Cancel()
	rows.Cancel() // idempotent: at most one Attention on the wire

	for rows.Next() {
	}
	assert.True(t, rows.Canceled())
	assert.ErrorIs(t, rows.Err(), context.Canceled)

	<-serverDone
	assert.Equal(t, "ready", c.State())
	assert.False(t, c.ResetRequired(), "clean attention drain needs no reset")
	assert.False(t, c.Bad())
}

// Attention with no outstanding message is a no-op.
func TestCancelIdleIsNoop(t *testing.T) {
	c, srv := newTestConn(t)
	c.sendAttentionOnce(context.Background())
	assert.False(t, c.attnSent)

	// The connection still works afterwards.
	go func() {
		srv.readRequest()
		srv.respond(doneToken(doneCount, 0))
	}()
	_, err := c.Exec(context.Background(), "SELECT 1")
	assert.NoError(t, err)
}

func TestPreparedStatementFlow(t *testing.T) {
	c, srv := newTestConn(t)
	c.stmtCache = newStmtCache(2)

	var procSeq []uint16
	go func() {
		handle := int32(100)
		for {
			pt, data, err := srv.tryReadRequest()
			if err != nil || pt != packRPCRequest {
				return
			}
			proc := rpcProcID(srv.t, data)
			procSeq = append(procSeq, proc)
			switch proc {
			case sp_Prepare.id:
				handle++
				payload := returnValueIntToken(handle)
				payload = append(payload, doneToken(doneFinal, 0)...)
				srv.respond(payload)
			case sp_Execute.id:
				payload := colMetadataInt4(1)
				payload = append(payload, rowTokenInt4(1)...)
				payload = append(payload, doneToken(doneCount, 1)...)
				srv.respond(payload)
			case sp_Unprepare.id:
				srv.respond(doneToken(doneFinal, 0))
			}
		}
	}()

	ctx := context.Background()
	exec := func(query string) {
		res, err := c.Exec(ctx, query, int32(7))
		require.NoError(t, err)
		n, ok := res.RowsAffected()
		assert.True(t, ok)
		assert.Equal(t, int64(1), n)
		assert.LessOrEqual(t, c.StmtCacheLen(), 2)
	}

	exec("SELECT @p1 AS a") // A: miss
	exec("SELECT @p1 AS b") // B: miss
	exec("SELECT @p1 AS a") // A: hit
	exec("SELECT @p1 AS c") // C: miss, evicts B

	expected := []uint16{
		sp_Prepare.id, sp_Execute.id, // A prepared then executed
		sp_Prepare.id, sp_Execute.id, // B prepared then executed
		sp_Execute.id,                // A cache hit
		sp_Unprepare.id, sp_Prepare.id, sp_Execute.id, // B evicted before C is prepared
	}
	assert.Equal(t, expected, procSeq)
}

func TestTransactionLifecycle(t *testing.T) {
	c, srv := newTestConn(t)
	go func() {
		// BEGIN
		pt, _ := srv.readRequest()
		if pt != packTransMgrReq {
			srv.t.Errorf("expected TransMgrReq, got %v", pt)
		}
		payload := envChangeBeginTran(0xABCDEF)
		payload = append(payload, doneToken(doneFinal, 0)...)
		srv.respond(payload)
		// SAVE
		srv.readRequest()
		srv.respond(doneToken(doneFinal, 0))
		// COMMIT
		srv.readRequest()
		payload = envChangeCommitTran()
		payload = append(payload, doneToken(doneFinal, 0)...)
		srv.respond(payload)
	}()

	ctx := context.Background()
	require.NoError(t, c.Begin(ctx))
	assert.Equal(t, "in-transaction", c.State())
	assert.True(t, c.InTransaction())
	assert.True(t, c.ResetRequired(), "a live transaction blocks pool reuse")

	var terr TransactionError
	assert.ErrorAs(t, c.Begin(ctx), &terr, "no nested transactions")

	require.NoError(t, c.Savepoint(ctx, "sp1"))

	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, "ready", c.State())
	assert.False(t, c.InTransaction())
}

func TestConnectHandshakeAndRouting(t *testing.T) {
	// A scripted server that answers prelogin and then routes the
	// login elsewhere, forever. The redirect bound must trip.
	dials := 0
	dialer := scriptedDialer(t, func(srv *testServer) {
		dials++
		pt, _ := srv.readRequest()
		if pt != packPrelogin {
			srv.t.Errorf("expected prelogin, got %v", pt)
		}
		fields := map[uint8][]byte{
			preloginVERSION:    {0, 0, 0, 0, 0, 0},
			preloginENCRYPTION: {encryptNotSup},
		}
		w := srv.buf
		if err := writePrelogin(packReply, w, fields); err != nil {
			srv.t.Errorf("prelogin response: %v", err)
		}
		pt, _ = srv.readRequest()
		if pt != packLogin7 {
			srv.t.Errorf("expected login7, got %v", pt)
		}
		payload := envChangeRouting("other.example.com", 11000)
		payload = append(payload, doneToken(doneFinal, 0)...)
		srv.respond(payload)
	})

	connector := NewConnectorConfig(msdsn.Config{
		Host:         "first.example.com",
		User:         "sa",
		Encryption:   msdsn.EncryptionDisabled,
		MaxRedirects: 3,
		NoTraceID:    true,
	})
	connector.Dialer = dialer
	connector.RetryPolicy = RetryPolicy{}

	_, err := connector.Connect(context.Background())
	var tmr TooManyRedirectsError
	if assert.ErrorAs(t, err, &tmr) {
		assert.Equal(t, 3, tmr.Max)
	}
	assert.Equal(t, 4, dials, "initial attempt plus three redirects")
}

func TestConnectHandshakeSuccess(t *testing.T) {
	dialer := scriptedDialer(t, func(srv *testServer) {
		srv.readRequest() // prelogin
		fields := map[uint8][]byte{
			preloginVERSION:    {0, 0, 0, 0, 0, 0},
			preloginENCRYPTION: {encryptNotSup},
		}
		if err := writePrelogin(packReply, srv.buf, fields); err != nil {
			srv.t.Errorf("prelogin response: %v", err)
		}
		srv.readRequest() // login7
		payload := envChangeDatabase("appdb", "master")
		payload = append(payload, loginAckToken("Microsoft SQL Server")...)
		payload = append(payload, doneToken(doneFinal, 0)...)
		srv.respond(payload)
	})

	connector := NewConnectorConfig(msdsn.Config{
		Host:       "db.example.com",
		User:       "sa",
		Password:   "secret",
		Database:   "master",
		Encryption: msdsn.EncryptionDisabled,
		NoTraceID:  true,
	})
	connector.Dialer = dialer
	connector.RetryPolicy = RetryPolicy{}

	conn, err := connector.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", conn.State())
	assert.Equal(t, "appdb", conn.Database())
	assert.Equal(t, "Microsoft SQL Server", conn.sess.loginAck.ProgName)
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// scriptedDialer hands out one pipe per dial, with the server side
// driven by script in a goroutine.
func scriptedDialer(t *testing.T, script func(*testServer)) Dialer {
	return dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		t.Cleanup(func() {
			client.Close()
			server.Close()
		})
		srv := &testServer{t: t, conn: server, buf: newTdsBuffer(4096, server)}
		go script(srv)
		return client, nil
	})
}

func TestTimeoutConnSetsDeadlines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	tc := newTimeoutConn(client, 10*time.Millisecond)
	buf := make([]byte, 1)
	_, err := tc.Read(buf)
	assert.Error(t, err, "read with nobody writing must hit the deadline")
}
