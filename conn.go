package mssql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tdskit/mssql/msdsn"
)

type connState int32

const (
	stateDisconnected connState = iota
	statePreLoginSent
	stateTLSHandshake
	stateLoginSent
	stateReady
	stateStreaming
	stateInTransaction
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case statePreLoginSent:
		return "prelogin-sent"
	case stateTLSHandshake:
		return "tls-handshake"
	case stateLoginSent:
		return "login-sent"
	case stateReady:
		return "ready"
	case stateStreaming:
		return "streaming"
	case stateInTransaction:
		return "in-transaction"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Connector holds everything needed to open connections: parsed
// configuration, the dialer, the optional authenticator and the retry
// policy applied to connection establishment.
type Connector struct {
	Config msdsn.Config

	// Dialer makes the network connection. Defaults to a parallel
	// multi-IP tcp dialer.
	Dialer Dialer

	// Authenticator, when set, drives the SSPI/fedauth exchange
	// during login. The core never looks inside the byte blocks.
	Authenticator Authenticator

	// RetryPolicy is applied to connection establishment. Transient
	// failures are retried with exponential backoff.
	RetryPolicy RetryPolicy

	// StmtCacheCapacity bounds each connection's prepared statement
	// cache. Zero means DefaultStmtCacheCapacity.
	StmtCacheCapacity int

	fedAuthLibrary  int
	fedAuthToken    string
	fedAuthWorkflow byte
	logger          ContextLogger
}

// SetFedAuthToken makes login carry a federated authentication security
// token (obtained out of band, e.g. from Azure AD) in a FEDAUTH feature
// extension block.
func (c *Connector) SetFedAuthToken(token string) {
	c.fedAuthLibrary = fedAuthLibrarySecurityToken
	c.fedAuthToken = token
}

// SetFedAuthADAL asks the server for an ADAL-style federated
// authentication exchange with the given workflow.
func (c *Connector) SetFedAuthADAL(workflow byte) {
	c.fedAuthLibrary = fedAuthLibraryADAL
	c.fedAuthWorkflow = workflow
}

// NewConnector parses a connection string and returns a Connector.
func NewConnector(dsn string) (*Connector, error) {
	cfg, err := msdsn.Parse(dsn)
	if err != nil {
		return nil, err
	}
	return NewConnectorConfig(cfg), nil
}

// NewConnectorConfig builds a Connector from an already parsed config.
func NewConnectorConfig(cfg msdsn.Config) *Connector {
	return &Connector{
		Config:         cfg,
		RetryPolicy:    DefaultRetryPolicy(),
		fedAuthLibrary: fedAuthLibraryReserved,
	}
}

// SetLogger sets a simple logger for connection diagnostics.
func (c *Connector) SetLogger(logger Logger) {
	c.logger = loggerAdapter{logger}
}

// SetContextLogger sets a context-aware logger.
func (c *Connector) SetContextLogger(logger ContextLogger) {
	c.logger = logger
}

// Connect opens, handshakes and authenticates a connection, following
// Azure routing redirects up to Config.MaxRedirects. Transient dial
// failures are retried per the connector's RetryPolicy.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	var conn *Conn
	err := c.RetryPolicy.Do(ctx, func() error {
		var err error
		conn, err = c.connectWithRedirects(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connector) connectWithRedirects(ctx context.Context) (*Conn, error) {
	p := c.Config
	maxRedirects := p.MaxRedirects
	for redirects := 0; ; redirects++ {
		conn := &Conn{
			connector: c,
			state:     stateDisconnected,
			stmtCache: newStmtCache(c.StmtCacheCapacity),
		}
		err := conn.connect(ctx, p)
		if err == nil {
			return conn, nil
		}
		var route RoutingError
		if errors.As(err, &route) {
			if redirects >= maxRedirects {
				return nil, TooManyRedirectsError{Max: maxRedirects}
			}
			// Replace the transport target and restart the whole
			// handshake against the node the server named.
			p.Host = route.Host
			p.Port = uint64(route.Port)
			p.Instance = ""
			continue
		}
		return nil, err
	}
}

// Conn is a single-owner connection to the server. It tracks the
// logical protocol state and rejects operations that are not legal in
// the current state before any wire traffic happens.
type Conn struct {
	connector *Connector
	sess      *tdsSession

	state  connState
	stream *Rows

	// resetRequired is set when an in-flight message was abandoned;
	// the pool refuses to reuse the connection until a reset succeeds.
	resetRequired bool
	// bad is set on protocol or transport failures and on server
	// errors of class >= 20: the connection must not be reused.
	bad bool

	stmtCache *stmtCache

	attnMu   sync.Mutex
	attnSent bool
}

// setState serialises state writes against the cancellation watcher,
// which reads the state from its own goroutine.
func (c *Conn) setState(s connState) {
	c.attnMu.Lock()
	c.state = s
	c.attnMu.Unlock()
}

// State returns the connection's logical state name, for diagnostics.
func (c *Conn) State() string { return c.state.String() }

// Database returns the connection's current database, tracked from
// ENVCHANGE tokens.
func (c *Conn) Database() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.database
}

// InTransaction reports whether the server started a transaction on
// this connection that has not been committed or rolled back.
func (c *Conn) InTransaction() bool {
	return c.sess != nil && c.sess.tranid != 0
}

// Bad reports whether the connection is poisoned and must be closed.
func (c *Conn) Bad() bool { return c.bad }

// ResetRequired reports whether the connection needs a server-side
// reset before it can be handed out again.
func (c *Conn) ResetRequired() bool {
	return c.resetRequired || c.InTransaction()
}

func (c *Conn) markBad() {
	c.bad = true
}

// checkOperational rejects operations that are illegal in the current
// state, before any bytes go out.
func (c *Conn) checkOperational(op string) error {
	switch c.state {
	case stateClosed:
		return ErrConnClosed
	case stateStreaming:
		return ErrMessageInProgress
	case stateReady, stateInTransaction:
		return nil
	}
	return protocolErrorf("%s is not valid while the connection is %s", op, c.state)
}

// Query sends a SQL batch (no args) or a prepared execution (with
// args) and returns the streaming result. The caller must drain or
// Close the returned Rows before issuing the next operation.
func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	if err := c.checkOperational("query"); err != nil {
		return nil, err
	}
	c.sess.LogF(ctx, msdsn.LogSQL, "%s", query)
	if len(args) == 0 {
		if err := sendSqlBatch72(c.sess.buf, query, c.sess.currentHeaders(), false); err != nil {
			c.markBad()
			return nil, err
		}
	} else {
		if err := c.sendPrepared(ctx, query, args); err != nil {
			return nil, err
		}
	}
	return c.beginStream(ctx), nil
}

// Exec runs a statement and drains the response, returning the row
// count of the final DONE when the server counted.
func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	rs, err := c.Query(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	defer rs.Close()
	for {
		for rs.Next() {
		}
		if !rs.NextResultSet() {
			break
		}
	}
	return Result{rowsAffected: rs.lastRowCount, hasCount: rs.hasRowCount}, rs.Err()
}

// Ping probes the connection with a trivial round trip.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Exec(ctx, "SELECT 1;")
	return err
}

// Reset asks the server to reset the session state: open transactions
// are rolled back, temp tables dropped, SET options restored. The
// request rides on the RESETCONNECTION status bit of the probe batch,
// which is how sp_reset_connection travels on the wire. Prepared
// handles are discarded locally first, because the server forgets them.
func (c *Conn) Reset(ctx context.Context) error {
	if c.state == stateClosed {
		return ErrConnClosed
	}
	if c.state == stateStreaming {
		return ErrMessageInProgress
	}
	c.stmtCache.clear()
	if err := sendSqlBatch72(c.sess.buf, "SELECT 1;", c.sess.currentHeaders(), true); err != nil {
		c.markBad()
		return err
	}
	rs := c.beginStream(ctx)
	if err := rs.Close(); err != nil {
		return err
	}
	// The server rolled back any open transaction as part of the
	// reset, whether or not it said so with an ENVCHANGE.
	c.sess.tranid = 0
	c.setState(stateReady)
	c.resetRequired = false
	return nil
}

// Close terminates the connection. Safe to call twice.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.setState(stateClosed)
	c.stmtCache.clear()
	if c.sess != nil && c.sess.buf != nil {
		return c.sess.buf.transport.Close()
	}
	return nil
}

// sendPrepared executes a parameterised statement through the prepared
// statement cache: a hit costs one sp_execute, a miss costs an
// sp_prepare round trip first. Evicted handles are unprepared on a
// best-effort basis.
func (c *Conn) sendPrepared(ctx context.Context, query string, args []interface{}) error {
	params := make([]param, len(args))
	sigParts := make([]string, len(args))
	for i, arg := range args {
		p, err := makeParam(fmt.Sprintf("@p%d", i+1), arg)
		if err != nil {
			return err
		}
		params[i] = p
		sigParts[i] = p.typeSignature()
	}
	key := stmtKey(query, strings.Join(sigParts, ","))

	handle, ok := c.stmtCache.get(key)
	if !ok {
		// Make room first: the evicted handle's sp_unprepare has to
		// reach the wire before the new statement's sp_prepare.
		if evicted, hasEvicted := c.stmtCache.evictIfFull(); hasEvicted {
			c.unprepare(ctx, evicted)
		}
		var err error
		handle, err = c.prepare(ctx, query, params)
		if err != nil {
			return err
		}
		c.stmtCache.put(key, handle)
	}

	rpcParams := make([]param, 0, len(params)+1)
	hp, _ := makeParam("", int32(handle))
	rpcParams = append(rpcParams, hp)
	rpcParams = append(rpcParams, params...)
	if err := sendRpc(c.sess.buf, c.sess.currentHeaders(), sp_Execute, 0, rpcParams, false); err != nil {
		c.markBad()
		return err
	}
	return nil
}

// prepare issues sp_prepare and pulls the handle out of the
// RETURNVALUE token.
func (c *Conn) prepare(ctx context.Context, query string, params []param) (int32, error) {
	decls := make([]string, len(params))
	for i, p := range params {
		decls[i] = p.Name + " " + p.sqlTypeName()
	}
	prepParams := []param{
		outputParam("", int4Type()), // @handle OUTPUT
	}
	declParam, _ := makeParam("", strings.Join(decls, ","))
	stmtParam, _ := makeParam("", query)
	prepParams = append(prepParams, declParam, stmtParam)

	if err := sendRpc(c.sess.buf, c.sess.currentHeaders(), sp_Prepare, 0, prepParams, false); err != nil {
		c.markBad()
		return 0, err
	}

	rs := c.beginStream(ctx)
	handle := int32(-1)
	haveHandle := false
	rs.onReturnValue = func(rv returnValueStruct) {
		if !rv.isNull && len(rv.Value) >= 4 && !haveHandle {
			handle = int32(uint32(rv.Value[0]) | uint32(rv.Value[1])<<8 | uint32(rv.Value[2])<<16 | uint32(rv.Value[3])<<24)
			haveHandle = true
		}
	}
	if err := rs.Close(); err != nil {
		return 0, err
	}
	if !haveHandle {
		return 0, protocolErrorf("sp_prepare did not return a handle")
	}
	c.sess.LogF(ctx, msdsn.LogDebug, "prepared handle %d", handle)
	return handle, nil
}

// unprepare releases a server handle. Failures are logged and
// swallowed: the handle dies with the session anyway.
func (c *Conn) unprepare(ctx context.Context, handle int32) {
	hp, _ := makeParam("", handle)
	if err := sendRpc(c.sess.buf, c.sess.currentHeaders(), sp_Unprepare, 0, []param{hp}, false); err != nil {
		c.markBad()
		c.sess.LogF(ctx, msdsn.LogErrors, "sp_unprepare(%d) send failed: %v", handle, err)
		return
	}
	rs := c.beginStream(ctx)
	if err := rs.Close(); err != nil {
		c.sess.LogF(ctx, msdsn.LogErrors, "sp_unprepare(%d) failed: %v", handle, err)
	}
}

// StmtCacheLen reports the number of cached prepared handles.
func (c *Conn) StmtCacheLen() int { return c.stmtCache.len() }

// Begin starts a transaction with the server's current isolation
// level.
func (c *Conn) Begin(ctx context.Context) error {
	return c.BeginIsolation(ctx, 0)
}

// BeginIsolation starts a transaction with an explicit isolation
// level byte as defined by the transaction manager request.
func (c *Conn) BeginIsolation(ctx context.Context, isolation uint8) error {
	if err := c.checkOperational("begin transaction"); err != nil {
		return err
	}
	if c.state == stateInTransaction {
		return TransactionError{Op: "begin transaction", State: c.state.String()}
	}
	if err := sendBeginXact(c.sess.buf, c.sess.currentHeaders(), isolation, "", false); err != nil {
		c.markBad()
		return err
	}
	if err := c.drainSimple(ctx); err != nil {
		return err
	}
	c.setState(stateInTransaction)
	return nil
}

// Commit commits the current transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.state != stateInTransaction {
		if c.state == stateStreaming {
			return ErrMessageInProgress
		}
		return TransactionError{Op: "commit", State: c.state.String()}
	}
	if err := sendCommitXact(c.sess.buf, c.sess.currentHeaders(), "", 0, 0, "", false); err != nil {
		c.markBad()
		return err
	}
	if err := c.drainSimple(ctx); err != nil {
		return err
	}
	c.setState(stateReady)
	return nil
}

// Rollback rolls back the current transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.state != stateInTransaction {
		if c.state == stateStreaming {
			return ErrMessageInProgress
		}
		return TransactionError{Op: "rollback", State: c.state.String()}
	}
	if err := sendRollbackXact(c.sess.buf, c.sess.currentHeaders(), "", 0, 0, "", false); err != nil {
		c.markBad()
		return err
	}
	if err := c.drainSimple(ctx); err != nil {
		return err
	}
	c.setState(stateReady)
	return nil
}

// Savepoint creates a named savepoint inside the current transaction.
func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if !validIdentifier(name) {
		return InvalidIdentifierError{Identifier: name}
	}
	if c.state != stateInTransaction {
		return TransactionError{Op: "savepoint", State: c.state.String()}
	}
	if err := sendSaveXact(c.sess.buf, c.sess.currentHeaders(), name, false); err != nil {
		c.markBad()
		return err
	}
	return c.drainSimple(ctx)
}

// RollbackTo rolls back to a named savepoint, keeping the transaction
// open.
func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if !validIdentifier(name) {
		return InvalidIdentifierError{Identifier: name}
	}
	if c.state != stateInTransaction {
		return TransactionError{Op: "rollback to savepoint", State: c.state.String()}
	}
	if err := sendRollbackXact(c.sess.buf, c.sess.currentHeaders(), name, 0, 0, "", false); err != nil {
		c.markBad()
		return err
	}
	return c.drainSimple(ctx)
}

// drainSimple drains a response that carries no result sets.
func (c *Conn) drainSimple(ctx context.Context) error {
	rs := c.beginStream(ctx)
	return rs.Close()
}

// beginStream transitions into Streaming and starts the token parser.
// A watcher turns context cancellation into an out-of-band Attention.
func (c *Conn) beginStream(ctx context.Context) *Rows {
	c.setState(stateStreaming)
	c.attnMu.Lock()
	c.attnSent = false
	c.attnMu.Unlock()
	ch := make(chan tokenStruct, 5)
	go processSingleResponse(ctx, c.sess, ch)
	rs := &Rows{conn: c, ctx: ctx, tokChan: ch, stop: make(chan struct{})}
	c.stream = rs
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.sendAttentionOnce(ctx)
			case <-rs.stop:
			}
		}()
	}
	return rs
}

func (c *Conn) endStream(rs *Rows) {
	if c.stream != rs {
		return
	}
	c.stream = nil
	rs.stopWatcher()
	if c.state == stateClosed {
		return
	}
	if c.InTransaction() {
		c.setState(stateInTransaction)
	} else {
		c.setState(stateReady)
	}
}

// sendAttentionOnce transmits one Attention packet for the current
// message. Repeated calls, and calls with no message outstanding, are
// no-ops.
func (c *Conn) sendAttentionOnce(ctx context.Context) {
	c.attnMu.Lock()
	defer c.attnMu.Unlock()
	if c.attnSent || c.state != stateStreaming {
		return
	}
	c.sess.LogF(ctx, msdsn.LogDebug, "sending attention")
	if err := sendAttention(c.sess.buf); err != nil {
		c.markBad()
		return
	}
	c.attnSent = true
}

// Result is the outcome of a drained statement.
type Result struct {
	rowsAffected int64
	hasCount     bool
}

// RowsAffected returns the row count of the final DONE. ok is false
// when the server did not set the COUNT flag; the count is undefined
// then and must not be used.
func (r Result) RowsAffected() (int64, bool) {
	if !r.hasCount {
		return 0, false
	}
	return r.rowsAffected, true
}

// Rows drives a response token stream. It is not safe for concurrent
// use; the owning goroutine keeps exclusive use of the connection
// until the stream is drained or closed.
type Rows struct {
	conn    *Conn
	ctx     context.Context
	tokChan chan tokenStruct
	stop    chan struct{}

	stopOnce sync.Once

	cols        []columnStruct
	pendingCols []columnStruct

	current Row
	hasRow  bool

	err         error
	doneReading bool
	attn        bool

	lastRowCount int64
	hasRowCount  bool

	// onReturnValue observes RETURNVALUE tokens; the prepare path uses
	// it to pull the statement handle out of the stream.
	onReturnValue func(returnValueStruct)
}

func (rs *Rows) stopWatcher() {
	rs.stopOnce.Do(func() { close(rs.stop) })
}

// Columns returns the column names of the current result set. Valid
// after the first Next call of the set.
func (rs *Rows) Columns() []string {
	names := make([]string, len(rs.cols))
	for i, col := range rs.cols {
		names[i] = col.ColName
	}
	return names
}

func (rs *Rows) releaseCurrent() {
	if rs.hasRow {
		rs.current.Release()
		rs.hasRow = false
	}
}

// Next advances to the next row of the current result set. The row
// returned by Row is valid until the next call to Next or Close unless
// cloned.
func (rs *Rows) Next() bool {
	if rs.doneReading || rs.pendingCols != nil {
		return false
	}
	rs.releaseCurrent()
	for tok := range rs.tokChan {
		switch t := tok.(type) {
		case []columnStruct:
			if rs.cols == nil {
				rs.cols = t
				continue
			}
			// A new COLMETADATA begins the next result set.
			rs.pendingCols = t
			return false
		case Row:
			rs.current = t
			rs.hasRow = true
			return true
		case doneStruct:
			rs.handleDone(t)
		case doneInProcStruct:
			rs.handleDone(doneStruct(t))
		case returnValueStruct:
			if rs.onReturnValue != nil {
				rs.onReturnValue(t)
			}
		case ReturnStatus, orderStruct, infoStruct, loginAckStruct, map[byte]interface{}, sspiStruct:
			// Not row data; keep draining.
		case StreamError:
			rs.err = t.InnerException
			rs.conn.markBad()
		case error:
			rs.err = t
			rs.conn.markBad()
		}
	}
	rs.finish()
	return false
}

// Row returns the current row.
func (rs *Rows) Row() Row { return rs.current }

// NextResultSet advances to the next result set, skipping any
// remaining rows of the current one.
func (rs *Rows) NextResultSet() bool {
	for rs.pendingCols == nil && !rs.doneReading {
		if !rs.Next() {
			break
		}
		rs.releaseCurrent()
	}
	if rs.pendingCols == nil {
		return false
	}
	rs.cols = rs.pendingCols
	rs.pendingCols = nil
	return true
}

func (rs *Rows) handleDone(done doneStruct) {
	if done.hasRowCount() {
		rs.lastRowCount = int64(done.RowCount)
		rs.hasRowCount = true
	}
	if done.attention() {
		rs.attn = true
		if rs.err == nil {
			if ctxErr := rs.ctx.Err(); ctxErr != nil {
				rs.err = ctxErr
			} else {
				rs.err = context.Canceled
			}
		}
	}
	if done.isError() && rs.err == nil {
		srvErr := done.getError()
		rs.err = srvErr
		if srvErr.ConnectionPoisoned() {
			rs.conn.markBad()
		}
	}
}

func (rs *Rows) finish() {
	if rs.doneReading {
		return
	}
	rs.doneReading = true
	rs.releaseCurrent()
	rs.conn.endStream(rs)
}

// Err returns the terminal error of the stream, if any. Server errors
// are surfaced once the stream has drained to its driving DONE.
func (rs *Rows) Err() error { return rs.err }

// Canceled reports whether the stream ended with an attention
// acknowledgment.
func (rs *Rows) Canceled() bool { return rs.attn }

// Cancel requests cancellation of the running statement. One Attention
// packet goes out; the stream must still be drained to its DONE, which
// will carry the ATTN acknowledgment. Idempotent, and a no-op once the
// stream has completed.
func (rs *Rows) Cancel() {
	rs.conn.sendAttentionOnce(rs.ctx)
}

// Close drains the remaining token stream so the connection is usable
// again. If the transport fails mid-drain the connection is poisoned.
func (rs *Rows) Close() error {
	for !rs.doneReading {
		for rs.Next() {
			rs.releaseCurrent()
		}
		if rs.pendingCols != nil {
			rs.cols = rs.pendingCols
			rs.pendingCols = nil
			continue
		}
	}
	return rs.err
}
