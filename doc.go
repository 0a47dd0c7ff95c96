// Package mssql is a TDS protocol client for Microsoft SQL Server and
// Azure SQL Database.
//
// The package owns the four layers a driver cannot outsource: the TDS
// packet framer and token codec, the connection state machine, a fair
// bounded connection pool, and a per-connection prepared statement
// cache. Everything above them (value conversion for application types,
// authentication backends, observability exporters) plugs in through
// narrow interfaces.
//
// # Connecting
//
// Connection strings use the semicolon key/value form:
//
//	server=localhost;user id=sa;password=secret;database=mydb
//
// Open a single connection through a Connector, or a pool:
//
//	connector, err := mssql.NewConnector("server=localhost;user id=sa;password=secret")
//	pool, err := mssql.NewPool(connector, mssql.PoolConfig{MaxConnections: 20})
//
//	handle, err := pool.Get(ctx)
//	defer handle.Release(ctx)
//	rows, err := handle.Conn().Query(ctx, "SELECT name FROM sys.tables")
//	for rows.Next() {
//	    name, _ := rows.Row().String(0)
//	    _ = name
//	}
//	err = rows.Close()
//
// Parameterised statements go through the per-connection prepared
// statement cache; placeholders are "@p1", "@p2", ...:
//
//	rows, err := conn.Query(ctx, "SELECT * FROM users WHERE id = @p1", 123)
//
// # Encryption
//
// The Encrypt setting accepts false (login-only encryption), true
// (full encryption inside TDS), strict (TDS 8.0, TLS outermost) and
// disable.
//
// # Cancellation
//
// A running query is cancelled out of band with an Attention packet,
// either explicitly through Rows.Cancel or automatically when the
// query's context is done. The stream still drains to the DONE token
// that acknowledges the attention, after which the connection is
// reusable without a reset.
package mssql
