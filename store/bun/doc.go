// Package bunstore implements store.Store on the Bun ORM with the
// PostgreSQL dialect. It offers the same relational semantics as the pgx
// backend for applications that already manage a *bun.DB, e.g. alongside
// their own models.
//
// Usage:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	s := bunstore.New(db)
package bunstore
