package job

import "fmt"

// Open returns the Store for the configured driver.
//   - "sqlite": dsn is a file path (or ":memory:")
//   - "postgres": dsn is a lib/pq connection string
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
