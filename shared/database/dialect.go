package database

import (
	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a squirrel builder with the placeholder format of driver.
func StatementBuilder(driver string) sq.StatementBuilderType {
	if driver == DriverPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
