package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate(t *testing.T) {
	req := require.New(t)
	conn, mock, err := sqlmock.New()
	req.NoError(err)
	defer conn.Close()

	for _, query := range Migrations {
		mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	req.NoError((&Database{Conn: conn}).AutoMigrate(context.Background()))
	req.NoError(mock.ExpectationsWereMet())
}

func TestAutoMigrate_StopsOnFailure(t *testing.T) {
	req := require.New(t)
	conn, mock, err := sqlmock.New()
	req.NoError(err)
	defer conn.Close()

	// Given the first statement fails
	mock.ExpectExec(regexp.QuoteMeta(Migrations[0])).WillReturnError(errors.New("permission denied"))

	// Then nothing else runs
	err = (&Database{Conn: conn}).AutoMigrate(context.Background())
	req.ErrorContains(err, "permission denied")
	req.NoError(mock.ExpectationsWereMet())
}
