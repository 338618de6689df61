package profilesql

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openkcm/portfolio-site/internal/serviceerr"
)

const (
	pgUniqueViolation          = "23505"
	pgNotNullViolation         = "23502"
	pgStringDataTruncation     = "22001"
	pgUntranslatableCharacter  = "22P05"
	pgCharacterNotInRepertoire = "22021"
)

func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err, false
	}

	switch pgErr.Code {
	case pgUniqueViolation:
		return serviceerr.ErrConflict, true
	case pgNotNullViolation, pgStringDataTruncation, pgUntranslatableCharacter, pgCharacterNotInRepertoire:
		return fmt.Errorf("%w: %s", serviceerr.ErrInvalidRequest, pgErr.Message), true
	}

	return err, false
}
