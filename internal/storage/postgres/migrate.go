package postgres

import (
	"os"
	"strings"
)

func (s *Postgres) Migrate(schemaPath string) error {
	b, err := os.ReadFile(schemaPath)
	if err != nil {
		return err
	}
	stmts := strings.Split(string(b), ";")

	for _, stmt := range stmts {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err = s.DB.Exec(st); err != nil {
			return err
		}
	}
	return nil
}
