package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go-etl-engine/internal/model"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const defaultTable = "etl_output"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// loadSQL inserts every row inside one transaction; the table is created when missing
// and dropped first in "replace" mode.
func (em *ExportManager) loadSQL(ctx context.Context, ds *model.Dataset, target model.TargetDescriptor, targetType, driver string) (ExportResult, error) {
	table := target.Options.String("table", defaultTable)
	if !identifierPattern.MatchString(table) {
		return ExportResult{}, model.NewError(model.UnsupportedTarget, "invalid table name %q", table)
	}
	mode := strings.ToLower(target.Options.String("mode", "append"))
	if mode != "append" && mode != "replace" {
		return ExportResult{}, model.NewError(model.UnsupportedTarget, "unknown write mode %q", mode)
	}

	dsn := target.Location
	if targetType == "sqlite" {
		path, err := em.resolvePath(dsn)
		if err != nil {
			return ExportResult{}, err
		}
		dsn = path
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return ExportResult{}, writeFailure(err, "failed to open %s target", targetType)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ExportResult{}, writeFailure(err, "failed to begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	d := sqlDialect(targetType)
	if mode == "replace" {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
			return ExportResult{}, writeFailure(err, "failed to drop table %s", table)
		}
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(ds, table, d)); err != nil {
		return ExportResult{}, writeFailure(err, "failed to create table %s", table)
	}

	if ds.NumCols() > 0 {
		stmt, err := tx.PrepareContext(ctx, insertSQL(ds, table, d))
		if err != nil {
			return ExportResult{}, writeFailure(err, "failed to prepare insert into %s", table)
		}
		defer stmt.Close()

		args := make([]interface{}, ds.NumCols())
		for r := 0; r < ds.NumRows(); r++ {
			for c, col := range ds.Columns {
				args[c] = sqlValue(col.Values[r])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return ExportResult{}, writeFailure(err, "failed to insert row %d into %s", r, table)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ExportResult{}, writeFailure(err, "failed to commit %s", table)
	}
	committed = true

	result := ExportResult{
		Type:          targetType,
		Location:      fmt.Sprintf("%s:%s", targetType, table),
		RecordsLoaded: ds.NumRows(),
		ExportedAt:    time.Now().UTC(),
	}
	em.Log.Info().
		Str("type", targetType).
		Str("table", table).
		Str("mode", mode).
		Int("records", result.RecordsLoaded).
		Msg("target written")
	return result, nil
}

type dialect struct {
	numberType  string
	booleanType string
	timeType    string
	placeholder func(i int) string
}

func sqlDialect(targetType string) dialect {
	if targetType == "postgres" {
		return dialect{
			numberType:  "DOUBLE PRECISION",
			booleanType: "BOOLEAN",
			timeType:    "TIMESTAMPTZ",
			placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		}
	}
	return dialect{
		numberType:  "REAL",
		booleanType: "BOOLEAN",
		timeType:    "DATETIME",
		placeholder: func(int) string { return "?" },
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(ds *model.Dataset, table string, d dialect) string {
	cols := make([]string, 0, ds.NumCols())
	for _, col := range ds.Columns {
		cols = append(cols, quoteIdent(col.Name)+" "+columnSQLType(col.Values, d))
	}
	if len(cols) == 0 {
		// A table needs at least one column
		cols = append(cols, quoteIdent("_empty")+" TEXT")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
}

func insertSQL(ds *model.Dataset, table string, d dialect) string {
	names := make([]string, ds.NumCols())
	marks := make([]string, ds.NumCols())
	for i, col := range ds.Columns {
		names[i] = quoteIdent(col.Name)
		marks[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
}

// columnSQLType maps a column to a SQL type; mixed or empty columns are TEXT
func columnSQLType(values []model.Value, d dialect) string {
	kind := model.KindNull
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		if kind == model.KindNull {
			kind = v.Kind
		} else if kind != v.Kind {
			return "TEXT"
		}
	}
	switch kind {
	case model.KindNumber:
		return d.numberType
	case model.KindBoolean:
		return d.booleanType
	case model.KindDatetime:
		return d.timeType
	default:
		return "TEXT"
	}
}

func sqlValue(v model.Value) interface{} {
	switch v.Kind {
	case model.KindNumber:
		return v.Num
	case model.KindString:
		return v.Str
	case model.KindDatetime:
		return v.Time
	case model.KindBoolean:
		return v.Bool
	default:
		return nil
	}
}
